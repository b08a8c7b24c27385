package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/genmedia/broker/internal/bus"
)

// ErrNotFound is returned by single-row lookups when the id does not exist.
var ErrNotFound = errors.New("not found")

// CreateMission inserts a mission and its items in one transaction. The
// mission's initial status is `scheduled` if scheduledTime is set and in
// the future, else `queued`.
func (s *Store) CreateMission(ctx context.Context, name, description, taskType, modelID, platformStrategy string, config map[string]any, itemParams []map[string]any, scheduledTime *time.Time) (*Mission, []Item, error) {
	if len(itemParams) == 0 {
		return nil, nil, fmt.Errorf("batch_input must not be empty")
	}
	if scheduledTime != nil && scheduledTime.Before(time.Now().Add(-5*time.Second)) {
		return nil, nil, fmt.Errorf("scheduled_time more than 5s in the past")
	}

	configJSON, err := json.Marshal(config)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal mission config: %w", err)
	}

	status := MissionQueued
	if scheduledTime != nil && scheduledTime.After(time.Now()) {
		status = MissionScheduled
	}

	var mission Mission
	var items []Item
	err = retryOnBusy(ctx, 5, func() error {
		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return fmt.Errorf("begin create mission tx: %w", txErr)
		}
		defer tx.Rollback()

		now := nowString()
		var scheduledStr sql.NullString
		if scheduledTime != nil {
			scheduledStr = sql.NullString{String: formatTime(*scheduledTime), Valid: true}
		}

		res, execErr := tx.ExecContext(ctx, `
			INSERT INTO missions (name, description, task_type, model_id, platform_strategy, config_json, total, completed, failed, status, scheduled_time, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?, ?, ?);
		`, name, description, taskType, modelID, platformStrategy, string(configJSON), len(itemParams), status, scheduledStr, now, now)
		if execErr != nil {
			return fmt.Errorf("insert mission: %w", execErr)
		}
		missionID, idErr := res.LastInsertId()
		if idErr != nil {
			return fmt.Errorf("mission last insert id: %w", idErr)
		}

		items = make([]Item, 0, len(itemParams))
		for i, params := range itemParams {
			paramsJSON, marshalErr := json.Marshal(params)
			if marshalErr != nil {
				return fmt.Errorf("marshal item params: %w", marshalErr)
			}
			itemRes, itemErr := tx.ExecContext(ctx, `
				INSERT INTO mission_items (mission_id, item_index, input_params_json, status, retry_count, created_at, updated_at)
				VALUES (?, ?, ?, ?, 0, ?, ?);
			`, missionID, i, string(paramsJSON), ItemPending, now, now)
			if itemErr != nil {
				return fmt.Errorf("insert item: %w", itemErr)
			}
			itemID, itemIDErr := itemRes.LastInsertId()
			if itemIDErr != nil {
				return fmt.Errorf("item last insert id: %w", itemIDErr)
			}
			items = append(items, Item{
				ID: itemID, MissionID: missionID, ItemIndex: i,
				InputParams: params, Status: ItemPending,
			})
		}

		if evErr := s.appendMissionEventTx(ctx, tx, missionID, "", status, "mission.created", "{}"); evErr != nil {
			return evErr
		}

		mission = Mission{
			ID: missionID, Name: name, Description: description, TaskType: taskType,
			ModelID: modelID, PlatformStrategy: platformStrategy, Config: config,
			Total: len(itemParams), Status: status, ScheduledTime: scheduledTime,
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, nil, err
	}
	s.publishMissionEvent(bus.TopicMissionStateChanged, mission.ID, "", string(status))
	return &mission, items, nil
}

func (s *Store) appendMissionEventTx(ctx context.Context, tx *sql.Tx, missionID int64, from, to MissionStatus, eventType, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO mission_events (mission_id, event_type, state_from, state_to, payload_json, created_at)
		VALUES (?, ?, NULLIF(?, ''), ?, ?, ?);
	`, missionID, eventType, string(from), string(to), payload, nowString())
	if err != nil {
		return fmt.Errorf("insert mission_event: %w", err)
	}
	return nil
}

func (s *Store) publishMissionEvent(topic string, missionID int64, from, to string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(topic, bus.MissionStateChangedEvent{
		MissionID: fmt.Sprintf("%d", missionID), OldStatus: from, NewStatus: to,
	})
}

func scanMission(scanFn func(dest ...any) error) (Mission, error) {
	var m Mission
	var configJSON string
	var scheduledStr, startedStr sql.NullString
	if err := scanFn(
		&m.ID, &m.Name, &m.Description, &m.TaskType, &m.ModelID, &m.PlatformStrategy,
		&configJSON, &m.Total, &m.Completed, &m.Failed, &m.Status,
		&scheduledStr, &startedStr,
	); err != nil {
		return m, err
	}
	if configJSON != "" {
		_ = json.Unmarshal([]byte(configJSON), &m.Config)
	}
	if scheduledStr.Valid {
		if t, perr := parseTime(scheduledStr.String); perr == nil {
			m.ScheduledTime = &t
		}
	}
	if startedStr.Valid {
		if t, perr := parseTime(startedStr.String); perr == nil {
			m.StartedAt = &t
		}
	}
	return m, nil
}

// GetMission returns one mission by id.
func (s *Store) GetMission(ctx context.Context, id int64) (*Mission, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, task_type, model_id, platform_strategy, config_json, total, completed, failed, status, scheduled_time, started_at
		FROM missions WHERE id = ?;
	`, id)
	m, err := scanMission(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan mission: %w", err)
	}
	return &m, nil
}

// ListMissions returns a page of missions, optionally filtered by status,
// along with the total matching row count.
func (s *Store) ListMissions(ctx context.Context, status string, page, pageSize int) ([]Mission, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 500 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	var total int
	var countErr error
	var rows *sql.Rows
	var queryErr error
	if status != "" {
		countErr = s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM missions WHERE status = ?;`, status).Scan(&total)
		rows, queryErr = s.db.QueryContext(ctx, `
			SELECT id, name, description, task_type, model_id, platform_strategy, config_json, total, completed, failed, status, scheduled_time, started_at
			FROM missions WHERE status = ? ORDER BY id DESC LIMIT ? OFFSET ?;
		`, status, pageSize, offset)
	} else {
		countErr = s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM missions;`).Scan(&total)
		rows, queryErr = s.db.QueryContext(ctx, `
			SELECT id, name, description, task_type, model_id, platform_strategy, config_json, total, completed, failed, status, scheduled_time, started_at
			FROM missions ORDER BY id DESC LIMIT ? OFFSET ?;
		`, pageSize, offset)
	}
	if countErr != nil {
		return nil, 0, fmt.Errorf("count missions: %w", countErr)
	}
	if queryErr != nil {
		return nil, 0, fmt.Errorf("list missions: %w", queryErr)
	}
	defer rows.Close()

	var out []Mission
	for rows.Next() {
		m, err := scanMission(rows.Scan)
		if err != nil {
			return nil, 0, fmt.Errorf("scan mission row: %w", err)
		}
		out = append(out, m)
	}
	return out, total, rows.Err()
}

// TransitionMission moves a mission from its current status to `to`,
// no-op if the current status already disallows the edge.
func (s *Store) TransitionMission(ctx context.Context, id int64, to MissionStatus, eventType string) (bool, error) {
	var ok bool
	var from MissionStatus
	err := retryOnBusy(ctx, 5, func() error {
		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return fmt.Errorf("begin transition tx: %w", txErr)
		}
		defer tx.Rollback()

		if scanErr := tx.QueryRowContext(ctx, `SELECT status FROM missions WHERE id = ?;`, id).Scan(&from); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				ok = false
				return nil
			}
			return fmt.Errorf("select mission status: %w", scanErr)
		}
		if !canTransitionMission(from, to) {
			ok = false
			return nil
		}

		stampStarted := to == MissionRunning
		var execErr error
		if stampStarted {
			_, execErr = tx.ExecContext(ctx, `UPDATE missions SET status = ?, started_at = ?, updated_at = ? WHERE id = ? AND status = ?;`,
				to, nowString(), nowString(), id, from)
		} else {
			_, execErr = tx.ExecContext(ctx, `UPDATE missions SET status = ?, updated_at = ? WHERE id = ? AND status = ?;`,
				to, nowString(), id, from)
		}
		if execErr != nil {
			return fmt.Errorf("update mission status: %w", execErr)
		}
		if evErr := s.appendMissionEventTx(ctx, tx, id, from, to, eventType, "{}"); evErr != nil {
			return evErr
		}
		ok = true
		return tx.Commit()
	})
	if err != nil {
		return false, err
	}
	if ok {
		s.publishMissionEvent(bus.TopicMissionStateChanged, id, string(from), string(to))
	}
	return ok, nil
}

// CancelMission sets a mission cancelled and every pending item of it
// cancelled, in one transaction. A processing item is left untouched for
// its poller to notice.
func (s *Store) CancelMission(ctx context.Context, id int64) (int64, error) {
	var cancelledItems int64
	var from MissionStatus
	var ok bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return fmt.Errorf("begin cancel tx: %w", txErr)
		}
		defer tx.Rollback()

		if scanErr := tx.QueryRowContext(ctx, `SELECT status FROM missions WHERE id = ?;`, id).Scan(&from); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				ok = false
				return nil
			}
			return fmt.Errorf("select mission status: %w", scanErr)
		}
		if !canTransitionMission(from, MissionCancelled) {
			ok = false
			return nil
		}

		if _, execErr := tx.ExecContext(ctx, `UPDATE missions SET status = ?, updated_at = ? WHERE id = ?;`,
			MissionCancelled, nowString(), id); execErr != nil {
			return fmt.Errorf("update mission cancelled: %w", execErr)
		}
		res, itemErr := tx.ExecContext(ctx, `UPDATE mission_items SET status = ?, updated_at = ? WHERE mission_id = ? AND status = ?;`,
			ItemCancelled, nowString(), id, ItemPending)
		if itemErr != nil {
			return fmt.Errorf("cancel pending items: %w", itemErr)
		}
		cancelledItems, _ = res.RowsAffected()
		if evErr := s.appendMissionEventTx(ctx, tx, id, from, MissionCancelled, "mission.cancelled", "{}"); evErr != nil {
			return evErr
		}
		ok = true
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	s.publishMissionEvent(bus.TopicMissionCancelled, id, string(from), string(MissionCancelled))
	return cancelledItems, nil
}

// DeleteMission removes a mission and cascades to its items and events.
func (s *Store) DeleteMission(ctx context.Context, id int64) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin delete tx: %w", err)
		}
		defer tx.Rollback()
		if _, err := tx.ExecContext(ctx, `DELETE FROM item_events WHERE mission_id = ?;`, id); err != nil {
			return fmt.Errorf("delete item_events: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM mission_events WHERE mission_id = ?;`, id); err != nil {
			return fmt.Errorf("delete mission_events: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM mission_items WHERE mission_id = ?;`, id); err != nil {
			return fmt.Errorf("delete mission_items: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM missions WHERE id = ?;`, id)
		if err != nil {
			return fmt.Errorf("delete mission: %w", err)
		}
		affected, _ := res.RowsAffected()
		if affected == 0 {
			return ErrNotFound
		}
		return tx.Commit()
	})
}

// RetryMission re-enqueues every terminally-failed item of a non-terminal
// mission. On an already-terminal mission (completed/cancelled) it is a
// no-op returning 0.
func (s *Store) RetryMission(ctx context.Context, id int64) (int64, error) {
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return fmt.Errorf("begin retry tx: %w", txErr)
		}
		defer tx.Rollback()

		var status MissionStatus
		if scanErr := tx.QueryRowContext(ctx, `SELECT status FROM missions WHERE id = ?;`, id).Scan(&status); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("select mission status: %w", scanErr)
		}
		if status == MissionCompleted || status == MissionCancelled {
			affected = 0
			return nil
		}

		res, execErr := tx.ExecContext(ctx, `
			UPDATE mission_items SET status = ?, retry_count = 0, next_retry_at = NULL, platform_id = NULL, platform_task_id = NULL, error_message = NULL, updated_at = ?
			WHERE mission_id = ? AND status = ?;
		`, ItemPending, nowString(), id, ItemFailed)
		if execErr != nil {
			return fmt.Errorf("reset failed items: %w", execErr)
		}
		affected, _ = res.RowsAffected()

		if affected > 0 && status == MissionFailed {
			if _, execErr := tx.ExecContext(ctx, `UPDATE missions SET status = ?, updated_at = ? WHERE id = ?;`, MissionQueued, nowString(), id); execErr != nil {
				return fmt.Errorf("requeue mission: %w", execErr)
			}
			if evErr := s.appendMissionEventTx(ctx, tx, id, status, MissionQueued, "mission.retried", "{}"); evErr != nil {
				return evErr
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

// ListDueScheduledMissions returns `scheduled` missions whose scheduled_time
// has elapsed.
func (s *Store) ListDueScheduledMissions(ctx context.Context) ([]Mission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, task_type, model_id, platform_strategy, config_json, total, completed, failed, status, scheduled_time, started_at
		FROM missions WHERE status = ? AND scheduled_time <= ?;
	`, MissionScheduled, nowString())
	if err != nil {
		return nil, fmt.Errorf("list due scheduled missions: %w", err)
	}
	defer rows.Close()
	var out []Mission
	for rows.Next() {
		m, scanErr := scanMission(rows.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan due mission: %w", scanErr)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ExpireOverdueScheduled fails any `scheduled` mission whose scheduled_time
// is more than expirySeconds in the past, so a mission the process was
// down through is not silently started late.
func (s *Store) ExpireOverdueScheduled(ctx context.Context, expirySeconds int) (int64, error) {
	cutoff := formatTime(time.Now().Add(-time.Duration(expirySeconds) * time.Second))
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			UPDATE missions SET status = ?, updated_at = ? WHERE status = ? AND scheduled_time <= ?;
		`, MissionFailed, nowString(), MissionScheduled, cutoff)
		if execErr != nil {
			return fmt.Errorf("expire overdue scheduled missions: %w", execErr)
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	return affected, err
}

// ListActiveMissionsForRecovery returns `queued` and `running` missions that
// still have at least one non-terminal item.
func (s *Store) ListActiveMissionsForRecovery(ctx context.Context) ([]Mission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT m.id, m.name, m.description, m.task_type, m.model_id, m.platform_strategy, m.config_json, m.total, m.completed, m.failed, m.status, m.scheduled_time, m.started_at
		FROM missions m
		JOIN mission_items i ON i.mission_id = m.id
		WHERE m.status IN (?, ?) AND i.status IN (?, ?);
	`, MissionQueued, MissionRunning, ItemPending, ItemProcessing)
	if err != nil {
		return nil, fmt.Errorf("list active missions for recovery: %w", err)
	}
	defer rows.Close()
	var out []Mission
	for rows.Next() {
		m, scanErr := scanMission(rows.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan active mission: %w", scanErr)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CountActiveItems returns the number of items of a mission still in
// pending or processing (used by the completion monitor).
func (s *Store) CountActiveItems(ctx context.Context, missionID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM mission_items WHERE mission_id = ? AND status IN (?, ?);
	`, missionID, ItemPending, ItemProcessing).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active items: %w", err)
	}
	return count, nil
}
