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

func scanItem(scanFn func(dest ...any) error) (Item, error) {
	var it Item
	var paramsJSON string
	var nextRetryStr, platformID, platformTaskID, resultURL, errMsg sql.NullString
	if err := scanFn(
		&it.ID, &it.MissionID, &it.ItemIndex, &paramsJSON, &it.Status, &it.RetryCount,
		&nextRetryStr, &platformID, &platformTaskID, &resultURL, &errMsg,
	); err != nil {
		return it, err
	}
	if paramsJSON != "" {
		_ = json.Unmarshal([]byte(paramsJSON), &it.InputParams)
	}
	if nextRetryStr.Valid {
		if t, err := parseTime(nextRetryStr.String); err == nil {
			it.NextRetryAt = &t
		}
	}
	it.PlatformID = platformID.String
	it.PlatformTaskID = platformTaskID.String
	it.ResultURL = resultURL.String
	it.ErrorMessage = errMsg.String
	return it, nil
}

const itemSelectColumns = `id, mission_id, item_index, input_params_json, status, retry_count, next_retry_at, platform_id, platform_task_id, result_url, error_message`

// GetItem returns one item by id.
func (s *Store) GetItem(ctx context.Context, id int64) (*Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemSelectColumns+` FROM mission_items WHERE id = ?;`, id)
	it, err := scanItem(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan item: %w", err)
	}
	return &it, nil
}

// ListItems returns every item of a mission, ordered by item_index.
func (s *Store) ListItems(ctx context.Context, missionID int64) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+itemSelectColumns+` FROM mission_items WHERE mission_id = ? ORDER BY item_index ASC;`, missionID)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()
	var out []Item
	for rows.Next() {
		it, scanErr := scanItem(rows.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan item row: %w", scanErr)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *Store) appendItemEventTx(ctx context.Context, tx *sql.Tx, itemID, missionID int64, from, to ItemStatus, eventType, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO item_events (item_id, mission_id, event_type, state_from, state_to, payload_json, created_at)
		VALUES (?, ?, ?, NULLIF(?, ''), ?, ?, ?);
	`, itemID, missionID, eventType, string(from), string(to), payload, nowString())
	if err != nil {
		return fmt.Errorf("insert item_event: %w", err)
	}
	return nil
}

// StartProcessing transitions an item pending→processing and records the
// adapter that accepted the submission: platform_id and platform_task_id
// are written atomically alongside the status change.
func (s *Store) StartProcessing(ctx context.Context, itemID int64, platformID, platformTaskID string) (bool, error) {
	var ok bool
	var missionID int64
	err := retryOnBusy(ctx, 5, func() error {
		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return fmt.Errorf("begin start-processing tx: %w", txErr)
		}
		defer tx.Rollback()

		var current ItemStatus
		if scanErr := tx.QueryRowContext(ctx, `SELECT status, mission_id FROM mission_items WHERE id = ?;`, itemID).Scan(&current, &missionID); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				ok = false
				return nil
			}
			return fmt.Errorf("select item status: %w", scanErr)
		}
		if !canTransitionItem(current, ItemProcessing) {
			ok = false
			return nil
		}
		if _, execErr := tx.ExecContext(ctx, `
			UPDATE mission_items SET status = ?, platform_id = ?, platform_task_id = ?, updated_at = ? WHERE id = ?;
		`, ItemProcessing, platformID, platformTaskID, nowString(), itemID); execErr != nil {
			return fmt.Errorf("update item processing: %w", execErr)
		}
		if evErr := s.appendItemEventTx(ctx, tx, itemID, missionID, current, ItemProcessing, "item.submitted", "{}"); evErr != nil {
			return evErr
		}
		ok = true
		return tx.Commit()
	})
	if err != nil {
		return false, err
	}
	if ok && s.bus != nil {
		s.bus.Publish(bus.TopicItemStateChanged, bus.ItemStateChangedEvent{ItemID: itemID, MissionID: missionID, NewStatus: string(ItemProcessing)})
	}
	return ok, nil
}

// CompleteItem transitions an item to completed with its result URL.
func (s *Store) CompleteItem(ctx context.Context, itemID int64, resultURL string) (bool, int64, error) {
	var ok bool
	var missionID int64
	err := retryOnBusy(ctx, 5, func() error {
		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return fmt.Errorf("begin complete tx: %w", txErr)
		}
		defer tx.Rollback()

		var current ItemStatus
		if scanErr := tx.QueryRowContext(ctx, `SELECT status, mission_id FROM mission_items WHERE id = ?;`, itemID).Scan(&current, &missionID); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				ok = false
				return nil
			}
			return fmt.Errorf("select item status: %w", scanErr)
		}
		if !canTransitionItem(current, ItemCompleted) {
			ok = false
			return nil
		}
		if _, execErr := tx.ExecContext(ctx, `
			UPDATE mission_items SET status = ?, result_url = ?, updated_at = ? WHERE id = ?;
		`, ItemCompleted, resultURL, nowString(), itemID); execErr != nil {
			return fmt.Errorf("update item completed: %w", execErr)
		}
		if _, execErr := tx.ExecContext(ctx, `UPDATE missions SET completed = completed + 1, updated_at = ? WHERE id = ?;`, nowString(), missionID); execErr != nil {
			return fmt.Errorf("increment mission completed: %w", execErr)
		}
		if evErr := s.appendItemEventTx(ctx, tx, itemID, missionID, current, ItemCompleted, "item.completed", "{}"); evErr != nil {
			return evErr
		}
		ok = true
		return tx.Commit()
	})
	if err != nil {
		return false, 0, err
	}
	if ok && s.bus != nil {
		s.bus.Publish(bus.TopicItemCompleted, bus.ItemStateChangedEvent{ItemID: itemID, MissionID: missionID, NewStatus: string(ItemCompleted)})
	}
	return ok, missionID, nil
}

// FailItemOrRetry applies the exponential-backoff retry decision (spec
// §4.4b.5, §4.4c). If retryCount (post-increment) < maxRetry it requeues
// the item as pending+next_retry_at; otherwise it fails the item terminally
// and increments the mission's failed counter.
func (s *Store) FailItemOrRetry(ctx context.Context, itemID int64, errMsg string, maxRetry int, backoffDelay time.Duration) (terminal bool, missionID int64, err error) {
	err = retryOnBusy(ctx, 5, func() error {
		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return fmt.Errorf("begin fail-or-retry tx: %w", txErr)
		}
		defer tx.Rollback()

		var current ItemStatus
		var retryCount int
		if scanErr := tx.QueryRowContext(ctx, `SELECT status, retry_count, mission_id FROM mission_items WHERE id = ?;`, itemID).Scan(&current, &retryCount, &missionID); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("select item for retry decision: %w", scanErr)
		}
		if current == ItemCancelled || current == ItemCompleted || current == ItemFailed {
			return nil
		}

		if retryCount >= maxRetry {
			if !canTransitionItem(current, ItemFailed) {
				return nil
			}
			if _, execErr := tx.ExecContext(ctx, `
				UPDATE mission_items SET status = ?, error_message = ?, updated_at = ? WHERE id = ?;
			`, ItemFailed, errMsg, nowString(), itemID); execErr != nil {
				return fmt.Errorf("update item failed: %w", execErr)
			}
			if _, execErr := tx.ExecContext(ctx, `UPDATE missions SET failed = failed + 1, updated_at = ? WHERE id = ?;`, nowString(), missionID); execErr != nil {
				return fmt.Errorf("increment mission failed: %w", execErr)
			}
			if evErr := s.appendItemEventTx(ctx, tx, itemID, missionID, current, ItemFailed, "item.failed", "{}"); evErr != nil {
				return evErr
			}
			terminal = true
			return tx.Commit()
		}

		if !canTransitionItem(current, ItemPending) {
			return nil
		}
		nextRetry := nowStringAt(time.Now().Add(backoffDelay))
		if _, execErr := tx.ExecContext(ctx, `
			UPDATE mission_items SET status = ?, retry_count = ?, next_retry_at = ?, platform_task_id = NULL, error_message = ?, updated_at = ? WHERE id = ?;
		`, ItemPending, retryCount+1, nextRetry, errMsg, nowString(), itemID); execErr != nil {
			return fmt.Errorf("update item retry: %w", execErr)
		}
		if evErr := s.appendItemEventTx(ctx, tx, itemID, missionID, current, ItemPending, "item.retrying", "{}"); evErr != nil {
			return evErr
		}
		terminal = false
		return tx.Commit()
	})
	if err != nil {
		return false, 0, err
	}
	if s.bus != nil {
		if terminal {
			s.bus.Publish(bus.TopicItemFailed, bus.ItemStateChangedEvent{ItemID: itemID, MissionID: missionID, NewStatus: string(ItemFailed)})
		} else {
			s.bus.Publish(bus.TopicItemRetrying, bus.ItemRetryingEvent{ItemID: itemID, MissionID: missionID})
		}
	}
	return terminal, missionID, nil
}

func nowStringAt(t time.Time) string { return formatTime(t) }

// ListDueRetryItems returns every `pending` item whose next_retry_at has
// elapsed, joined with its mission's fixed-config, for the Retry Checker.
func (s *Store) ListDueRetryItems(ctx context.Context) ([]Item, map[int64]Mission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.id, i.mission_id, i.item_index, i.input_params_json, i.status, i.retry_count, i.next_retry_at, i.platform_id, i.platform_task_id, i.result_url, i.error_message
		FROM mission_items i
		JOIN missions m ON m.id = i.mission_id
		WHERE i.status = ? AND i.next_retry_at IS NOT NULL AND i.next_retry_at <= ? AND m.status NOT IN (?, ?, ?);
	`, ItemPending, nowString(), MissionScheduled, MissionCancelled, MissionCompleted)
	if err != nil {
		return nil, nil, fmt.Errorf("list due retry items: %w", err)
	}
	defer rows.Close()
	var items []Item
	missionIDs := map[int64]struct{}{}
	for rows.Next() {
		it, scanErr := scanItem(rows.Scan)
		if scanErr != nil {
			return nil, nil, fmt.Errorf("scan due retry item: %w", scanErr)
		}
		items = append(items, it)
		missionIDs[it.MissionID] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	missions := make(map[int64]Mission, len(missionIDs))
	for id := range missionIDs {
		m, err := s.GetMission(ctx, id)
		if err != nil {
			continue
		}
		missions[id] = *m
	}
	return items, missions, nil
}

// ListPendingItemsForRecovery returns `pending` items whose mission is not
// `scheduled` and whose next_retry_at is null, so a crash-recovery pass can
// re-queue them from scratch.
func (s *Store) ListPendingItemsForRecovery(ctx context.Context) ([]Item, map[int64]Mission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.id, i.mission_id, i.item_index, i.input_params_json, i.status, i.retry_count, i.next_retry_at, i.platform_id, i.platform_task_id, i.result_url, i.error_message
		FROM mission_items i
		JOIN missions m ON m.id = i.mission_id
		WHERE i.status = ? AND i.next_retry_at IS NULL AND m.status != ?;
	`, ItemPending, MissionScheduled)
	if err != nil {
		return nil, nil, fmt.Errorf("list recovery pending items: %w", err)
	}
	defer rows.Close()
	var items []Item
	missionIDs := map[int64]struct{}{}
	for rows.Next() {
		it, scanErr := scanItem(rows.Scan)
		if scanErr != nil {
			return nil, nil, fmt.Errorf("scan recovery pending item: %w", scanErr)
		}
		items = append(items, it)
		missionIDs[it.MissionID] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	missions := make(map[int64]Mission, len(missionIDs))
	for id := range missionIDs {
		m, err := s.GetMission(ctx, id)
		if err != nil {
			continue
		}
		missions[id] = *m
	}
	return items, missions, nil
}

// ListProcessingItemsForRecovery returns `processing` items with a non-null
// platform_task_id, for respawning polling workers after a crash.
func (s *Store) ListProcessingItemsForRecovery(ctx context.Context) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+itemSelectColumns+` FROM mission_items WHERE status = ? AND platform_task_id IS NOT NULL AND platform_task_id != '';`, ItemProcessing)
	if err != nil {
		return nil, fmt.Errorf("list recovery processing items: %w", err)
	}
	defer rows.Close()
	var out []Item
	for rows.Next() {
		it, scanErr := scanItem(rows.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan recovery processing item: %w", scanErr)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// FinalizeMissionIfDone sets a mission to completed or failed once it has
// no more active items. Returns the final status, or "" if the mission
// still has active items.
func (s *Store) FinalizeMissionIfDone(ctx context.Context, missionID int64) (MissionStatus, error) {
	active, err := s.CountActiveItems(ctx, missionID)
	if err != nil {
		return "", err
	}
	if active > 0 {
		return "", nil
	}

	m, err := s.GetMission(ctx, missionID)
	if err != nil {
		return "", err
	}
	if m.Status == MissionCompleted || m.Status == MissionFailed || m.Status == MissionCancelled {
		return m.Status, nil
	}

	final := MissionCompleted
	if m.Total > 0 && m.Failed == m.Total {
		final = MissionFailed
	}
	ok, err := s.TransitionMission(ctx, missionID, final, "mission.finalized")
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}
	topic := bus.TopicMissionCompleted
	if final == MissionFailed {
		topic = bus.TopicMissionFailed
	}
	if s.bus != nil {
		s.bus.Publish(topic, bus.MissionStateChangedEvent{MissionID: fmt.Sprintf("%d", missionID), NewStatus: string(final)})
	}
	return final, nil
}
