// Package adapter defines the Platform Adapter interface that lets the
// Task Engine submit and poll generation jobs against a remote
// generative-media provider without knowing its wire format.
package adapter

import "context"

// TaskKind is one of the four generative modalities.
type TaskKind string

const (
	TextToImage  TaskKind = "text_to_image"
	ImageToImage TaskKind = "image_to_image"
	TextToVideo  TaskKind = "text_to_video"
	ImageToVideo TaskKind = "image_to_video"
)

// ErrorClass distinguishes recovery policy for a failed submit/query call:
// transient errors retry for free on polling and count toward retry_count
// on submit; terminal errors count toward retry_count and
// eventually fail the item; local errors are programmer/store errors that
// leave the item untouched for the next scheduled pass.
type ErrorClass int

const (
	ErrorTransient ErrorClass = iota
	ErrorTerminal
	ErrorLocal
)

func (c ErrorClass) String() string {
	switch c {
	case ErrorTransient:
		return "transient"
	case ErrorTerminal:
		return "terminal"
	case ErrorLocal:
		return "local"
	default:
		return "unknown"
	}
}

// Error wraps an adapter failure with its recovery class and, for terminal
// provider errors, the provider's own error message.
type Error struct {
	Class   ErrorClass
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds an adapter.Error without a wrapped cause.
func NewError(class ErrorClass, message string) *Error {
	return &Error{Class: class, Message: message}
}

// SubmitResult is returned by a successful Submit call.
type SubmitResult struct {
	PlatformTaskID string
}

// QueryStatus is the normalized state an adapter reports for an in-flight
// platform task.
type QueryStatus string

const (
	StatusQueued    QueryStatus = "queued"
	StatusRunning   QueryStatus = "running"
	StatusSucceeded QueryStatus = "succeeded"
	StatusFailed    QueryStatus = "failed"
)

// QueryResult is returned by a Query call.
type QueryResult struct {
	Status       QueryStatus
	ResultURL    string // set only when Status == StatusSucceeded
	ErrorMessage string // set only when Status == StatusFailed
}

// Adapter is the local interface implementation for one remote
// generative-media provider.
type Adapter interface {
	// Name identifies the platform this adapter submits to, used as the
	// stored platform_id.
	Name() string

	// SupportedTaskKinds lists the task kinds this adapter can serve.
	SupportedTaskKinds() []TaskKind

	// NormalizeParams validates and reshapes an item's input_params into
	// whatever the provider's wire format needs, returning a classified
	// error on malformed input.
	NormalizeParams(kind TaskKind, params map[string]any) (map[string]any, error)

	// Submit starts one unit of work and returns the provider's task
	// handle. modelID selects among a provider's several backing models
	// (e.g. sora vs sorapro) where the provider has more than one for a
	// task kind; it may be empty when the provider has only one.
	// Errors are *Error with a recovery class.
	Submit(ctx context.Context, kind TaskKind, modelID string, params map[string]any) (SubmitResult, error)

	// Query polls a previously submitted task. Errors are *Error with a
	// recovery class; a transport error here is always transient.
	Query(ctx context.Context, platformTaskID string) (QueryResult, error)
}
