package microvm

import "encoding/json"

// Error kinds carried in Result.Type. These mirror the failure taxonomy of
// the execution pipeline; the worker forwards them verbatim in terminal
// error events.
const (
	ErrBoot       = "BootError"
	ErrConfig     = "ConfigError"
	ErrConnection = "ConnectionError"
	ErrProtocol   = "ProtocolError"
	ErrJSON       = "JSONError"
	ErrTimeout    = "Timeout"
	ErrHost       = "HostError"
)

// Result is the outcome of one guest execution. Run never returns a Go
// error for task failures: every failure path produces a structured Result
// with Status "error" so the worker can publish it as a terminal event.
//
// On success, Report holds the raw engine report. On error, Type names the
// host-side failure kind, or is empty when the guest itself reported the
// failure (Error then carries the guest's formatted traceback).
type Result struct {
	Status    string          `json:"status"`
	Type      string          `json:"type,omitempty"`
	Message   string          `json:"message,omitempty"`
	Report    json.RawMessage `json:"report,omitempty"`
	Error     string          `json:"error,omitempty"`
	Traceback string          `json:"traceback,omitempty"`
	Preview   string          `json:"preview,omitempty"`
}

// Failed reports whether the result is a terminal error.
func (r *Result) Failed() bool {
	return r.Status != "success"
}

// ErrorMessage returns the most specific human-readable failure text.
func (r *Result) ErrorMessage() string {
	if r.Error != "" {
		return r.Error
	}
	if r.Message != "" {
		return r.Message
	}
	return "Unknown Error"
}

func errorResult(kind, message string) *Result {
	return &Result{Status: "error", Type: kind, Message: message}
}
