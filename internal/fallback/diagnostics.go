package fallback

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"equity-recon/internal/fetcher"
)

// ErrorKind classifies a failed attempt.
type ErrorKind string

const (
	KindNetwork  ErrorKind = "network"
	KindProvider ErrorKind = "provider"
	KindEmpty    ErrorKind = "empty"
)

// Attempt records one adapter call, retries included.
type Attempt struct {
	Adapter      string            `json:"adapter"`
	Operation    fetcher.Operation `json:"operation"`
	StartedAt    time.Time         `json:"started_at"`
	Duration     time.Duration     `json:"-"`
	Success      bool              `json:"success"`
	RecordCount  int               `json:"record_count"`
	Tries        int               `json:"tries"`
	ErrorKind    ErrorKind         `json:"error_kind,omitempty"`
	ErrorType    string            `json:"error_type,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Network      bool              `json:"is_network_error,omitempty"`
}

// MarshalJSON renders Duration as whole milliseconds.
func (a Attempt) MarshalJSON() ([]byte, error) {
	type plain Attempt
	return json.Marshal(struct {
		plain
		DurationMs int64 `json:"duration_ms"`
	}{plain(a), a.Duration.Milliseconds()})
}

// Diagnostics is the ordered attempt trail of one fallback execution.
type Diagnostics []Attempt

// Failed counts unsuccessful attempts.
func (d Diagnostics) Failed() int {
	n := 0
	for _, a := range d {
		if !a.Success {
			n++
		}
	}
	return n
}

// Adapters lists attempted adapter names in order.
func (d Diagnostics) Adapters() []string {
	names := make([]string, len(d))
	for i, a := range d {
		names[i] = a.Adapter
	}
	return names
}

// String renders a one-line summary such as "alpha:network beta:ok(120)".
func (d Diagnostics) String() string {
	parts := make([]string, 0, len(d))
	for _, a := range d {
		switch {
		case a.Success:
			parts = append(parts, fmt.Sprintf("%s:ok(%d)", a.Adapter, a.RecordCount))
		default:
			parts = append(parts, fmt.Sprintf("%s:%s", a.Adapter, a.ErrorKind))
		}
	}
	return strings.Join(parts, " ")
}

// Result is the outcome of a fallback execution. Found implies Source is set.
type Result[T any] struct {
	Data        T           `json:"data"`
	Source      string      `json:"source,omitempty"`
	Found       bool        `json:"found"`
	Diagnostics Diagnostics `json:"diagnostics"`
	// Skipped lists adapters passed over because they reported unavailable.
	Skipped []string `json:"skipped,omitempty"`
}
