package store

import (
	"fmt"
	"time"
)

// Status is the lifecycle position of an upload.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusPaused     Status = "paused"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further mutation may happen.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

var transitions = map[Status][]Status{
	StatusPending:    {StatusPending, StatusInProgress, StatusPaused, StatusFailed, StatusCancelled},
	StatusInProgress: {StatusInProgress, StatusPending, StatusPaused, StatusSucceeded, StatusFailed, StatusCancelled},
	StatusPaused:     {StatusPaused, StatusPending, StatusCancelled},
}

// CanTransition reports whether a record may move from s to next.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Destination describes the HTTP request an upload is sent with.
type Destination struct {
	URL         string            `json:"url"`
	Method      string            `json:"method"`
	Headers     map[string]string `json:"headers,omitempty"`
	FieldName   string            `json:"field_name"`
	FileName    string            `json:"file_name"`
	ContentType string            `json:"content_type"`
	// Resumable selects the ranged protocol; otherwise every attempt sends a
	// fresh multipart body from offset zero.
	Resumable bool `json:"resumable"`
}

// ErrorInfo is the classified reason a record failed.
type ErrorInfo struct {
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	StatusCode int    `json:"status_code,omitempty"`
}

// Response is the final answer of the destination for a succeeded upload.
type Response struct {
	StatusCode int    `json:"status_code"`
	Body       string `json:"body,omitempty"`
}

// Record is the durable unit of work.
type Record struct {
	ID          string      `json:"id"`
	SourcePath  string      `json:"source_path"`
	Destination Destination `json:"destination"`
	Status      Status      `json:"status"`
	// BytesSent is the offset the destination has acknowledged.
	BytesSent  int64      `json:"bytes_sent"`
	TotalBytes int64      `json:"total_bytes"`
	Attempt    int        `json:"attempt"`
	LastError  *ErrorInfo `json:"last_error,omitempty"`
	Response   *Response  `json:"response,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	Version    uint64     `json:"version"`
}

// Progress returns the acknowledged fraction in [0, 1].
func (r Record) Progress() float64 {
	if r.TotalBytes <= 0 {
		if r.Status == StatusSucceeded {
			return 1
		}
		return 0
	}
	return float64(r.BytesSent) / float64(r.TotalBytes)
}

func (r Record) validate() error {
	if r.BytesSent < 0 || r.BytesSent > r.TotalBytes {
		return fmt.Errorf("bytes_sent %d outside [0, %d]", r.BytesSent, r.TotalBytes)
	}
	if r.TotalBytes > 0 && r.BytesSent == r.TotalBytes && r.Status != StatusSucceeded {
		return fmt.Errorf("bytes_sent equals total_bytes while %s", r.Status)
	}
	if r.Status == StatusSucceeded && r.BytesSent != r.TotalBytes {
		return fmt.Errorf("succeeded with %d of %d bytes", r.BytesSent, r.TotalBytes)
	}
	if r.Status == StatusFailed && r.LastError == nil {
		return fmt.Errorf("failed record without last_error")
	}
	if r.Status != StatusFailed && r.LastError != nil {
		return fmt.Errorf("last_error set while %s", r.Status)
	}
	if r.Attempt < 0 {
		return fmt.Errorf("negative attempt %d", r.Attempt)
	}
	return nil
}

// CreateSpec is what a new record is built from.
type CreateSpec struct {
	SourcePath  string
	Destination Destination
	TotalBytes  int64
}

// Filter selects records in List. The zero Filter matches everything.
type Filter struct {
	Statuses []Status
}

// Match reports whether r passes the filter.
func (f Filter) Match(r Record) bool {
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if r.Status == s {
			return true
		}
	}
	return false
}
