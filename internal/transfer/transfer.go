// Package transfer drives the HTTP exchange of a single upload: it streams the
// source file in chunks, reports acknowledged offsets and progress, and
// classifies the outcome.
package transfer

import (
	"context"
)

// Hooks receive the side effects of one execution.
type Hooks interface {
	// OnState observes every state machine transition.
	OnState(from, to State)
	// OnAcknowledged is called once the destination confirmed everything
	// before offset. The final byte is confirmed by the Result instead.
	// A returned error stops the transfer.
	OnAcknowledged(ctx context.Context, offset int64) error
	// OnProgress reports bytes handed to the transport, throttled.
	OnProgress(sent, total int64)
}

// HookFuncs adapts plain functions to Hooks. Nil fields are no-ops.
type HookFuncs struct {
	State        func(from, to State)
	Acknowledged func(ctx context.Context, offset int64) error
	Progress     func(sent, total int64)
}

func (h HookFuncs) OnState(from, to State) {
	if h.State != nil {
		h.State(from, to)
	}
}

func (h HookFuncs) OnAcknowledged(ctx context.Context, offset int64) error {
	if h.Acknowledged != nil {
		return h.Acknowledged(ctx, offset)
	}
	return nil
}

func (h HookFuncs) OnProgress(sent, total int64) {
	if h.Progress != nil {
		h.Progress(sent, total)
	}
}

// Result is the final answer of a completed transfer.
type Result struct {
	StatusCode int
	Body       string
	BytesSent  int64
}
