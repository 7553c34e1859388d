package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	progress    []ProgressEvent
	completions []CompletionEvent
}

func (r *recorder) UploadProgress(ev ProgressEvent)   { r.progress = append(r.progress, ev) }
func (r *recorder) UploadComplete(ev CompletionEvent) { r.completions = append(r.completions, ev) }

func TestHubDeliversToListeners(t *testing.T) {
	h := NewHub()
	a, b := &recorder{}, &recorder{}
	h.Subscribe(a)
	unsubscribe := h.Subscribe(b)

	h.EmitProgress(ProgressEvent{UploadID: "u1", BytesUploaded: 10, TotalBytes: 20, Progress: 0.5})
	unsubscribe()
	delivered := h.EmitTerminal(CompletionEvent{UploadID: "u1", Success: true, StatusCode: 200})

	assert.True(t, delivered)
	require.Len(t, a.progress, 1)
	require.Len(t, a.completions, 1)
	assert.Len(t, b.progress, 1)
	assert.Empty(t, b.completions)
}

func TestHubDropsProgressWithoutListeners(t *testing.T) {
	h := NewHub()
	h.EmitProgress(ProgressEvent{UploadID: "u1", BytesUploaded: 1})

	r := &recorder{}
	h.Subscribe(r)
	assert.Empty(t, r.progress)
}

func TestHubReplaysCompletionsToLateListener(t *testing.T) {
	h := NewHub()
	var deliveredIDs []string
	h.OnDelivered(func(ev CompletionEvent) { deliveredIDs = append(deliveredIDs, ev.UploadID) })

	assert.False(t, h.EmitTerminal(CompletionEvent{UploadID: "u1", Error: "cancelled"}))
	assert.False(t, h.EmitTerminal(CompletionEvent{UploadID: "u2", Success: true}))
	assert.Equal(t, 2, h.Pending())
	assert.Empty(t, deliveredIDs)

	first := &recorder{}
	h.Subscribe(first)
	require.Len(t, first.completions, 2)
	assert.Equal(t, "u1", first.completions[0].UploadID)
	assert.Equal(t, "u2", first.completions[1].UploadID)
	assert.Equal(t, []string{"u1", "u2"}, deliveredIDs)

	second := &recorder{}
	h.Subscribe(second)
	assert.Empty(t, second.completions)
	assert.Equal(t, 0, h.Pending())
}

func TestListenerFuncsSkipsNil(t *testing.T) {
	var got []CompletionEvent
	l := ListenerFuncs{OnComplete: func(ev CompletionEvent) { got = append(got, ev) }}

	l.UploadProgress(ProgressEvent{UploadID: "u"})
	l.UploadComplete(CompletionEvent{UploadID: "u"})
	assert.Len(t, got, 1)
}
