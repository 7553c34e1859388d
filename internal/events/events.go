// Package events delivers upload progress and completion notifications to the
// host application.
package events

// ProgressEvent reports bytes sent for one upload.
type ProgressEvent struct {
	UploadID      string  `json:"uploadId"`
	Progress      float64 `json:"progress"`
	BytesUploaded int64   `json:"bytesUploaded"`
	TotalBytes    int64   `json:"totalBytes"`
}

// CompletionEvent is the single terminal notification of an upload.
type CompletionEvent struct {
	UploadID   string `json:"uploadId"`
	Success    bool   `json:"success"`
	StatusCode int    `json:"statusCode,omitempty"`
	Response   string `json:"response,omitempty"`
	Error      string `json:"error,omitempty"`
	// Kind is the failure classification, empty on success.
	Kind string `json:"kind,omitempty"`
}

// Listener receives events. Calls are serialized; implementations must not
// block and must not call back into the Hub or the upload manager. Hand work
// off to another goroutine instead.
type Listener interface {
	UploadProgress(ProgressEvent)
	UploadComplete(CompletionEvent)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	OnProgress func(ProgressEvent)
	OnComplete func(CompletionEvent)
}

func (f ListenerFuncs) UploadProgress(ev ProgressEvent) {
	if f.OnProgress != nil {
		f.OnProgress(ev)
	}
}

func (f ListenerFuncs) UploadComplete(ev CompletionEvent) {
	if f.OnComplete != nil {
		f.OnComplete(ev)
	}
}
