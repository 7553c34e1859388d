package transfer

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/go-units"
)

// throttle bounds how often progress is emitted. Counters stay exact; only
// emission is skipped.
type throttle struct {
	interval time.Duration
	last     time.Time
	now      func() time.Time
	mu       sync.Mutex
}

func newThrottle(interval time.Duration) *throttle {
	return &throttle{interval: interval, now: time.Now}
}

func (t *throttle) allow(final bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if final || t.last.IsZero() || now.Sub(t.last) >= t.interval {
		t.last = now
		return true
	}
	return false
}

// ProgressTracker tracks speed and ETA of running uploads for display.
type ProgressTracker struct {
	uploads map[string]*UploadProgress
	mu      sync.RWMutex
	now     func() time.Time
}

// UploadProgress is a snapshot of one upload.
type UploadProgress struct {
	UploadID       string
	BytesSent      int64
	TotalBytes     int64
	StartTime      time.Time
	LastUpdateTime time.Time
	Speed          float64 // bytes per second
	EstimatedTime  time.Duration
	startBytes     int64
}

// NewProgressTracker creates a new progress tracker
func NewProgressTracker() *ProgressTracker {
	return &ProgressTracker{
		uploads: make(map[string]*UploadProgress),
		now:     time.Now,
	}
}

// Update records that uploadID reached sent of total bytes and returns the
// new snapshot. The first update starts the clock.
func (pt *ProgressTracker) Update(uploadID string, sent, total int64) UploadProgress {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	now := pt.now()
	p, ok := pt.uploads[uploadID]
	if !ok {
		p = &UploadProgress{UploadID: uploadID, StartTime: now, startBytes: sent}
		pt.uploads[uploadID] = p
	}
	p.BytesSent = sent
	p.TotalBytes = total
	p.LastUpdateTime = now

	if elapsed := now.Sub(p.StartTime).Seconds(); elapsed > 0 {
		p.Speed = float64(sent-p.startBytes) / elapsed
	}
	p.EstimatedTime = 0
	if p.Speed > 0 && total > sent {
		p.EstimatedTime = time.Duration(float64(total-sent) / p.Speed * float64(time.Second))
	}
	return *p
}

// Get returns the last snapshot of uploadID.
func (pt *ProgressTracker) Get(uploadID string) (UploadProgress, bool) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	p, ok := pt.uploads[uploadID]
	if !ok {
		return UploadProgress{}, false
	}
	return *p, true
}

// Remove stops tracking uploadID.
func (pt *ProgressTracker) Remove(uploadID string) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	delete(pt.uploads, uploadID)
}

// Print writes a one-line summary of p.
func (p UploadProgress) Print(w io.Writer) {
	percent := 0.0
	if p.TotalBytes > 0 {
		percent = float64(p.BytesSent) / float64(p.TotalBytes) * 100.0
	}
	line := fmt.Sprintf("%s  %s/%s (%.1f%%)", p.UploadID,
		units.BytesSize(float64(p.BytesSent)), units.BytesSize(float64(p.TotalBytes)), percent)
	if p.Speed > 0 {
		line += fmt.Sprintf("  %s/s", units.BytesSize(p.Speed))
	}
	if p.EstimatedTime > 0 {
		line += "  ETA " + units.HumanDuration(p.EstimatedTime)
	}
	fmt.Fprintln(w, line)
}
