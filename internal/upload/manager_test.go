package upload

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielsousast/expo-background-upload/internal/chunker"
	"github.com/danielsousast/expo-background-upload/internal/events"
	"github.com/danielsousast/expo-background-upload/internal/receiver"
	"github.com/danielsousast/expo-background-upload/internal/store"
	"github.com/danielsousast/expo-background-upload/internal/transfer"
	"github.com/danielsousast/expo-background-upload/internal/uploaderr"
)

const waitTimeout = 15 * time.Second

// collector records events per upload in arrival order.
type collector struct {
	mu          sync.Mutex
	log         map[string][]string
	progress    map[string][]events.ProgressEvent
	completions map[string][]events.CompletionEvent
	done        map[string]chan struct{}
}

func newCollector() *collector {
	return &collector{
		log:         make(map[string][]string),
		progress:    make(map[string][]events.ProgressEvent),
		completions: make(map[string][]events.CompletionEvent),
		done:        make(map[string]chan struct{}),
	}
}

func (c *collector) UploadProgress(ev events.ProgressEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log[ev.UploadID] = append(c.log[ev.UploadID], "progress")
	c.progress[ev.UploadID] = append(c.progress[ev.UploadID], ev)
}

func (c *collector) UploadComplete(ev events.CompletionEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log[ev.UploadID] = append(c.log[ev.UploadID], "complete")
	c.completions[ev.UploadID] = append(c.completions[ev.UploadID], ev)
	if len(c.completions[ev.UploadID]) == 1 {
		close(c.doneLocked(ev.UploadID))
	}
}

func (c *collector) doneLocked(id string) chan struct{} {
	ch, ok := c.done[id]
	if !ok {
		ch = make(chan struct{})
		c.done[id] = ch
	}
	return ch
}

func (c *collector) wait(t *testing.T, id string) events.CompletionEvent {
	t.Helper()
	c.mu.Lock()
	ch := c.doneLocked(id)
	c.mu.Unlock()

	select {
	case <-ch:
	case <-time.After(waitTimeout):
		t.Fatalf("no completion for %s", id)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completions[id][0]
}

func (c *collector) snapshot(id string) ([]string, []events.ProgressEvent, []events.CompletionEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.log[id]...),
		append([]events.ProgressEvent(nil), c.progress[id]...),
		append([]events.CompletionEvent(nil), c.completions[id]...)
}

func testConfig() Config {
	return Config{
		MaxConcurrent:  4,
		MaxAttempts:    3,
		RetryBaseDelay: 10 * time.Millisecond,
		RetryMaxDelay:  50 * time.Millisecond,
	}
}

func testExecutor(open chunker.OpenFunc) *transfer.Executor {
	return transfer.NewExecutor(transfer.Options{
		ChunkSize:        chunker.MinChunkSize,
		ProgressInterval: time.Nanosecond,
		Open:             open,
	})
}

func newTestStore(t *testing.T) *store.RecordStore {
	t.Helper()
	s, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestManager(t *testing.T, s *store.RecordStore, hub *events.Hub, cfg Config, opts ...Option) *Manager {
	t.Helper()
	m, err := New(s, hub, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func subscribed() (*events.Hub, *collector) {
	hub := events.NewHub()
	c := newCollector()
	hub.Subscribe(c)
	return hub, c
}

func writeSource(t *testing.T, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*31 + 7)
	}
	path := filepath.Join(t.TempDir(), "photo.jpg")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path, data
}

func newReceiver(t *testing.T) *receiver.Server {
	t.Helper()
	rcv, err := receiver.NewServer()
	require.NoError(t, err)
	return rcv
}

func serve(t *testing.T, h http.Handler) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return ts
}

func dropConnection(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		panic("response writer cannot hijack")
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		panic(err)
	}
	conn.Close()
}

// rangedProxy fronts a receiver, recording chunk offsets and letting tests
// interfere with chunks at or past an offset.
type rangedProxy struct {
	next http.Handler

	mu     sync.Mutex
	starts []int64
	dropAt int64
	drops  int
	block  atomic.Bool
}

func (p *rangedProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodHead && r.Header.Get(transfer.HeaderUploadID) != "" {
		start, _, _, err := receiver.ParseContentRange(r.Header.Get(transfer.HeaderContentRange))
		p.mu.Lock()
		p.starts = append(p.starts, start)
		drop := err == nil && p.drops > 0 && start >= p.dropAt
		if drop {
			p.drops--
		}
		p.mu.Unlock()

		if drop {
			dropConnection(w)
			return
		}
		if err == nil && start >= p.dropAt && p.block.Load() {
			io.Copy(io.Discard, r.Body)
			<-r.Context().Done()
			return
		}
	}
	p.next.ServeHTTP(w, r)
}

func (p *rangedProxy) chunkStarts() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int64(nil), p.starts...)
}

func TestUploadTenMegabytes(t *testing.T) {
	const size = 10485760
	path, data := writeSource(t, size)
	rcv := newReceiver(t)
	ts := serve(t, rcv)

	hub, c := subscribed()
	s := newTestStore(t)
	m := newTestManager(t, s, hub, testConfig(), WithRunner(testExecutor(nil)))

	id, err := m.Start(path, Options{URL: ts.URL, Headers: map[string]string{"X-Trace": "1"}})
	require.NoError(t, err)

	ev := c.wait(t, id)
	assert.True(t, ev.Success)
	assert.Equal(t, http.StatusOK, ev.StatusCode)
	assert.NotEmpty(t, ev.Response)

	order, progress, completions := c.snapshot(id)
	require.Len(t, completions, 1)
	require.NotEmpty(t, progress)
	assert.Equal(t, "complete", order[len(order)-1])
	for i := 1; i < len(progress); i++ {
		assert.GreaterOrEqual(t, progress[i].BytesUploaded, progress[i-1].BytesUploaded)
	}
	last := progress[len(progress)-1]
	assert.Equal(t, int64(size), last.BytesUploaded)
	assert.Equal(t, int64(size), last.TotalBytes)
	assert.Equal(t, 1.0, last.Progress)

	rec, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSucceeded, rec.Status)
	assert.Equal(t, rec.TotalBytes, rec.BytesSent)
	require.NotNil(t, rec.Response)
	assert.Equal(t, http.StatusOK, rec.Response.StatusCode)

	uploads := rcv.Uploads()
	require.Len(t, uploads, 1)
	assert.Equal(t, "photo.jpg", uploads[0].FileName)
	got, err := rcv.Data(uploads[0].ID)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

func TestCancelBeforeProgress(t *testing.T) {
	path, _ := writeSource(t, 4096)
	ts := serve(t, newReceiver(t))

	opened := make(chan struct{})
	release := make(chan struct{})
	open := func(p string, offset, total int64, chunkSize int) (*chunker.Reader, error) {
		close(opened)
		<-release
		return chunker.Open(p, offset, total, chunkSize)
	}

	hub, c := subscribed()
	m := newTestManager(t, newTestStore(t), hub, testConfig(), WithRunner(testExecutor(open)))

	id, err := m.Start(path, Options{URL: ts.URL})
	require.NoError(t, err)

	<-opened
	assert.True(t, m.Cancel(id))
	assert.False(t, m.Cancel(id))
	close(release)

	ev := c.wait(t, id)
	assert.False(t, ev.Success)
	assert.Equal(t, "cancelled", ev.Error)
	assert.Equal(t, string(uploaderr.KindCancelled), ev.Kind)

	require.NoError(t, m.Wait(context.Background()))
	_, progress, completions := c.snapshot(id)
	assert.Empty(t, progress)
	assert.Len(t, completions, 1)

	rec, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, rec.Status)
}

func TestCancelUnknownAndFinished(t *testing.T) {
	path, _ := writeSource(t, 10)
	ts := serve(t, newReceiver(t))
	hub, c := subscribed()
	m := newTestManager(t, newTestStore(t), hub, testConfig(), WithRunner(testExecutor(nil)))

	assert.False(t, m.Cancel("does-not-exist"))

	id, err := m.Start(path, Options{URL: ts.URL})
	require.NoError(t, err)
	assert.True(t, c.wait(t, id).Success)
	assert.False(t, m.Cancel(id))

	_, _, completions := c.snapshot(id)
	assert.Len(t, completions, 1)
}

func TestNetworkDropAtHalfResumes(t *testing.T) {
	const size = 8 * chunker.MinChunkSize
	path, data := writeSource(t, size)
	rcv := newReceiver(t)
	proxy := &rangedProxy{next: rcv, dropAt: size / 2, drops: 1}
	ts := serve(t, proxy)

	hub, c := subscribed()
	m := newTestManager(t, newTestStore(t), hub, testConfig(), WithRunner(testExecutor(nil)))

	id, err := m.Start(path, Options{URL: ts.URL, Resumable: true})
	require.NoError(t, err)

	ev := c.wait(t, id)
	require.True(t, ev.Success, ev.Error)

	rec, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Attempt)

	starts := proxy.chunkStarts()
	dropped := -1
	for i, s := range starts {
		if s >= size/2 {
			dropped = i
			break
		}
	}
	require.GreaterOrEqual(t, dropped, 0)
	for _, s := range starts[dropped+1:] {
		assert.GreaterOrEqual(t, s, int64(size/2), "bytes before the drop were sent again")
	}

	got, err := rcv.Data(id)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))

	_, progress, _ := c.snapshot(id)
	for i := 1; i < len(progress); i++ {
		assert.GreaterOrEqual(t, progress[i].BytesUploaded, progress[i-1].BytesUploaded)
	}
}

func TestNetworkDropRestartsMultipart(t *testing.T) {
	const size = 2 * 1024 * 1024
	path, data := writeSource(t, size)
	rcv := newReceiver(t)

	var hits atomic.Int32
	ts := serve(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			io.CopyN(io.Discard, r.Body, size/2)
			dropConnection(w)
			return
		}
		rcv.ServeHTTP(w, r)
	}))

	hub, c := subscribed()
	m := newTestManager(t, newTestStore(t), hub, testConfig(), WithRunner(testExecutor(nil)))

	id, err := m.Start(path, Options{URL: ts.URL})
	require.NoError(t, err)

	ev := c.wait(t, id)
	require.True(t, ev.Success, ev.Error)
	assert.Equal(t, int32(2), hits.Load())

	uploads := rcv.Uploads()
	require.Len(t, uploads, 1)
	got, err := rcv.Data(uploads[0].ID)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

func TestRetriesExhausted(t *testing.T) {
	path, _ := writeSource(t, 1024)
	var hits atomic.Int32
	ts := serve(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		dropConnection(w)
	}))

	hub, c := subscribed()
	m := newTestManager(t, newTestStore(t), hub, testConfig(), WithRunner(testExecutor(nil)))

	id, err := m.Start(path, Options{URL: ts.URL})
	require.NoError(t, err)

	ev := c.wait(t, id)
	assert.False(t, ev.Success)
	assert.Equal(t, string(uploaderr.KindNetwork), ev.Kind)
	assert.Equal(t, int32(3), hits.Load())

	rec, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, rec.Status)
	assert.Equal(t, 2, rec.Attempt)
	require.NotNil(t, rec.LastError)
	assert.Equal(t, string(uploaderr.KindNetwork), rec.LastError.Kind)
}

func TestRemoteRejectionIsTerminal(t *testing.T) {
	path, _ := writeSource(t, 1024)
	var hits atomic.Int32
	ts := serve(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "file type not allowed", http.StatusUnprocessableEntity)
	}))

	hub, c := subscribed()
	m := newTestManager(t, newTestStore(t), hub, testConfig(), WithRunner(testExecutor(nil)))

	id, err := m.Start(path, Options{URL: ts.URL})
	require.NoError(t, err)

	ev := c.wait(t, id)
	assert.False(t, ev.Success)
	assert.Equal(t, http.StatusUnprocessableEntity, ev.StatusCode)
	assert.Equal(t, "file type not allowed\n", ev.Response)
	assert.Equal(t, string(uploaderr.KindRemoteRejected), ev.Kind)
	assert.Equal(t, int32(1), hits.Load())
}

func TestServerErrorsRetriedWhenEnabled(t *testing.T) {
	path, _ := writeSource(t, 1024)
	rcv := newReceiver(t)
	var hits atomic.Int32
	ts := serve(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			http.Error(w, "try later", http.StatusServiceUnavailable)
			return
		}
		rcv.ServeHTTP(w, r)
	}))

	cfg := testConfig()
	cfg.RetryServerErrors = true
	hub, c := subscribed()
	m := newTestManager(t, newTestStore(t), hub, cfg, WithRunner(testExecutor(nil)))

	id, err := m.Start(path, Options{URL: ts.URL})
	require.NoError(t, err)
	assert.True(t, c.wait(t, id).Success)
	assert.Equal(t, int32(2), hits.Load())
}

func TestSourceDeletedBeforeOpen(t *testing.T) {
	path, _ := writeSource(t, 2048)
	ts := serve(t, newReceiver(t))

	var opens atomic.Int32
	open := func(p string, offset, total int64, chunkSize int) (*chunker.Reader, error) {
		opens.Add(1)
		os.Remove(p)
		return chunker.Open(p, offset, total, chunkSize)
	}

	hub, c := subscribed()
	m := newTestManager(t, newTestStore(t), hub, testConfig(), WithRunner(testExecutor(open)))

	id, err := m.Start(path, Options{URL: ts.URL})
	require.NoError(t, err)

	ev := c.wait(t, id)
	assert.False(t, ev.Success)
	assert.Equal(t, string(uploaderr.KindSourceUnavailable), ev.Kind)

	require.NoError(t, m.Wait(context.Background()))
	assert.Equal(t, int32(1), opens.Load())

	rec, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, rec.Status)
	assert.Equal(t, 0, rec.Attempt)
}

func TestRestartResumesFromAcknowledgedOffset(t *testing.T) {
	const size = 6 * chunker.MinChunkSize
	k := int64(2 * chunker.MinChunkSize)
	path, data := writeSource(t, size)
	rcv := newReceiver(t)
	proxy := &rangedProxy{next: rcv, dropAt: k}
	proxy.block.Store(true)
	ts := serve(t, proxy)
	dir := t.TempDir()

	s1, err := store.Open(dir)
	require.NoError(t, err)
	m1, err := New(s1, events.NewHub(), testConfig(), WithRunner(testExecutor(nil)))
	require.NoError(t, err)

	id, err := m1.Start(path, Options{URL: ts.URL, Resumable: true})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, err := s1.Get(id)
		return err == nil && rec.BytesSent == k
	}, waitTimeout, 10*time.Millisecond)

	require.NoError(t, m1.Close())
	rec, err := s1.Get(id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, rec.Status)
	assert.Equal(t, k, rec.BytesSent)
	require.NoError(t, s1.Close())

	proxy.block.Store(false)
	before := len(proxy.chunkStarts())

	var mu sync.Mutex
	var opened []int64
	open := func(p string, offset, total int64, chunkSize int) (*chunker.Reader, error) {
		mu.Lock()
		opened = append(opened, offset)
		mu.Unlock()
		return chunker.Open(p, offset, total, chunkSize)
	}

	s2, err := store.Open(dir)
	require.NoError(t, err)
	defer s2.Close()
	hub, c := subscribed()
	m2 := newTestManager(t, s2, hub, testConfig(), WithRunner(testExecutor(open)))

	ev := c.wait(t, id)
	require.True(t, ev.Success, ev.Error)
	require.NoError(t, m2.Close())

	mu.Lock()
	for _, off := range opened {
		assert.GreaterOrEqual(t, off, k)
	}
	mu.Unlock()
	for _, start := range proxy.chunkStarts()[before:] {
		assert.GreaterOrEqual(t, start, k)
	}

	got, err := rcv.Data(id)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

func TestPauseAndResume(t *testing.T) {
	const size = 4 * chunker.MinChunkSize
	k := int64(chunker.MinChunkSize)
	path, data := writeSource(t, size)
	rcv := newReceiver(t)
	proxy := &rangedProxy{next: rcv, dropAt: k}
	proxy.block.Store(true)
	ts := serve(t, proxy)

	s := newTestStore(t)
	hub, c := subscribed()
	m := newTestManager(t, s, hub, testConfig(), WithRunner(testExecutor(nil)))

	id, err := m.Start(path, Options{URL: ts.URL, Resumable: true})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		rec, err := s.Get(id)
		return err == nil && rec.BytesSent == k
	}, waitTimeout, 10*time.Millisecond)

	assert.True(t, m.Pause(id))
	assert.False(t, m.Pause(id))
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, m.Wait(ctx))

	rec, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPaused, rec.Status)
	assert.Equal(t, k, rec.BytesSent)
	_, _, completions := c.snapshot(id)
	assert.Empty(t, completions)

	proxy.block.Store(false)
	assert.True(t, m.Resume(id))
	assert.False(t, m.Resume(id))
	require.True(t, c.wait(t, id).Success)

	got, err := rcv.Data(id)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

func TestPausedUploadsAreNotRecovered(t *testing.T) {
	path, _ := writeSource(t, 10)
	s := newTestStore(t)

	m1 := newTestManager(t, s, events.NewHub(), testConfig(), WithRunner(&blockingRunner{release: make(chan struct{})}))
	id, err := m1.Start(path, Options{URL: "http://127.0.0.1:1/upload"})
	require.NoError(t, err)
	require.True(t, m1.Pause(id))
	require.NoError(t, m1.Close())

	runner := &blockingRunner{release: make(chan struct{})}
	close(runner.release)
	m2 := newTestManager(t, s, events.NewHub(), testConfig(), WithRunner(runner))
	require.NoError(t, m2.Wait(context.Background()))
	assert.Empty(t, runner.startedIDs())

	rec, err := m2.Get(id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPaused, rec.Status)
}

func TestOutboxReplayedAfterRestart(t *testing.T) {
	path, _ := writeSource(t, 128)
	ts := serve(t, newReceiver(t))
	s := newTestStore(t)

	hub1 := events.NewHub()
	m1 := newTestManager(t, s, hub1, testConfig(), WithRunner(testExecutor(nil)))
	id, err := m1.Start(path, Options{URL: ts.URL})
	require.NoError(t, err)
	require.NoError(t, m1.Wait(context.Background()))
	require.NoError(t, m1.Close())

	assert.Equal(t, 1, hub1.Pending())
	pending, err := s.PendingNotifications()
	require.NoError(t, err)
	assert.Equal(t, []string{id}, pending)

	hub2, c := subscribed()
	newTestManager(t, s, hub2, testConfig(), WithRunner(testExecutor(nil)))

	ev := c.wait(t, id)
	assert.True(t, ev.Success)
	pending, err = s.PendingNotifications()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

type blockingRunner struct {
	release chan struct{}

	mu      sync.Mutex
	started []string
	current int
	peak    int
}

func (b *blockingRunner) Execute(ctx context.Context, rec store.Record, _ transfer.Hooks) (*transfer.Result, error) {
	b.mu.Lock()
	b.started = append(b.started, rec.ID)
	b.current++
	if b.current > b.peak {
		b.peak = b.current
	}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.current--
		b.mu.Unlock()
	}()

	select {
	case <-b.release:
		return &transfer.Result{StatusCode: http.StatusOK, BytesSent: rec.TotalBytes}, nil
	case <-ctx.Done():
		return nil, uploaderr.Wrap(uploaderr.KindCancelled, "test", ctx.Err())
	}
}

func (b *blockingRunner) startedIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.started...)
}

func TestConcurrencyLimitAndOrder(t *testing.T) {
	path, _ := writeSource(t, 10)
	runner := &blockingRunner{release: make(chan struct{})}
	cfg := testConfig()
	cfg.MaxConcurrent = 2

	hub, c := subscribed()
	m := newTestManager(t, newTestStore(t), hub, cfg, WithRunner(runner))

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := m.Start(path, Options{URL: "https://example.com/upload"})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	require.Eventually(t, func() bool { return len(runner.startedIDs()) == 2 }, waitTimeout, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	first := runner.startedIDs()
	require.Len(t, first, 2)
	sort.Strings(first)
	want := append([]string(nil), ids[:2]...)
	sort.Strings(want)
	assert.Equal(t, want, first)

	close(runner.release)
	for _, id := range ids {
		assert.True(t, c.wait(t, id).Success)
	}
	runner.mu.Lock()
	assert.LessOrEqual(t, runner.peak, 2)
	runner.mu.Unlock()
}

func TestStartValidation(t *testing.T) {
	path, _ := writeSource(t, 10)
	m := newTestManager(t, newTestStore(t), events.NewHub(), testConfig(), WithRunner(&blockingRunner{release: make(chan struct{})}))

	tests := []struct {
		name string
		path string
		opts Options
		want uploaderr.Kind
	}{
		{"empty path", "", Options{URL: "https://example.com"}, uploaderr.KindInvalidArgument},
		{"missing file", filepath.Join(t.TempDir(), "nope"), Options{URL: "https://example.com"}, uploaderr.KindSourceUnavailable},
		{"directory", t.TempDir(), Options{URL: "https://example.com"}, uploaderr.KindInvalidArgument},
		{"relative url", path, Options{URL: "/upload"}, uploaderr.KindInvalidArgument},
		{"ftp url", path, Options{URL: "ftp://example.com/upload"}, uploaderr.KindInvalidArgument},
		{"bad header", path, Options{URL: "https://example.com", Headers: map[string]string{"Bad Header": "x"}}, uploaderr.KindInvalidArgument},
		{"bad header value", path, Options{URL: "https://example.com", Headers: map[string]string{"X-Ok": "a\nb"}}, uploaderr.KindInvalidArgument},
		{"get method", path, Options{URL: "https://example.com", Method: "GET"}, uploaderr.KindInvalidArgument},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.Start(tc.path, tc.opts)
			require.Error(t, err)
			assert.Equal(t, tc.want, uploaderr.KindOf(err))
		})
	}

	records, err := m.List(store.Filter{})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestStartDefaultsAndFileURI(t *testing.T) {
	path, _ := writeSource(t, 10)
	m := newTestManager(t, newTestStore(t), events.NewHub(), testConfig(), WithRunner(&blockingRunner{release: make(chan struct{})}))

	id, err := m.Start("file://"+path, Options{URL: "https://example.com/upload", Method: "put"})
	require.NoError(t, err)

	rec, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, path, rec.SourcePath)
	assert.Equal(t, int64(10), rec.TotalBytes)
	assert.Equal(t, http.MethodPut, rec.Destination.Method)
	assert.Equal(t, "file", rec.Destination.FieldName)
	assert.Equal(t, "photo.jpg", rec.Destination.FileName)
	assert.Equal(t, "application/octet-stream", rec.Destination.ContentType)
	assert.False(t, rec.Destination.Resumable)
}

func TestAcknowledge(t *testing.T) {
	path, _ := writeSource(t, 10)
	runner := &blockingRunner{release: make(chan struct{})}
	hub, c := subscribed()
	m := newTestManager(t, newTestStore(t), hub, testConfig(), WithRunner(runner))

	id, err := m.Start(path, Options{URL: "https://example.com/upload"})
	require.NoError(t, err)
	assert.Equal(t, uploaderr.KindInvalidArgument, uploaderr.KindOf(m.Acknowledge(id)))

	close(runner.release)
	c.wait(t, id)
	require.NoError(t, m.Wait(context.Background()))
	require.NoError(t, m.Acknowledge(id))

	_, err = m.Get(id)
	assert.True(t, errors.Is(err, uploaderr.ErrNotFound))
}

func TestCloseReturnsRunningUploadsToPending(t *testing.T) {
	path, _ := writeSource(t, 10)
	runner := &blockingRunner{release: make(chan struct{})}
	s := newTestStore(t)
	hub, c := subscribed()
	m := newTestManager(t, s, hub, testConfig(), WithRunner(runner))

	id, err := m.Start(path, Options{URL: "https://example.com/upload"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(runner.startedIDs()) == 1 }, waitTimeout, 5*time.Millisecond)

	require.NoError(t, m.Close())
	rec, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, rec.Status)
	_, _, completions := c.snapshot(id)
	assert.Empty(t, completions)

	_, err = m.Start(path, Options{URL: "https://example.com/upload"})
	assert.Error(t, err)
}

// flakyRunner fails the first execution with err and succeeds afterwards.
type flakyRunner struct {
	err   error
	calls atomic.Int32
}

func (f *flakyRunner) Execute(_ context.Context, rec store.Record, hooks transfer.Hooks) (*transfer.Result, error) {
	if f.calls.Add(1) == 1 {
		return nil, f.err
	}
	hooks.OnProgress(rec.TotalBytes, rec.TotalBytes)
	return &transfer.Result{StatusCode: http.StatusOK, Body: "ok", BytesSent: rec.TotalBytes}, nil
}

func TestConflictingAcknowledgementIsRetried(t *testing.T) {
	path, _ := writeSource(t, 64)
	hub, c := subscribed()
	s := newTestStore(t)

	conflict := ackError(uploaderr.New(uploaderr.KindConflictingWrite, "store.update", "record moved"))
	runner := &flakyRunner{err: conflict}
	m := newTestManager(t, s, hub, testConfig(), WithRunner(runner))

	id, err := m.Start(path, Options{URL: "http://127.0.0.1:1/upload"})
	require.NoError(t, err)

	ev := c.wait(t, id)
	assert.True(t, ev.Success)
	assert.Equal(t, int32(2), runner.calls.Load())

	rec, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSucceeded, rec.Status)
	assert.Equal(t, 1, rec.Attempt)
}

func TestAckErrorKinds(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want uploaderr.Kind
	}{
		{"not active", errNotActive, uploaderr.KindCancelled},
		{"terminal", store.ErrTerminal, uploaderr.KindCancelled},
		{"conflict", uploaderr.New(uploaderr.KindConflictingWrite, "store.update", "stale"), uploaderr.KindConflictingWrite},
		{"invariant", uploaderr.New(uploaderr.KindInvalidArgument, "store.update", "bad offset"), uploaderr.KindUnknown},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, uploaderr.KindOf(ackError(tc.err)))
		})
	}
	assert.NoError(t, ackError(nil))
}

func TestBackoff(t *testing.T) {
	cfg := Config{MaxAttempts: 5, RetryBaseDelay: 100 * time.Millisecond, RetryMaxDelay: 500 * time.Millisecond}
	assert.Equal(t, 100*time.Millisecond, cfg.backoff(0))
	assert.Equal(t, 200*time.Millisecond, cfg.backoff(1))
	assert.Equal(t, 400*time.Millisecond, cfg.backoff(2))
	assert.Equal(t, 500*time.Millisecond, cfg.backoff(3))
	assert.Equal(t, 500*time.Millisecond, cfg.backoff(10))

	cfg.RetryJitter = 50 * time.Millisecond
	for i := 0; i < 20; i++ {
		d := cfg.backoff(1)
		assert.GreaterOrEqual(t, d, 150*time.Millisecond)
		assert.LessOrEqual(t, d, 250*time.Millisecond)
	}
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.MaxAttempts = 0
	assert.Equal(t, uploaderr.KindInvalidArgument, uploaderr.KindOf(bad.Validate()))

	bad = DefaultConfig()
	bad.RetryMaxDelay = time.Millisecond
	assert.Error(t, bad.Validate())
}
