package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/danielsousast/expo-background-upload/internal/chunker"
	"github.com/danielsousast/expo-background-upload/internal/store"
	"github.com/danielsousast/expo-background-upload/internal/uploaderr"
	"github.com/danielsousast/expo-background-upload/pkg/logging"
)

// DefaultProgressInterval bounds how often progress is reported.
const DefaultProgressInterval = 100 * time.Millisecond

// Options configure an Executor. Zero values select defaults.
type Options struct {
	// HTTPClient sends the upload requests.
	HTTPClient *http.Client
	// ProbeClient asks the destination for its offset. It is built on top
	// of HTTPClient when nil.
	ProbeClient *retryablehttp.Client
	// ProbeRetries is the retry budget of the default probe client.
	ProbeRetries int
	// Open gives access to the source file.
	Open chunker.OpenFunc
	// ChunkSize in bytes; zero picks one from the file size.
	ChunkSize int
	// ProgressInterval is the minimum delay between progress reports.
	ProgressInterval time.Duration
	// StallTimeout aborts a request whose body stopped being consumed.
	// Negative disables the watchdog.
	StallTimeout time.Duration
	Logger       logrus.FieldLogger
}

// Executor performs the HTTP transfer of one record at a time. It is safe
// for concurrent use; every Execute call carries its own state.
type Executor struct {
	client   *http.Client
	probe    *retryablehttp.Client
	open     chunker.OpenFunc
	chunk    int
	interval time.Duration
	stall    time.Duration
	log      logrus.FieldLogger
}

// NewExecutor creates an executor from opts.
func NewExecutor(opts Options) *Executor {
	e := &Executor{
		client:   opts.HTTPClient,
		probe:    opts.ProbeClient,
		open:     opts.Open,
		chunk:    opts.ChunkSize,
		interval: opts.ProgressInterval,
		stall:    opts.StallTimeout,
		log:      opts.Logger,
	}
	if e.log == nil {
		e.log = logging.Discard()
	}
	if e.client == nil {
		e.client = DefaultHTTPClient(DefaultTimeouts())
	}
	if e.probe == nil {
		e.probe = newProbeClient(e.client, opts.ProbeRetries, e.log)
	}
	if e.open == nil {
		e.open = chunker.Open
	}
	if e.interval <= 0 {
		e.interval = DefaultProgressInterval
	}
	if e.stall == 0 {
		e.stall = DefaultTimeouts().Write
	}
	return e
}

func newProbeClient(httpClient *http.Client, retries int, log logrus.FieldLogger) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.HTTPClient = httpClient
	c.RetryMax = retries
	c.RetryWaitMin = 200 * time.Millisecond
	c.RetryWaitMax = 2 * time.Second
	c.Logger = logging.Retryable(log)
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return c
}

// Execute uploads rec from its acknowledged offset. On success the returned
// Result carries the final response of the destination. Errors are always
// classified with uploaderr; a cancelled ctx yields KindCancelled.
func (e *Executor) Execute(ctx context.Context, rec store.Record, hooks Hooks) (*Result, error) {
	if hooks == nil {
		hooks = HookFuncs{}
	}
	r := &run{
		e:        e,
		rec:      rec,
		hooks:    hooks,
		state:    StateIdle,
		throttle: newThrottle(e.interval),
		log:      e.log.WithField("upload_id", rec.ID),
	}

	var (
		res *Result
		err error
	)
	if rec.Destination.Resumable {
		res, err = r.ranged(ctx)
	} else {
		res, err = r.multipart(ctx)
	}
	if err != nil {
		if ctx.Err() != nil {
			err = cancelled(ctx)
		}
		if uploaderr.KindOf(err) == uploaderr.KindUnknown {
			err = uploaderr.Wrap(uploaderr.KindUnknown, "transfer.execute", err)
		}
		if uploaderr.KindOf(err) == uploaderr.KindCancelled {
			r.transition(StateCancelled)
		} else {
			r.transition(StateFailed)
		}
		r.log.WithError(err).Debug("transfer ended")
		return nil, err
	}

	r.advance(StateConfirming)
	r.transition(StateCompleted)
	r.log.WithField("status", res.StatusCode).Debug("transfer completed")
	return res, nil
}

func cancelled(ctx context.Context) error {
	return uploaderr.Wrap(uploaderr.KindCancelled, "transfer.execute", context.Cause(ctx))
}

// run is the state of a single Execute call.
type run struct {
	e        *Executor
	rec      store.Record
	hooks    Hooks
	throttle *throttle
	log      logrus.FieldLogger

	mu    sync.Mutex
	state State
}

var forward = map[State]State{
	StateIdle:       StateConnecting,
	StateConnecting: StateStreaming,
	StateStreaming:  StateConfirming,
}

func (r *run) transition(to State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	from := r.state
	if !from.CanTransition(to) {
		return false
	}
	r.state = to
	r.hooks.OnState(from, to)
	return true
}

// advance walks the non-terminal states up to to. It never moves backwards.
func (r *run) advance(to State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for r.state != to {
		next, ok := forward[r.state]
		if !ok {
			return
		}
		r.hooks.OnState(r.state, next)
		r.state = next
	}
}

func (r *run) chunkSize() int {
	if r.e.chunk > 0 {
		return r.e.chunk
	}
	return chunker.DetermineChunkSize(r.rec.TotalBytes)
}

func (r *run) progress(sent int64) {
	if r.throttle.allow(sent >= r.rec.TotalBytes) {
		r.hooks.OnProgress(sent, r.rec.TotalBytes)
	}
}

func (r *run) traced(ctx context.Context) context.Context {
	return httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
		GotConn: func(httptrace.GotConnInfo) { r.advance(StateStreaming) },
	})
}

// multipart sends the whole file as one multipart/form-data request.
func (r *run) multipart(ctx context.Context) (*Result, error) {
	frame, err := newMultipartFrame(r.rec.Destination)
	if err != nil {
		return nil, uploaderr.Wrap(uploaderr.KindInvalidArgument, "transfer.multipart", err)
	}

	src, err := r.e.open(r.rec.SourcePath, 0, r.rec.TotalBytes, r.chunkSize())
	if err != nil {
		return nil, err
	}
	defer src.Close()

	if ctx.Err() != nil {
		return nil, cancelled(ctx)
	}

	reqCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	body := &chunkBody{
		ctx:     ctx,
		prefix:  frame.prefix,
		suffix:  frame.suffix,
		src:     src,
		onChunk: r.progress,
		onEOF:   func() { r.advance(StateConfirming) },
	}
	guard := newStallGuard(body, r.e.stall, cancel)
	defer guard.stop()

	r.advance(StateConnecting)
	req, err := http.NewRequestWithContext(r.traced(reqCtx), r.rec.Destination.Method, r.rec.Destination.URL, guard)
	if err != nil {
		return nil, uploaderr.Wrap(uploaderr.KindInvalidArgument, "transfer.multipart", err)
	}
	applyHeaders(req, r.rec.Destination.Headers)
	req.Header.Set("Content-Type", frame.contentType)
	req.ContentLength = frame.length(r.rec.TotalBytes)

	resp, err := r.e.client.Do(req)
	if err != nil {
		return nil, r.transportError(ctx, reqCtx, "transfer.multipart", err, body.failure())
	}
	defer resp.Body.Close()

	r.advance(StateConfirming)
	respBody, err := readBody(resp)
	if err != nil {
		return nil, r.transportError(ctx, reqCtx, "transfer.multipart", err, nil)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, uploaderr.Rejected("transfer.multipart", resp.StatusCode, respBody)
	}
	return &Result{StatusCode: resp.StatusCode, Body: respBody, BytesSent: r.rec.TotalBytes}, nil
}

// ranged sends the file chunk by chunk from the offset the destination
// reports, acknowledging each chunk before the next is read.
func (r *run) ranged(ctx context.Context) (*Result, error) {
	total := r.rec.TotalBytes

	r.advance(StateConnecting)
	offset, err := r.probeOffset(ctx)
	if err != nil {
		return nil, err
	}
	if offset > total {
		return nil, uploaderr.New(uploaderr.KindRemoteRejected, "transfer.probe", "destination reports offset %d beyond %d bytes", offset, total)
	}
	if offset != r.rec.BytesSent {
		r.log.WithFields(logrus.Fields{"local": r.rec.BytesSent, "remote": offset}).Info("resuming from remote offset")
	}
	if offset == total {
		return r.finalize(ctx)
	}
	if offset != r.rec.BytesSent {
		if err := r.hooks.OnAcknowledged(ctx, offset); err != nil {
			return nil, err
		}
	}
	if offset > 0 {
		r.progress(offset)
	}

	src, err := r.e.open(r.rec.SourcePath, offset, total, r.chunkSize())
	if err != nil {
		return nil, err
	}
	defer func() { src.Close() }()

	for {
		if ctx.Err() != nil {
			return nil, cancelled(ctx)
		}
		c, err := src.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return r.finalize(ctx)
			}
			return nil, err
		}

		reply, err := r.send(ctx, c.Offset, c.Data)
		if err != nil {
			return nil, err
		}
		if reply.done {
			r.progress(total)
			return reply.result, nil
		}

		ack := reply.offset
		if ack > c.End() {
			ack = c.End()
		}
		if ack <= c.Offset {
			return nil, uploaderr.New(uploaderr.KindNetwork, "transfer.chunk", "destination acknowledged %d after chunk at %d", ack, c.Offset)
		}
		if ack == total {
			return r.finalize(ctx)
		}
		if err := r.hooks.OnAcknowledged(ctx, ack); err != nil {
			return nil, err
		}
		r.progress(ack)

		if ack < c.End() {
			r.log.WithFields(logrus.Fields{"acked": ack, "sent": c.End()}).Debug("partial chunk acknowledged")
			src.Close()
			reopened, err := r.e.open(r.rec.SourcePath, ack, total, r.chunkSize())
			if err != nil {
				return nil, err
			}
			src = reopened
		}
	}
}

// finalize asks for the final response when every byte is already there.
func (r *run) finalize(ctx context.Context) (*Result, error) {
	reply, err := r.send(ctx, r.rec.TotalBytes, nil)
	if err != nil {
		return nil, err
	}
	if !reply.done {
		return nil, uploaderr.New(uploaderr.KindNetwork, "transfer.finalize", "destination has %d of %d bytes but did not complete", reply.offset, r.rec.TotalBytes)
	}
	r.progress(r.rec.TotalBytes)
	return reply.result, nil
}

type chunkReply struct {
	done   bool
	result *Result
	offset int64
}

// send transfers data located at offset in one request.
func (r *run) send(ctx context.Context, offset int64, data []byte) (chunkReply, error) {
	total := r.rec.TotalBytes
	end := offset + int64(len(data))
	final := end == total

	reqCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	guard := newStallGuard(bytes.NewReader(data), r.e.stall, cancel)
	defer guard.stop()

	req, err := http.NewRequestWithContext(r.traced(reqCtx), r.rec.Destination.Method, r.rec.Destination.URL, guard)
	if err != nil {
		return chunkReply{}, uploaderr.Wrap(uploaderr.KindInvalidArgument, "transfer.chunk", err)
	}
	applyHeaders(req, r.rec.Destination.Headers)
	setRangeHeaders(req.Header, r.rec, offset)
	req.Header.Set(HeaderContentRange, ContentRange(offset, end, total))
	req.Header.Set("Content-Type", r.rec.Destination.ContentType)
	req.ContentLength = int64(len(data))
	if len(data) == 0 {
		req.Body = http.NoBody
	}

	resp, err := r.e.client.Do(req)
	if err != nil {
		return chunkReply{}, r.transportError(ctx, reqCtx, "transfer.chunk", err, nil)
	}
	defer resp.Body.Close()

	if final {
		r.advance(StateConfirming)
	}
	body, err := readBody(resp)
	if err != nil {
		return chunkReply{}, r.transportError(ctx, reqCtx, "transfer.chunk", err, nil)
	}

	remote, hasOffset := ParseOffset(resp.Header)
	switch {
	case resp.StatusCode == http.StatusConflict:
		return chunkReply{}, &uploaderr.Error{
			Kind:       uploaderr.KindNetwork,
			Op:         "transfer.chunk",
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("offset mismatch: sent %d, destination at %d", offset, remote),
		}
	case resp.StatusCode == StatusResumeIncomplete:
		if !hasOffset {
			remote = end
		}
		return chunkReply{offset: remote}, nil
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		if final {
			return chunkReply{done: true, result: &Result{StatusCode: resp.StatusCode, Body: body, BytesSent: total}}, nil
		}
		if !hasOffset {
			remote = end
		}
		return chunkReply{offset: remote}, nil
	default:
		return chunkReply{}, uploaderr.Rejected("transfer.chunk", resp.StatusCode, body)
	}
}

// probeOffset asks the destination how much of the upload it holds.
func (r *run) probeOffset(ctx context.Context) (int64, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodHead, r.rec.Destination.URL, nil)
	if err != nil {
		return 0, uploaderr.Wrap(uploaderr.KindInvalidArgument, "transfer.probe", err)
	}
	applyHeaders(req.Request, r.rec.Destination.Headers)
	setRangeHeaders(req.Header, r.rec, r.rec.BytesSent)

	resp, err := r.e.probe.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, cancelled(ctx)
		}
		return 0, uploaderr.Wrap(uploaderr.KindNetwork, "transfer.probe", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return 0, nil
	case resp.StatusCode == http.StatusMethodNotAllowed, resp.StatusCode == http.StatusNotImplemented:
		return r.rec.BytesSent, nil
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		if off, ok := ParseOffset(resp.Header); ok {
			return off, nil
		}
		return r.rec.BytesSent, nil
	default:
		return 0, uploaderr.Rejected("transfer.probe", resp.StatusCode, "")
	}
}

// transportError classifies a failed round trip.
func (r *run) transportError(ctx, reqCtx context.Context, op string, err, bodyErr error) error {
	if ctx.Err() != nil {
		return cancelled(ctx)
	}
	if bodyErr != nil && uploaderr.KindOf(bodyErr) != uploaderr.KindUnknown {
		return bodyErr
	}
	if errors.Is(context.Cause(reqCtx), errStalled) {
		return uploaderr.Wrap(uploaderr.KindNetwork, op, fmt.Errorf("no progress for %s: %w", r.e.stall, errStalled))
	}
	return uploaderr.Wrap(uploaderr.KindNetwork, op, err)
}

func readBody(resp *http.Response) (string, error) {
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// chunkBody streams prefix, the file in chunks, then suffix. Progress for a
// chunk is reported once the transport consumed all of it.
type chunkBody struct {
	ctx     context.Context
	prefix  []byte
	suffix  []byte
	src     *chunker.Reader
	onChunk func(end int64)
	onEOF   func()

	cur     []byte
	stage   int
	pending int64

	mu  sync.Mutex
	err error
}

func (b *chunkBody) fail(err error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err = err
	return err
}

// failure returns the error that stopped the body, if any. The transport
// reads the body on its own goroutine.
func (b *chunkBody) failure() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

const (
	stagePrefix = iota
	stageFile
	stageSuffix
	stageDone
)

func (b *chunkBody) Read(p []byte) (int, error) {
	for {
		if len(b.cur) > 0 {
			n := copy(p, b.cur)
			b.cur = b.cur[n:]
			return n, nil
		}
		if b.pending > 0 {
			b.onChunk(b.pending)
			b.pending = 0
		}

		switch b.stage {
		case stagePrefix:
			b.cur = b.prefix
			b.stage = stageFile
		case stageFile:
			if err := b.ctx.Err(); err != nil {
				return 0, b.fail(err)
			}
			c, err := b.src.Next()
			if errors.Is(err, io.EOF) {
				b.stage = stageSuffix
				continue
			}
			if err != nil {
				return 0, b.fail(err)
			}
			b.cur = c.Data
			b.pending = c.End()
		case stageSuffix:
			b.cur = b.suffix
			b.stage = stageDone
		default:
			if b.onEOF != nil {
				b.onEOF()
				b.onEOF = nil
			}
			return 0, io.EOF
		}
	}
}
