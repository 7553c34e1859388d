package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"

	"github.com/docker/go-units"
	"github.com/urfave/cli/v2"

	"github.com/danielsousast/expo-background-upload/config"
	"github.com/danielsousast/expo-background-upload/internal/events"
	"github.com/danielsousast/expo-background-upload/internal/receiver"
	"github.com/danielsousast/expo-background-upload/internal/store"
	"github.com/danielsousast/expo-background-upload/internal/transfer"
	"github.com/danielsousast/expo-background-upload/internal/upload"
	"github.com/danielsousast/expo-background-upload/pkg/httpserver"
	"github.com/danielsousast/expo-background-upload/pkg/logging"
)

// engine is a running manager with what it was built from.
type engine struct {
	cfg     *config.AppConfig
	store   *store.RecordStore
	hub     *events.Hub
	manager *upload.Manager
}

func openStore(c *cli.Context) (*config.AppConfig, *store.RecordStore, error) {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return nil, nil, err
	}
	if cfg.Debug {
		logging.InitLogger(true)
	}
	s, err := store.Open(cfg.StoragePath,
		store.WithLogger(logging.Log),
		store.WithRetention(cfg.Retention),
	)
	if err != nil {
		return nil, nil, err
	}
	return cfg, s, nil
}

// startEngine opens the store and starts a manager. Stored uploads resume
// as soon as l is subscribed.
func startEngine(c *cli.Context, l events.Listener) (*engine, error) {
	cfg, s, err := openStore(c)
	if err != nil {
		return nil, err
	}

	hub := events.NewHub()
	hub.Subscribe(l)

	opts := cfg.Executor()
	opts.Logger = logging.Log
	m, err := upload.New(s, hub, cfg.Upload(),
		upload.WithLogger(logging.Log),
		upload.WithRunner(transfer.NewExecutor(opts)),
	)
	if err != nil {
		s.Close()
		return nil, err
	}
	return &engine{cfg: cfg, store: s, hub: hub, manager: m}, nil
}

func (e *engine) close() {
	if err := e.manager.Close(); err != nil {
		logging.Log.WithError(err).Warn("failed to stop uploads")
	}
	if err := e.store.Close(); err != nil {
		logging.Log.WithError(err).Warn("failed to close store")
	}
}

// printer renders events on the terminal and remembers completions so a
// command can wait for a specific upload.
type printer struct {
	tracker *transfer.ProgressTracker

	mu       sync.Mutex
	finished map[string]events.CompletionEvent
	done     map[string]chan struct{}
}

func newPrinter() *printer {
	return &printer{
		tracker:  transfer.NewProgressTracker(),
		finished: make(map[string]events.CompletionEvent),
		done:     make(map[string]chan struct{}),
	}
}

func (p *printer) UploadProgress(ev events.ProgressEvent) {
	p.tracker.Update(ev.UploadID, ev.BytesUploaded, ev.TotalBytes).Print(os.Stderr)
}

func (p *printer) UploadComplete(ev events.CompletionEvent) {
	p.tracker.Remove(ev.UploadID)
	out, _ := json.Marshal(ev)
	fmt.Println(string(out))

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, seen := p.finished[ev.UploadID]; seen {
		return
	}
	p.finished[ev.UploadID] = ev
	close(p.doneLocked(ev.UploadID))
}

// completed returns a channel closed once id finished, and the completion
// read after it is closed.
func (p *printer) completed(id string) (<-chan struct{}, func() events.CompletionEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.doneLocked(id), func() events.CompletionEvent {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.finished[id]
	}
}

func (p *printer) doneLocked(id string) chan struct{} {
	ch, ok := p.done[id]
	if !ok {
		ch = make(chan struct{})
		p.done[id] = ch
	}
	return ch
}

func signalContext(c *cli.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
}

func uploadAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("upload takes exactly one file", 2)
	}
	headers, err := parseHeaders(c.StringSlice("header"))
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}

	p := newPrinter()
	e, err := startEngine(c, p)
	if err != nil {
		return err
	}
	defer e.close()

	id, err := e.manager.Start(c.Args().First(), upload.Options{
		URL:         c.String("url"),
		Method:      c.String("method"),
		Headers:     headers,
		FieldName:   c.String("field"),
		FileName:    c.String("name"),
		ContentType: c.String("type"),
		Resumable:   c.Bool("resumable"),
	})
	if err != nil {
		return err
	}
	logging.Log.WithField("upload_id", id).Info("upload started")

	ctx, stop := signalContext(c)
	defer stop()
	done, result := p.completed(id)
	select {
	case <-done:
		if ev := result(); !ev.Success {
			return cli.Exit(fmt.Sprintf("upload %s failed: %s", id, ev.Error), 1)
		}
		return nil
	case <-ctx.Done():
		logging.Log.WithField("upload_id", id).Info("interrupted, run resume to continue")
		return nil
	}
}

func resumeAction(c *cli.Context) error {
	e, err := startEngine(c, newPrinter())
	if err != nil {
		return err
	}
	defer e.close()

	ctx, stop := signalContext(c)
	defer stop()
	if err := e.manager.Wait(ctx); err != nil {
		logging.Log.Info("interrupted, uploads stay resumable")
	}
	return nil
}

func listAction(c *cli.Context) error {
	_, s, err := openStore(c)
	if err != nil {
		return err
	}
	defer s.Close()

	var filter store.Filter
	for _, st := range c.StringSlice("status") {
		filter.Statuses = append(filter.Statuses, store.Status(st))
	}
	records, err := s.List(filter)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tSENT\tTOTAL\tATTEMPT\tSOURCE\tERROR")
	for _, r := range records {
		msg := ""
		if r.LastError != nil {
			msg = r.LastError.Message
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n", r.ID, r.Status,
			units.BytesSize(float64(r.BytesSent)), units.BytesSize(float64(r.TotalBytes)),
			r.Attempt, r.SourcePath, msg)
	}
	return w.Flush()
}

func ackAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("ack takes exactly one upload id", 2)
	}
	_, s, err := openStore(c)
	if err != nil {
		return err
	}
	defer s.Close()

	return s.DeleteFinished(c.Args().First())
}

func serveAction(c *cli.Context) error {
	rcv, err := receiver.NewServer(
		receiver.WithDir(c.String("dir")),
		receiver.WithLogger(logging.Log),
	)
	if err != nil {
		return err
	}
	ctx, stop := signalContext(c)
	defer stop()
	return httpserver.Run(ctx, c.String("addr"), rcv, logging.Log, nil)
}

func parseHeaders(raw []string) (map[string]string, error) {
	headers := make(map[string]string, len(raw))
	for _, h := range raw {
		name, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("header %q must be name:value", h)
		}
		headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	return headers, nil
}
