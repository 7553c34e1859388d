// Package receiver is an HTTP destination for uploads. It accepts single
// multipart/form-data requests and the ranged protocol spoken by the
// transfer executor, and keeps the received files in memory or on disk.
package receiver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/danielsousast/expo-background-upload/internal/transfer"
	"github.com/danielsousast/expo-background-upload/pkg/logging"
)

// Upload describes one received file.
type Upload struct {
	ID          string    `json:"id"`
	FieldName   string    `json:"field_name,omitempty"`
	FileName    string    `json:"file_name,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	Size        int64     `json:"size"`
	TotalSize   int64     `json:"total_size"`
	Complete    bool      `json:"complete"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

type entry struct {
	Upload
	data []byte
	path string
}

// Server receives uploads.
type Server struct {
	mu      sync.Mutex
	uploads map[string]*entry
	dir     string
	log     logrus.FieldLogger
}

// Option configures a Server.
type Option func(*Server)

// WithDir stores received files under dir instead of memory.
func WithDir(dir string) Option {
	return func(s *Server) { s.dir = dir }
}

// WithLogger sets the request logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Server) { s.log = l }
}

// NewServer creates a receiver.
func NewServer(opts ...Option) (*Server, error) {
	s := &Server{
		uploads: make(map[string]*entry),
		log:     logging.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.dir != "" {
		if err := os.MkdirAll(s.dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create upload directory: %w", err)
		}
	}
	return s, nil
}

// ServeHTTP routes HEAD to the offset probe, requests carrying Upload-Id to
// the chunk handler and everything else to the multipart handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodHead:
		s.handleProbe(w, r)
	case r.Header.Get(transfer.HeaderUploadID) != "":
		s.handleChunk(w, r)
	case r.Method == http.MethodPost || r.Method == http.MethodPut:
		s.handleMultipart(w, r)
	default:
		WriteErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// Get returns the upload with id.
func (s *Server) Get(id string) (Upload, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.uploads[id]
	if !ok {
		return Upload{}, false
	}
	return e.Upload, true
}

// Uploads returns every known upload.
func (s *Server) Uploads() []Upload {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Upload, 0, len(s.uploads))
	for _, e := range s.uploads {
		out = append(out, e.Upload)
	}
	return out
}

// Data returns the bytes received so far for id.
func (s *Server) Data(id string) ([]byte, error) {
	s.mu.Lock()
	e, ok := s.uploads[id]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("upload %s not found", id)
	}
	if e.path != "" {
		return os.ReadFile(e.path)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), e.data...), nil
}

// handleProbe answers HEAD with the current offset of Upload-Id.
func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(transfer.HeaderUploadID)
	s.mu.Lock()
	e, ok := s.uploads[id]
	var size, total int64
	if ok {
		size, total = e.Size, e.TotalSize
	}
	s.mu.Unlock()

	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set(transfer.HeaderUploadOffset, strconv.FormatInt(size, 10))
	w.Header().Set(transfer.HeaderUploadLength, strconv.FormatInt(total, 10))
	w.WriteHeader(http.StatusOK)
}

// handleChunk appends one ranged chunk.
func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(transfer.HeaderUploadID)
	start, end, total, err := ParseContentRange(r.Header.Get(transfer.HeaderContentRange))
	if err != nil {
		WriteErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.uploads[id]
	if !ok {
		e = &entry{Upload: Upload{ID: id, TotalSize: total, ContentType: r.Header.Get("Content-Type")}}
		if s.dir != "" {
			e.path = filepath.Join(s.dir, safeName(id))
			if err := os.WriteFile(e.path, nil, 0644); err != nil {
				WriteErrorResponse(w, http.StatusInternalServerError, "Failed to create upload")
				return
			}
		}
		s.uploads[id] = e
	}

	if total != e.TotalSize {
		WriteErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("total %d does not match %d", total, e.TotalSize))
		return
	}
	if start != e.Size {
		w.Header().Set(transfer.HeaderUploadOffset, strconv.FormatInt(e.Size, 10))
		WriteErrorResponse(w, http.StatusConflict, fmt.Sprintf("expected offset %d, got %d", e.Size, start))
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, end-start+1))
	if err != nil {
		s.log.WithError(err).WithField("upload_id", id).Warn("chunk body interrupted")
		WriteErrorResponse(w, http.StatusBadRequest, "Failed to read chunk data")
		return
	}
	if int64(len(data)) != end-start {
		WriteErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("chunk has %d bytes, range says %d", len(data), end-start))
		return
	}
	if err := e.write(data); err != nil {
		WriteErrorResponse(w, http.StatusInternalServerError, "Failed to store chunk")
		return
	}
	e.Size = end
	e.UpdatedAt = time.Now()

	w.Header().Set(transfer.HeaderUploadOffset, strconv.FormatInt(e.Size, 10))
	if e.Size < e.TotalSize {
		w.WriteHeader(transfer.StatusResumeIncomplete)
		return
	}
	if !e.Complete {
		e.Complete = true
		s.log.WithFields(logrus.Fields{"upload_id": id, "size": e.Size}).Info("upload received")
	}
	WriteJSONResponse(w, http.StatusOK, e.Upload)
}

// handleMultipart stores the first file part of a multipart/form-data body.
func (s *Server) handleMultipart(w http.ResponseWriter, r *http.Request) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" {
		WriteErrorResponse(w, http.StatusUnsupportedMediaType, "Expected multipart/form-data")
		return
	}
	mr, err := r.MultipartReader()
	if err != nil {
		WriteErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			WriteErrorResponse(w, http.StatusBadRequest, "No file part in request")
			return
		}
		if err != nil {
			WriteErrorResponse(w, http.StatusBadRequest, "Malformed multipart body")
			return
		}
		if part.FileName() == "" {
			part.Close()
			continue
		}

		e := &entry{Upload: Upload{
			ID:          uuid.New().String(),
			FieldName:   part.FormName(),
			FileName:    part.FileName(),
			ContentType: part.Header.Get("Content-Type"),
		}}
		n, err := s.storePart(e, part)
		part.Close()
		if err != nil {
			s.log.WithError(err).Warn("multipart upload interrupted")
			WriteErrorResponse(w, http.StatusBadRequest, "Failed to read file part")
			return
		}
		e.Size, e.TotalSize, e.Complete = n, n, true
		e.UpdatedAt = time.Now()

		s.mu.Lock()
		s.uploads[e.ID] = e
		s.mu.Unlock()

		s.log.WithFields(logrus.Fields{"upload_id": e.ID, "file": e.FileName, "size": n}).Info("upload received")
		WriteJSONResponse(w, http.StatusOK, e.Upload)
		return
	}
}

func (s *Server) storePart(e *entry, part io.Reader) (int64, error) {
	if s.dir == "" {
		data, err := io.ReadAll(part)
		e.data = data
		return int64(len(data)), err
	}
	e.path = filepath.Join(s.dir, safeName(e.ID))
	f, err := os.Create(e.path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return io.Copy(f, part)
}

func (e *entry) write(data []byte) error {
	if e.path == "" {
		e.data = append(e.data, data...)
		return nil
	}
	f, err := os.OpenFile(e.path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ParseContentRange parses "bytes a-b/total" into the half-open range
// [a, b+1). "bytes */total" is an empty range at total.
func ParseContentRange(v string) (start, end, total int64, err error) {
	spec, ok := strings.CutPrefix(strings.TrimSpace(v), "bytes ")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range %q", v)
	}
	rng, size, ok := strings.Cut(spec, "/")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range %q", v)
	}
	if total, err = strconv.ParseInt(size, 10, 64); err != nil || total < 0 {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range total %q", size)
	}
	if rng == "*" {
		return total, total, total, nil
	}
	first, last, ok := strings.Cut(rng, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range %q", v)
	}
	if start, err = strconv.ParseInt(first, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range start %q", first)
	}
	lastByte, err := strconv.ParseInt(last, 10, 64)
	if err != nil || lastByte < start || lastByte >= total {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range end %q", last)
	}
	return start, lastByte + 1, total, nil
}

func safeName(id string) string {
	return strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(id)
}

// WriteJSONResponse writes data as JSON with statusCode.
func WriteJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		}
	}
}

// WriteErrorResponse writes an ErrorResponse.
func WriteErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string) {
	response := ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: errorMsg,
		Code:    statusCode,
	}
	WriteJSONResponse(w, statusCode, response)
}
