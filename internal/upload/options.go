package upload

import (
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/danielsousast/expo-background-upload/internal/store"
	"github.com/danielsousast/expo-background-upload/internal/uploaderr"
)

const (
	defaultFieldName   = "file"
	defaultFileName    = "upload"
	defaultContentType = "application/octet-stream"
)

// Options describe where and how a file is sent.
type Options struct {
	URL     string
	Method  string
	Headers map[string]string
	// FieldName is the multipart form field, "file" by default.
	FieldName string
	// FileName defaults to the base name of the source.
	FileName    string
	ContentType string
	// Resumable selects the ranged protocol, which continues from the offset
	// the destination reports instead of restarting.
	Resumable bool
}

// resolveSource turns a path or file:// URI into an absolute regular file
// path and returns its size.
func resolveSource(sourcePath string) (string, int64, error) {
	const op = "upload.start"
	if strings.TrimSpace(sourcePath) == "" {
		return "", 0, uploaderr.New(uploaderr.KindInvalidArgument, op, "source path is empty")
	}

	path := sourcePath
	if strings.HasPrefix(path, "file://") {
		u, err := url.Parse(path)
		if err != nil {
			return "", 0, uploaderr.Wrap(uploaderr.KindInvalidArgument, op, err)
		}
		path = u.Path
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", 0, uploaderr.Wrap(uploaderr.KindInvalidArgument, op, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return "", 0, uploaderr.Wrap(uploaderr.KindSourceUnavailable, op, err)
	}
	if info.IsDir() {
		return "", 0, uploaderr.New(uploaderr.KindInvalidArgument, op, "%s is a directory", abs)
	}
	return abs, info.Size(), nil
}

func (o Options) destination(sourcePath string) (store.Destination, error) {
	const op = "upload.start"

	u, err := url.Parse(o.URL)
	if err != nil {
		return store.Destination{}, uploaderr.Wrap(uploaderr.KindInvalidArgument, op, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return store.Destination{}, uploaderr.New(uploaderr.KindInvalidArgument, op, "url %q must be absolute http(s)", o.URL)
	}

	method := strings.ToUpper(o.Method)
	switch method {
	case "":
		method = http.MethodPost
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return store.Destination{}, uploaderr.New(uploaderr.KindInvalidArgument, op, "method %s cannot carry an upload", o.Method)
	}

	headers := make(map[string]string, len(o.Headers))
	for k, v := range o.Headers {
		if !httpguts.ValidHeaderFieldName(k) {
			return store.Destination{}, uploaderr.New(uploaderr.KindInvalidArgument, op, "invalid header name %q", k)
		}
		if !httpguts.ValidHeaderFieldValue(v) {
			return store.Destination{}, uploaderr.New(uploaderr.KindInvalidArgument, op, "invalid value for header %s", k)
		}
		headers[k] = v
	}

	d := store.Destination{
		URL:         u.String(),
		Method:      method,
		Headers:     headers,
		FieldName:   o.FieldName,
		FileName:    o.FileName,
		ContentType: o.ContentType,
		Resumable:   o.Resumable,
	}
	if d.FieldName == "" {
		d.FieldName = defaultFieldName
	}
	if d.FileName == "" {
		d.FileName = filepath.Base(sourcePath)
		if d.FileName == "." || d.FileName == string(filepath.Separator) {
			d.FileName = defaultFileName
		}
	}
	if d.ContentType == "" {
		d.ContentType = defaultContentType
	}
	return d, nil
}
