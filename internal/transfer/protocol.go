package transfer

import (
	"bytes"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/danielsousast/expo-background-upload/internal/store"
)

// Headers of the ranged upload protocol. The destination reports the offset
// it has durably accepted in Upload-Offset.
const (
	HeaderUploadID     = "Upload-Id"
	HeaderUploadOffset = "Upload-Offset"
	HeaderUploadLength = "Upload-Length"
	HeaderContentRange = "Content-Range"
)

// StatusResumeIncomplete acknowledges an intermediate chunk.
const StatusResumeIncomplete = http.StatusPermanentRedirect

const maxResponseBody = 1 << 20

// ContentRange formats the Content-Range of a chunk [start, end) of total.
func ContentRange(start, end, total int64) string {
	if end <= start {
		return fmt.Sprintf("bytes */%d", total)
	}
	return fmt.Sprintf("bytes %d-%d/%d", start, end-1, total)
}

// ParseOffset reads Upload-Offset from h. ok is false when the header is
// absent or malformed.
func ParseOffset(h http.Header) (int64, bool) {
	raw := strings.TrimSpace(h.Get(HeaderUploadOffset))
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}

func applyHeaders(req *http.Request, headers map[string]string) {
	for k, v := range headers {
		req.Header.Set(k, v)
	}
}

func setRangeHeaders(h http.Header, rec store.Record, offset int64) {
	h.Set(HeaderUploadID, rec.ID)
	h.Set(HeaderUploadOffset, strconv.FormatInt(offset, 10))
	h.Set(HeaderUploadLength, strconv.FormatInt(rec.TotalBytes, 10))
}

// multipartFrame is the bytes surrounding the file content of a
// single-field multipart/form-data body.
type multipartFrame struct {
	prefix      []byte
	suffix      []byte
	contentType string
}

func newMultipartFrame(dest store.Destination) (multipartFrame, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		escapeQuotes(dest.FieldName), escapeQuotes(dest.FileName)))
	h.Set("Content-Type", dest.ContentType)
	if _, err := w.CreatePart(h); err != nil {
		return multipartFrame{}, fmt.Errorf("create multipart part: %w", err)
	}
	prefix := append([]byte(nil), buf.Bytes()...)

	buf.Reset()
	if err := w.Close(); err != nil {
		return multipartFrame{}, fmt.Errorf("close multipart writer: %w", err)
	}

	return multipartFrame{
		prefix:      prefix,
		suffix:      append([]byte(nil), buf.Bytes()...),
		contentType: w.FormDataContentType(),
	}, nil
}

// length is the full body size for a file of n bytes.
func (f multipartFrame) length(n int64) int64 {
	return int64(len(f.prefix)) + n + int64(len(f.suffix))
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
