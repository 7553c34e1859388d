package chunker

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/danielsousast/expo-background-upload/internal/uploaderr"
)

const (
	MinChunkSize     = 256 * 1024
	DefaultChunkSize = 512 * 1024
	MaxChunkSize     = 1024 * 1024
)

// Chunk is one byte range of the source file.
type Chunk struct {
	Offset int64
	Data   []byte
}

// End returns the offset just past the chunk.
func (c Chunk) End() int64 {
	return c.Offset + int64(len(c.Data))
}

// OpenFunc opens a source for reading from offset. The executor takes one so
// callers can observe or replace file access.
type OpenFunc func(path string, offset, total int64, chunkSize int) (*Reader, error)

// Reader lazily yields fixed-size chunks of a file, starting at an arbitrary
// offset and stopping after the size recorded when the upload was registered.
type Reader struct {
	file   *os.File
	path   string
	offset int64
	total  int64
	buf    []byte
}

// Open opens path for chunked reading. It fails with SourceUnavailable when the
// file cannot be opened, and with SourceTruncated when it is already smaller
// than total.
func Open(path string, offset, total int64, chunkSize int) (*Reader, error) {
	if chunkSize <= 0 {
		return nil, uploaderr.New(uploaderr.KindInvalidArgument, "chunker.open", "chunk size must be positive, got %d", chunkSize)
	}
	if offset < 0 || offset > total {
		return nil, uploaderr.New(uploaderr.KindInvalidArgument, "chunker.open", "offset %d outside [0, %d]", offset, total)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, uploaderr.Wrap(uploaderr.KindSourceUnavailable, "chunker.open", fmt.Errorf("failed to open file: %w", err))
	}

	fileInfo, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, uploaderr.Wrap(uploaderr.KindSourceUnavailable, "chunker.open", fmt.Errorf("failed to stat file: %w", err))
	}
	if fileInfo.IsDir() {
		file.Close()
		return nil, uploaderr.New(uploaderr.KindSourceUnavailable, "chunker.open", "%s is a directory", path)
	}
	if fileInfo.Size() < total {
		file.Close()
		return nil, uploaderr.New(uploaderr.KindSourceTruncated, "chunker.open", "file is %d bytes, expected %d", fileInfo.Size(), total)
	}

	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		file.Close()
		return nil, uploaderr.Wrap(uploaderr.KindSourceUnavailable, "chunker.open", fmt.Errorf("seek to %d: %w", offset, err))
	}

	return &Reader{
		file:   file,
		path:   path,
		offset: offset,
		total:  total,
		buf:    make([]byte, chunkSize),
	}, nil
}

// Next returns the next chunk, or io.EOF once total bytes were read.
// The returned Data is only valid until the following call.
func (r *Reader) Next() (Chunk, error) {
	remaining := r.total - r.offset
	if remaining <= 0 {
		return Chunk{}, io.EOF
	}

	buf := r.buf
	if int64(len(buf)) > remaining {
		buf = buf[:remaining]
	}

	n, err := io.ReadFull(r.file, buf)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Chunk{}, uploaderr.New(uploaderr.KindSourceTruncated, "chunker.next", "file ended at %d, expected %d bytes", r.offset+int64(n), r.total)
		}
		return Chunk{}, uploaderr.Wrap(uploaderr.KindSourceUnavailable, "chunker.next", fmt.Errorf("failed to read chunk: %w", err))
	}

	chunk := Chunk{Offset: r.offset, Data: buf[:n]}
	r.offset += int64(n)
	return chunk, nil
}

// Offset is the position of the next chunk.
func (r *Reader) Offset() int64 {
	return r.offset
}

// Remaining is the number of bytes not yet returned.
func (r *Reader) Remaining() int64 {
	return r.total - r.offset
}

func (r *Reader) Close() error {
	return r.file.Close()
}

// DetermineChunkSize picks a chunk size for a file of the given size, tiered
// like the storage chunker but clamped to the upload range.
func DetermineChunkSize(fileSize int64) int {
	switch {
	case fileSize <= 1*1024*1024:
		return MinChunkSize
	case fileSize <= 10*1024*1024:
		return DefaultChunkSize
	default:
		return MaxChunkSize
	}
}
