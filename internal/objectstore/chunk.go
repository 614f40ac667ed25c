package objectstore

import (
	"errors"
	"io"
)

// DefaultChunkSize matches the GridFS default of 255 KiB.
const DefaultChunkSize = 255 * 1024

var errStreamClosed = errors.New("write stream already closed")

// chunkWriter cuts a byte stream into fixed-size chunks and hands each full
// chunk to flush before accepting more input. flush runs synchronously, so a
// slow store slows the writer down instead of letting chunks pile up.
type chunkWriter struct {
	size   int
	buf    []byte
	n      int // index of the next chunk
	total  int64
	flush  func(n int, data []byte) error
	closed bool
	err    error
}

func newChunkWriter(size int, flush func(n int, data []byte) error) *chunkWriter {
	if size <= 0 {
		size = DefaultChunkSize
	}
	return &chunkWriter{size: size, buf: make([]byte, 0, size), flush: flush}
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, errStreamClosed
	}
	if w.err != nil {
		return 0, w.err
	}
	written := 0
	for len(p) > 0 {
		room := w.size - len(w.buf)
		take := min(room, len(p))
		w.buf = append(w.buf, p[:take]...)
		p = p[take:]
		written += take
		if len(w.buf) == w.size {
			if err := w.emit(); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

// finish flushes the trailing partial chunk. An empty blob has no chunks.
func (w *chunkWriter) finish() error {
	if w.closed {
		return errStreamClosed
	}
	w.closed = true
	if w.err != nil {
		return w.err
	}
	if len(w.buf) > 0 {
		return w.emit()
	}
	return nil
}

func (w *chunkWriter) emit() error {
	data := make([]byte, len(w.buf))
	copy(data, w.buf)
	if err := w.flush(w.n, data); err != nil {
		w.err = err
		return err
	}
	w.n++
	w.total += int64(len(data))
	w.buf = w.buf[:0]
	return nil
}

// chunkReader serves a blob one chunk at a time. fetch is called lazily for
// chunk n only once the previous chunk has been consumed.
type chunkReader struct {
	count  int
	next   int
	cur    []byte
	fetch  func(n int) ([]byte, error)
	closed bool
}

func newChunkReader(count int, fetch func(n int) ([]byte, error)) *chunkReader {
	return &chunkReader{count: count, fetch: fetch}
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, errors.New("read stream closed")
	}
	for len(r.cur) == 0 {
		if r.next >= r.count {
			return 0, io.EOF
		}
		data, err := r.fetch(r.next)
		if err != nil {
			return 0, err
		}
		r.next++
		r.cur = data
	}
	n := copy(p, r.cur)
	r.cur = r.cur[n:]
	return n, nil
}

func (r *chunkReader) Close() error {
	r.closed = true
	r.cur = nil
	return nil
}

func chunkCount(length int64, chunkSize int) int {
	if length <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((length + int64(chunkSize) - 1) / int64(chunkSize))
}
