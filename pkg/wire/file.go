package wire

import (
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/sidkik/sup/pkg/errors"
)

// WriteFile streams r as a sequence of chunk blocks followed by an empty
// block. If compress is set, the bytes are gzipped in-stream.
//
// An error reading r still terminates the payload cleanly, so the channel
// stays usable and the caller can report the failure in its trailer. Callers
// should check Err to tell the two cases apart.
func (ch *Channel) WriteFile(r io.Reader, compress bool) (int64, error) {
	cw := &chunkWriter{ch: ch, buf: make([]byte, 0, ChunkSize)}

	var dst io.Writer = cw
	var zw *gzip.Writer
	if compress {
		zw = gzip.NewWriter(cw)
		dst = zw
	}

	n, copyErr := io.Copy(dst, r)
	if zw != nil {
		if err := zw.Close(); err != nil && copyErr == nil {
			copyErr = err
		}
	}

	if err := cw.flush(); err != nil {
		return n, err
	}

	if err := ch.WriteBlock([]byte{}); err != nil {
		return n, err
	}

	if ch.err != nil {
		return n, ch.err
	}
	return n, errors.WithContext(copyErr, "read source")
}

// ReadFile reads a payload written by WriteFile into w. If w fails, the rest
// of the payload is still consumed so the channel stays in step with the
// peer.
func (ch *Channel) ReadFile(w io.Writer, compress bool) (int64, error) {
	br := &blockReader{ch: ch}

	var src io.Reader = br
	if compress {
		zr, err := gzip.NewReader(br)
		if err != nil {
			if derr := br.drain(); derr != nil {
				return 0, derr
			}
			return 0, errors.WithContext(err, "decompress")
		}
		defer zr.Close()
		src = zr
	}

	n, copyErr := io.Copy(w, src)
	if err := br.drain(); err != nil {
		return n, err
	}

	if ch.err != nil {
		return n, ch.err
	}
	return n, errors.WithContext(copyErr, "copy payload")
}

type chunkWriter struct {
	ch  *Channel
	buf []byte
}

func (cw *chunkWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		n := copy(cw.buf[len(cw.buf):cap(cw.buf)], p)
		cw.buf = cw.buf[:len(cw.buf)+n]
		p = p[n:]
		written += n

		if len(cw.buf) == cap(cw.buf) {
			if err := cw.flush(); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

func (cw *chunkWriter) flush() error {
	if len(cw.buf) == 0 {
		return nil
	}

	err := cw.ch.WriteBlock(cw.buf)
	cw.buf = cw.buf[:0]
	return err
}

type blockReader struct {
	ch      *Channel
	pending []byte
	done    bool
}

func (br *blockReader) Read(p []byte) (int, error) {
	for len(br.pending) == 0 {
		if br.done {
			return 0, io.EOF
		}

		if err := br.next(); err != nil {
			return 0, err
		}
	}

	n := copy(p, br.pending)
	br.pending = br.pending[n:]
	return n, nil
}

func (br *blockReader) next() error {
	b, err := br.ch.ReadBlock()
	if err != nil {
		return err
	}

	switch {
	case b == nil:
		return br.ch.fail(FramingError{Msg: "null block in file payload"})
	case len(b) == 0:
		br.done = true
	default:
		br.pending = b
	}
	return nil
}

// drain discards the rest of the payload.
func (br *blockReader) drain() error {
	br.pending = nil
	for !br.done {
		if err := br.next(); err != nil {
			return err
		}
		br.pending = nil
	}
	return nil
}
