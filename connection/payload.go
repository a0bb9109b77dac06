package connection

import (
	"bytes"
	"errors"
	"io"
	"os"
	"sync"
)

// DefaultSpoolThreshold is the largest payload kept in memory. Larger uploads and
// downloads are copied to a temporary file.
const DefaultSpoolThreshold = 4 << 20

// payload is the body of an upload or download frame after it has been copied
// off the stream. The read loop fills it completely before moving on, so a slow
// consumer never holds up unrelated frames.
type payload struct {
	mu     sync.Mutex
	r      io.Reader
	file   *os.File
	size   int64
	closed bool
}

// spool copies n bytes of r. Payloads up to threshold stay in memory; larger
// ones go to a temporary file in dir that is removed on Close.
func spool(r io.Reader, n, threshold int64, dir string) (*payload, error) {
	if n <= threshold {
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		return &payload{r: bytes.NewReader(buf), size: n}, nil
	}

	f, err := os.CreateTemp(dir, "duplex-rpc-payload-*")
	if err != nil {
		return nil, err
	}
	p := &payload{r: f, file: f, size: n}
	if _, err := io.CopyN(f, r, n); err != nil {
		p.Close()
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (p *payload) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, ErrStreamClosed
	}
	return p.r.Read(b)
}

// Size is the declared length of the payload.
func (p *payload) Size() int64 { return p.size }

// Close releases the payload and removes its spool file, if any.
func (p *payload) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.file == nil {
		return nil
	}
	return errors.Join(p.file.Close(), os.Remove(p.file.Name()))
}
