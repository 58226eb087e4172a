package protocol

import (
	"encoding/json"
	"errors"
	"io"
	"sync"
)

// Encoder writes frames to w. It is safe for concurrent use.
type Encoder struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewEncoder returns an encoder writing newline-terminated JSON frames.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: json.NewEncoder(w)}
}

// Encode writes one frame.
func (e *Encoder) Encode(pkg Package) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enc.Encode(pkg)
}

// MaxFrameBytes bounds the encoded size of one inbound frame.
const MaxFrameBytes = 2 << 20

// ErrFrameTooLarge is returned by Decode when a frame exceeds its size limit.
var ErrFrameTooLarge = errors.New("frame too large")

// Decoder reads frames from r. It is meant for the single reader goroutine of
// a connection.
type Decoder struct {
	dec *json.Decoder
	src *frameLimitReader
	max int64
}

// NewDecoder returns a frame decoder limited to MaxFrameBytes per frame.
func NewDecoder(r io.Reader) *Decoder {
	return NewDecoderSize(r, MaxFrameBytes)
}

// NewDecoderSize returns a frame decoder limited to max bytes per frame.
func NewDecoderSize(r io.Reader, max int64) *Decoder {
	if max <= 0 {
		max = MaxFrameBytes
	}
	src := &frameLimitReader{r: r}
	return &Decoder{dec: json.NewDecoder(src), src: src, max: max}
}

// Decode reads the next frame.
func (d *Decoder) Decode() (Package, error) {
	// Reads stop max bytes past the start of this frame, so an oversized frame
	// fails instead of being buffered whole.
	d.src.limit = d.dec.InputOffset() + d.max
	var pkg Package
	if err := d.dec.Decode(&pkg); err != nil {
		return Package{}, err
	}
	return pkg, nil
}

type frameLimitReader struct {
	r     io.Reader
	read  int64
	limit int64
}

func (l *frameLimitReader) Read(p []byte) (int, error) {
	remaining := l.limit - l.read
	if remaining <= 0 {
		return 0, ErrFrameTooLarge
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := l.r.Read(p)
	l.read += int64(n)
	return n, err
}
