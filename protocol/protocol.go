// Package protocol implements the frame format shared by both peers of a connection.
//
// Every frame starts with a 5-byte header: a one-byte frame type followed by a
// 4-byte little-endian body length. The body is UTF-8 JSON. Upload and download
// frames are followed by an 8-byte little-endian payload length and the raw
// payload, which is streamed instead of being buffered into the JSON body.
//
//	0    1            5                 5+len
//	┌────┬────────────┬─────────────────┬──────────────┬─────────────────┐
//	│type│  bodyLen   │   JSON body     │ payloadLen   │  payload ...    │
//	│ u8 │ uint32 LE  │ bodyLen bytes   │ uint64 LE    │ (types 3, 4)    │
//	└────┴────────────┴─────────────────┴──────────────┴─────────────────┘
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	HeaderSize        = 5 // 1 (type) + 4 (bodyLen)
	PayloadHeaderSize = 8
)

// FrameType is the leading discriminant byte of a frame.
type FrameType byte

const (
	FrameRequest      FrameType = 0
	FrameResponse     FrameType = 1
	FrameCancellation FrameType = 2
	FrameUpload       FrameType = 3
	FrameDownload     FrameType = 4
)

func (t FrameType) String() string {
	switch t {
	case FrameRequest:
		return "Request"
	case FrameResponse:
		return "Response"
	case FrameCancellation:
		return "CancellationRequest"
	case FrameUpload:
		return "UploadRequest"
	case FrameDownload:
		return "DownloadResponse"
	default:
		return fmt.Sprintf("FrameType(%d)", byte(t))
	}
}

// HasPayload reports whether frames of this type carry a raw payload after the body.
func (t FrameType) HasPayload() bool {
	return t == FrameUpload || t == FrameDownload
}

var (
	ErrUnknownFrameType = errors.New("protocol: unknown frame type")
	ErrFrameTooLarge    = errors.New("protocol: frame body too large")
	ErrShortPayload     = errors.New("protocol: payload shorter than declared length")
)

// Limits constrains how much memory a single decoded frame may claim.
type Limits struct {
	MaxBodySize uint32
}

func DefaultLimits() Limits {
	return Limits{MaxBodySize: 16 * 1024 * 1024}
}

// CheckBody reports ErrFrameTooLarge for a body of n bytes that the receiving
// peer would reject, or that does not fit the 4-byte length at all.
func (l Limits) CheckBody(n int) error {
	if uint64(n) > math.MaxUint32 {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	if l.MaxBodySize > 0 && uint32(n) > l.MaxBodySize {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, l.MaxBodySize)
	}
	return nil
}

// Frame is one decoded or to-be-encoded wire message.
//
// Payload is only used by upload and download frames. On decode it is a reader
// limited to PayloadLen bytes of the underlying stream; the caller must consume
// or discard it before decoding the next frame.
type Frame struct {
	Type       FrameType
	Body       []byte
	Payload    io.Reader
	PayloadLen int64
}

// Encode writes f to w.
//
// Header and body (and the payload length, if any) go out in a single Write so
// message-oriented transports see one message per control frame. The caller
// must be the only writer: concurrent Encode calls on the same
// writer interleave.
func Encode(w io.Writer, f *Frame) error {
	if !f.Type.valid() {
		return fmt.Errorf("%w: %d", ErrUnknownFrameType, f.Type)
	}
	if err := (Limits{}).CheckBody(len(f.Body)); err != nil {
		return err
	}
	size := HeaderSize + len(f.Body)
	if f.Type.HasPayload() {
		size += PayloadHeaderSize
	}
	buf := make([]byte, size)
	buf[0] = byte(f.Type)
	binary.LittleEndian.PutUint32(buf[1:HeaderSize], uint32(len(f.Body)))
	copy(buf[HeaderSize:], f.Body)
	if f.Type.HasPayload() {
		binary.LittleEndian.PutUint64(buf[HeaderSize+len(f.Body):], uint64(f.PayloadLen))
	}
	if _, err := w.Write(buf); err != nil {
		return err
	}
	if !f.Type.HasPayload() || f.PayloadLen == 0 {
		return nil
	}
	if f.Payload == nil {
		return ErrShortPayload
	}
	n, err := io.CopyN(w, f.Payload, f.PayloadLen)
	if err == io.EOF && n < f.PayloadLen {
		return ErrShortPayload
	}
	return err
}

// Decode reads exactly one frame from r.
//
// A clean end of stream before the first header byte yields io.EOF; a stream that
// ends mid-frame yields io.ErrUnexpectedEOF. Both mean the peer went away.
func Decode(r io.Reader, limits Limits) (*Frame, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	t := FrameType(header[0])
	if !t.valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownFrameType, header[0])
	}

	bodyLen := binary.LittleEndian.Uint32(header[1:])
	if limits.MaxBodySize > 0 && bodyLen > limits.MaxBodySize {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, bodyLen, limits.MaxBodySize)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, eof(err)
	}

	f := &Frame{Type: t, Body: body}
	if !t.HasPayload() {
		return f, nil
	}

	var payloadHeader [PayloadHeaderSize]byte
	if _, err := io.ReadFull(r, payloadHeader[:]); err != nil {
		return nil, eof(err)
	}
	f.PayloadLen = int64(binary.LittleEndian.Uint64(payloadHeader[:]))
	if f.PayloadLen < 0 {
		return nil, fmt.Errorf("protocol: invalid payload length %d", f.PayloadLen)
	}
	f.Payload = &payloadReader{r: io.LimitReader(r, f.PayloadLen), remaining: f.PayloadLen}
	return f, nil
}

func (t FrameType) valid() bool {
	return t <= FrameDownload
}

// eof turns a clean EOF in the middle of a frame into io.ErrUnexpectedEOF.
func eof(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// payloadReader reports a truncated payload as io.ErrUnexpectedEOF instead of
// the clean io.EOF a bare LimitReader would return.
type payloadReader struct {
	r         io.Reader
	remaining int64
}

func (p *payloadReader) Read(b []byte) (int, error) {
	if p.remaining <= 0 {
		return 0, io.EOF
	}
	n, err := p.r.Read(b)
	p.remaining -= int64(n)
	if err == io.EOF && p.remaining > 0 {
		return n, io.ErrUnexpectedEOF
	}
	return n, err
}
