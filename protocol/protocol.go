// Package protocol implements the Highway binary frame protocol.
//
// Frames are length-prefixed so a reader always knows how many bytes belong to the
// current frame, no matter how TCP splits or merges segments. The receiver decodes
// the fixed 22-byte header first, then waits for exactly PayloadLen more bytes.
//
// Frame format:
//
//	0        4  5  6        10                 18        22
//	┌────────┬──┬──┬────────┬──────────────────┬─────────┬────────────────┐
//	│ magic  │v │fl│  opId  │  correlationId   │ payload │  payload ...   │
//	│ "HWAY" │01│  │ uint32 │      uint64      │ length  │ length bytes   │
//	└────────┴──┴──┴────────┴──────────────────┴─────────┴────────────────┘
//
// With FlagContext set, the payload begins with a context extension block
// (uvarint length + protobuf entries) before the operation body.
// With FlagError set, the body is an error body {1: code, 2: message}.
package protocol

import (
	"encoding/binary"
	"errors"
	"io"

	"highway-rpc/rpcerror"
)

const (
	Version    byte = 0x01
	HeaderSize int  = 22 // 4 (magic) + 1 (version) + 1 (flags) + 4 (opId) + 8 (correlationId) + 4 (payloadLen)
)

// Magic is the 4-byte protocol marker "HWAY". It lets a server reject
// non-protocol connections (e.g. an HTTP client on the wrong port) on the first frame.
var Magic = [4]byte{'H', 'W', 'A', 'Y'}

// DefaultMaxPayload bounds the declared payload length of a single frame.
const DefaultMaxPayload = 16 << 20

// Flag bits of the header.
const (
	FlagResponse  byte = 0x01 // Producer → consumer
	FlagError     byte = 0x02 // Payload is an error body
	FlagHeartbeat byte = 0x04 // Keepalive frame, no payload
	FlagContext   byte = 0x08 // Payload starts with a context extension block
)

// ErrIncompleteFrame means the buffer does not yet hold a whole header.
var ErrIncompleteFrame = errors.New("incomplete frame")

// Header is the fixed 22-byte frame header.
type Header struct {
	Flags         byte
	OpID          uint32 // Which operation the payload belongs to
	CorrelationID uint64 // Matches a response to its request on one connection
	PayloadLen    uint32
}

func (h *Header) IsResponse() bool  { return h.Flags&FlagResponse != 0 }
func (h *Header) IsError() bool     { return h.Flags&FlagError != 0 }
func (h *Header) IsHeartbeat() bool { return h.Flags&FlagHeartbeat != 0 }
func (h *Header) HasContext() bool  { return h.Flags&FlagContext != 0 }

// AppendFrame appends the header and payload to b. PayloadLen is taken from payload.
func AppendFrame(b []byte, h *Header, payload []byte) []byte {
	var hdr [HeaderSize]byte
	putHeader(hdr[:], h, uint32(len(payload)))
	b = append(b, hdr[:]...)
	return append(b, payload...)
}

func putHeader(buf []byte, h *Header, payloadLen uint32) {
	copy(buf[0:4], Magic[:])
	buf[4] = Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint32(buf[6:10], h.OpID)
	binary.BigEndian.PutUint64(buf[10:18], h.CorrelationID)
	binary.BigEndian.PutUint32(buf[18:22], payloadLen)
}

// Encode writes a complete frame (header + payload) to w in a single Write,
// so concurrent writers on one connection never interleave partial frames.
func Encode(w io.Writer, h *Header, payload []byte) error {
	buf := AppendFrame(make([]byte, 0, HeaderSize+len(payload)), h, payload)
	_, err := w.Write(buf)
	return err
}

// parseHeader validates the fixed header in buf, which must hold at least HeaderSize bytes.
func parseHeader(buf []byte, maxPayload int) (*Header, error) {
	if buf[0] != Magic[0] || buf[1] != Magic[1] || buf[2] != Magic[2] || buf[3] != Magic[3] {
		return nil, rpcerror.MalformedFrame("invalid magic number: %x", buf[0:4])
	}
	if buf[4] != Version {
		return nil, rpcerror.MalformedFrame("unsupported version: %d", buf[4])
	}
	h := &Header{
		Flags:         buf[5],
		OpID:          binary.BigEndian.Uint32(buf[6:10]),
		CorrelationID: binary.BigEndian.Uint64(buf[10:18]),
		PayloadLen:    binary.BigEndian.Uint32(buf[18:22]),
	}
	if maxPayload > 0 && int64(h.PayloadLen) > int64(maxPayload) {
		return nil, rpcerror.MalformedFrame("payload length %d exceeds limit %d", h.PayloadLen, maxPayload)
	}
	return h, nil
}

// Decode reads exactly one frame from r.
// io.ReadFull guarantees exactly N bytes, so partial TCP reads never split a frame.
func Decode(r io.Reader) (*Header, []byte, error) {
	return DecodeLimit(r, DefaultMaxPayload)
}

// DecodeLimit is Decode with an explicit payload limit (<= 0 means unlimited).
func DecodeLimit(r io.Reader, maxPayload int) (*Header, []byte, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, nil, err
	}
	h, err := parseHeader(hdr[:], maxPayload)
	if err != nil {
		return nil, nil, err
	}
	payload := make([]byte, h.PayloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, nil, err
	}
	return h, payload, nil
}

// DecodeFrame decodes the frame at the start of buf, which is taken to be a complete
// frame: fewer than HeaderSize bytes yields ErrIncompleteFrame, while a declared payload
// longer than what buf holds is MALFORMED_FRAME. n is the number of bytes consumed.
// The payload aliases buf.
func DecodeFrame(buf []byte) (h *Header, payload []byte, n int, err error) {
	if len(buf) < HeaderSize {
		return nil, nil, 0, ErrIncompleteFrame
	}
	h, err = parseHeader(buf, DefaultMaxPayload)
	if err != nil {
		return nil, nil, 0, err
	}
	end := HeaderSize + int(h.PayloadLen)
	if end > len(buf) {
		return nil, nil, 0, rpcerror.MalformedFrame("declared payload length %d exceeds the %d bytes available", h.PayloadLen, len(buf)-HeaderSize)
	}
	return h, buf[HeaderSize:end], end, nil
}

// Parser accumulates stream bytes and yields complete frames.
// It is not safe for concurrent use; one reader goroutine owns it.
type Parser struct {
	buf        []byte
	maxPayload int
}

// NewParser creates a parser. maxPayload <= 0 selects DefaultMaxPayload.
func NewParser(maxPayload int) *Parser {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Parser{maxPayload: maxPayload}
}

// Feed appends stream bytes.
func (p *Parser) Feed(b []byte) {
	p.buf = append(p.buf, b...)
}

// Buffered returns the number of bytes not yet consumed.
func (p *Parser) Buffered() int { return len(p.buf) }

// Next returns the next complete frame. ok is false while more bytes are needed.
// A MALFORMED_FRAME error is fatal for the stream.
func (p *Parser) Next() (h *Header, payload []byte, ok bool, err error) {
	if len(p.buf) < HeaderSize {
		return nil, nil, false, nil
	}
	h, err = parseHeader(p.buf, p.maxPayload)
	if err != nil {
		return nil, nil, false, err
	}
	end := HeaderSize + int(h.PayloadLen)
	if len(p.buf) < end {
		return nil, nil, false, nil
	}
	payload = make([]byte, h.PayloadLen)
	copy(payload, p.buf[HeaderSize:end])
	p.buf = p.buf[end:]
	if len(p.buf) == 0 {
		p.buf = nil
	}
	return h, payload, true, nil
}

// ReadFrames reads r in chunks and calls fn for every complete frame, in stream
// order, until reading fails. It returns the read error (io.EOF on a clean close)
// or the MALFORMED_FRAME error that ended the stream.
func (p *Parser) ReadFrames(r io.Reader, fn func(h *Header, payload []byte)) error {
	chunk := make([]byte, 32*1024)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			p.Feed(chunk[:n])
			for {
				h, payload, ok, perr := p.Next()
				if perr != nil {
					return perr
				}
				if !ok {
					break
				}
				fn(h, payload)
			}
		}
		if err != nil {
			return err
		}
	}
}
