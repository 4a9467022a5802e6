package protocol

import (
	"bytes"
	"errors"
	"io"
	"reflect"
	"testing"
	"testing/iotest"

	"highway-rpc/rpcerror"
)

func TestEncodeDecode(t *testing.T) {
	header := Header{
		Flags:         FlagResponse,
		OpID:          7,
		CorrelationID: 1<<40 + 12345,
	}
	body := []byte("hello world")

	var buf bytes.Buffer
	if err := Encode(&buf, &header, body); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if buf.Len() != HeaderSize+len(body) {
		t.Fatalf("frame size mismatch: got %d, want %d", buf.Len(), HeaderSize+len(body))
	}

	decodedHeader, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decodedHeader.Flags != header.Flags || !decodedHeader.IsResponse() {
		t.Errorf("Flags mismatch: got %x, want %x", decodedHeader.Flags, header.Flags)
	}
	if decodedHeader.OpID != header.OpID {
		t.Errorf("OpID mismatch: got %d, want %d", decodedHeader.OpID, header.OpID)
	}
	if decodedHeader.CorrelationID != header.CorrelationID {
		t.Errorf("CorrelationID mismatch: got %d, want %d", decodedHeader.CorrelationID, header.CorrelationID)
	}
	if decodedHeader.PayloadLen != uint32(len(body)) {
		t.Errorf("PayloadLen mismatch: got %d, want %d", decodedHeader.PayloadLen, len(body))
	}
	if !bytes.Equal(decodedBody, body) {
		t.Errorf("Body mismatch: got %s, want %s", string(decodedBody), string(body))
	}
}

func TestDecodeInvalidMagic(t *testing.T) {
	frame := AppendFrame(nil, &Header{OpID: 1, CorrelationID: 1}, []byte("hello world"))
	frame[0] = 'X'

	_, _, err := Decode(bytes.NewReader(frame))
	if !errors.Is(err, rpcerror.ErrMalformedFrame) {
		t.Fatalf("expect MALFORMED_FRAME, got %v", err)
	}
	if !bytes.Contains([]byte(err.Error()), []byte("invalid magic number")) {
		t.Errorf("error should mention the magic number, got: %v", err)
	}
}

func TestDecodeBadVersion(t *testing.T) {
	frame := AppendFrame(nil, &Header{OpID: 1}, nil)
	frame[4] = 9
	if _, _, _, err := DecodeFrame(frame); !errors.Is(err, rpcerror.ErrMalformedFrame) {
		t.Fatalf("expect MALFORMED_FRAME, got %v", err)
	}
}

func TestDecodeEmptyBody(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, &Header{Flags: FlagHeartbeat}, nil); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	h, body, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !h.IsHeartbeat() || len(body) != 0 {
		t.Fatalf("expect empty heartbeat frame, got flags %x body %d bytes", h.Flags, len(body))
	}
}

func TestDecodeFrameShortBuffers(t *testing.T) {
	frame := AppendFrame(nil, &Header{OpID: 3, CorrelationID: 9}, []byte{1, 2, 3, 4, 5})

	// Fewer bytes than a header: the caller should wait for more.
	if _, _, _, err := DecodeFrame(frame[:HeaderSize-1]); err != ErrIncompleteFrame {
		t.Fatalf("expect ErrIncompleteFrame, got %v", err)
	}
	// Header claims 5 payload bytes but only 4 follow.
	if _, _, _, err := DecodeFrame(frame[:len(frame)-1]); !errors.Is(err, rpcerror.ErrMalformedFrame) {
		t.Fatalf("expect MALFORMED_FRAME, got %v", err)
	}

	h, payload, n, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	if n != len(frame) || h.OpID != 3 || !bytes.Equal(payload, []byte{1, 2, 3, 4, 5}) {
		t.Fatalf("unexpected frame: n=%d header=%+v payload=%v", n, h, payload)
	}
}

func TestDecodeRejectsOversizedPayload(t *testing.T) {
	frame := AppendFrame(nil, &Header{OpID: 1}, make([]byte, 64))
	if _, _, err := DecodeLimit(bytes.NewReader(frame), 32); !errors.Is(err, rpcerror.ErrMalformedFrame) {
		t.Fatalf("expect MALFORMED_FRAME, got %v", err)
	}
}

func TestParserSplitAndMergedFrames(t *testing.T) {
	var stream []byte
	for i := uint64(1); i <= 3; i++ {
		stream = AppendFrame(stream, &Header{OpID: 1, CorrelationID: i}, bytes.Repeat([]byte{byte(i)}, int(i)))
	}

	p := NewParser(0)
	var got []uint64
	// Feed one byte at a time to exercise every partial state.
	for _, b := range stream {
		p.Feed([]byte{b})
		for {
			h, payload, ok, err := p.Next()
			if err != nil {
				t.Fatalf("Next failed: %v", err)
			}
			if !ok {
				break
			}
			if len(payload) != int(h.CorrelationID) {
				t.Fatalf("frame %d: unexpected payload %v", h.CorrelationID, payload)
			}
			got = append(got, h.CorrelationID)
		}
	}
	if !reflect.DeepEqual(got, []uint64{1, 2, 3}) {
		t.Fatalf("expect frames [1 2 3], got %v", got)
	}
	if p.Buffered() != 0 {
		t.Fatalf("expect empty buffer, got %d bytes", p.Buffered())
	}
}

func TestParserMalformed(t *testing.T) {
	p := NewParser(0)
	p.Feed(bytes.Repeat([]byte{0xff}, HeaderSize))
	if _, _, _, err := p.Next(); !errors.Is(err, rpcerror.ErrMalformedFrame) {
		t.Fatalf("expect MALFORMED_FRAME, got %v", err)
	}
}

func TestReadFramesAcrossReads(t *testing.T) {
	var stream []byte
	for i := uint64(1); i <= 4; i++ {
		stream = AppendFrame(stream, &Header{OpID: 2, CorrelationID: i}, bytes.Repeat([]byte{'x'}, int(i)*100))
	}

	for _, r := range []io.Reader{bytes.NewReader(stream), iotest.OneByteReader(bytes.NewReader(stream))} {
		var got []uint64
		err := NewParser(0).ReadFrames(r, func(h *Header, payload []byte) {
			if len(payload) != int(h.CorrelationID)*100 {
				t.Fatalf("frame %d: payload of %d bytes", h.CorrelationID, len(payload))
			}
			got = append(got, h.CorrelationID)
		})
		if !errors.Is(err, io.EOF) {
			t.Fatalf("expect EOF, got %v", err)
		}
		if !reflect.DeepEqual(got, []uint64{1, 2, 3, 4}) {
			t.Fatalf("expect frames [1 2 3 4], got %v", got)
		}
	}
}

func TestReadFramesStopsOnMalformed(t *testing.T) {
	stream := AppendFrame(nil, &Header{OpID: 1, CorrelationID: 1}, []byte("ok"))
	stream = append(stream, bytes.Repeat([]byte{0xff}, HeaderSize)...)
	stream = AppendFrame(stream, &Header{OpID: 1, CorrelationID: 2}, []byte("never"))

	frames := 0
	err := NewParser(0).ReadFrames(bytes.NewReader(stream), func(*Header, []byte) { frames++ })
	if !errors.Is(err, rpcerror.ErrMalformedFrame) {
		t.Fatalf("expect MALFORMED_FRAME, got %v", err)
	}
	if frames != 1 {
		t.Fatalf("expect one frame before the bad header, got %d", frames)
	}
}

func TestContextExtension(t *testing.T) {
	ctx := map[string]string{"trace-id": "abc", "auth": "secret", "empty": ""}
	body := []byte{0x08, 0x03}
	payload := append(AppendContext(nil, ctx), body...)

	again := append(AppendContext(nil, map[string]string{"empty": "", "auth": "secret", "trace-id": "abc"}), body...)
	if !bytes.Equal(payload, again) {
		t.Fatal("context encoding must not depend on map order")
	}

	got, rest, err := SplitContext(payload)
	if err != nil {
		t.Fatalf("SplitContext failed: %v", err)
	}
	if !reflect.DeepEqual(got, ctx) {
		t.Fatalf("expect %v, got %v", ctx, got)
	}
	if !bytes.Equal(rest, body) {
		t.Fatalf("expect body % x, got % x", body, rest)
	}

	if _, _, err := SplitContext([]byte{0x10, 0x01}); !errors.Is(err, rpcerror.ErrMalformedFrame) {
		t.Fatalf("expect MALFORMED_FRAME for truncated block, got %v", err)
	}
}

func TestErrorBody(t *testing.T) {
	in := rpcerror.New(rpcerror.CodeNotFound, "no operation %d", 99)
	out, err := DecodeErrorBody(EncodeErrorBody(in))
	if err != nil {
		t.Fatalf("DecodeErrorBody failed: %v", err)
	}
	if out.Code != in.Code || out.Message != in.Message {
		t.Fatalf("expect %v, got %v", in, out)
	}

	empty, err := DecodeErrorBody(nil)
	if err != nil || empty.Code != rpcerror.CodeInternal {
		t.Fatalf("expect INTERNAL for empty body, got %v, %v", empty, err)
	}
}
