package codec

import (
	"bytes"
	"errors"
	"testing"

	"highway-rpc/executor"
	"highway-rpc/invocation"
	"highway-rpc/protocol"
	"highway-rpc/rpcerror"
	"highway-rpc/schema"
)

var addSig = &schema.OperationSignature{
	ID:      11,
	Service: "calc",
	Name:    "add",
	Arguments: []schema.Argument{
		{Name: "a", Type: "int"},
		{Name: "b", Type: "int"},
	},
	Result: "int",
}

func newAddInvocation(t *testing.T, args ...any) *invocation.Invocation {
	t.Helper()
	ws, err := schema.Build(schema.NewRegistry(), addSig)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return invocation.New(invocation.Consumer, addSig, ws, args, executor.Inline)
}

func TestRequestRoundTrip(t *testing.T) {
	var c HighwayCodec
	inv := newAddInvocation(t, 3, 4)
	inv.SetAttachment("trace-id", "t-1")

	frame, err := c.EncodeRequest(inv, 99)
	if err != nil {
		t.Fatalf("EncodeRequest failed: %v", err)
	}
	h, payload, err := protocol.Decode(bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if h.OpID != addSig.ID || h.CorrelationID != 99 || !h.HasContext() || h.IsResponse() {
		t.Fatalf("unexpected header %+v", h)
	}

	args, ctx, err := c.DecodeRequest(h, payload, inv.Schema)
	if err != nil {
		t.Fatalf("DecodeRequest failed: %v", err)
	}
	if args[0] != 3 || args[1] != 4 || ctx["trace-id"] != "t-1" {
		t.Fatalf("unexpected args %v ctx %v", args, ctx)
	}
}

func TestRequestWithoutContext(t *testing.T) {
	var c HighwayCodec
	inv := newAddInvocation(t, 1, 0)
	frame, err := c.EncodeRequest(inv, 1)
	if err != nil {
		t.Fatalf("EncodeRequest failed: %v", err)
	}
	h, payload, _, err := protocol.DecodeFrame(frame)
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	if h.HasContext() || !bytes.Equal(payload, []byte{0x08, 0x01}) {
		t.Fatalf("expect bare body, got flags %x payload % x", h.Flags, payload)
	}
}

func TestEncodeRequestMismatch(t *testing.T) {
	var c HighwayCodec
	inv := newAddInvocation(t, "three", 4)
	if _, err := c.EncodeRequest(inv, 1); !errors.Is(err, rpcerror.ErrCodecMismatch) {
		t.Fatalf("expect CODEC_MISMATCH, got %v", err)
	}
}

func TestResponseRoundTrip(t *testing.T) {
	var c HighwayCodec
	inv := newAddInvocation(t, 3, 4)
	req := &protocol.Header{OpID: addSig.ID, CorrelationID: 5}

	frame := c.EncodeResponse(req, inv.Schema, invocation.Success(7))
	h, payload, _, err := protocol.DecodeFrame(frame)
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	if !h.IsResponse() || h.IsError() || h.CorrelationID != 5 {
		t.Fatalf("unexpected header %+v", h)
	}
	resp := c.DecodeResponse(inv, h, payload)
	if resp.Failed() || resp.Value != 7 {
		t.Fatalf("expect 7, got %+v", resp)
	}
}

func TestErrorResponse(t *testing.T) {
	var c HighwayCodec
	inv := newAddInvocation(t, 3, 4)
	req := &protocol.Header{OpID: addSig.ID, CorrelationID: 6}

	frame := c.EncodeResponse(req, inv.Schema, invocation.Failure(rpcerror.New(rpcerror.CodeRejected, "busy")))
	h, payload, _, _ := protocol.DecodeFrame(frame)
	if !h.IsError() {
		t.Fatal("expect error flag")
	}
	resp := c.DecodeResponse(inv, h, payload)
	if resp.Code() != rpcerror.CodeRejected || resp.Error().Message != "busy" {
		t.Fatalf("unexpected response %v", resp.Err)
	}

	// A handler result of the wrong type is reported, not sent as garbage.
	frame = c.EncodeResponse(req, inv.Schema, invocation.Success("seven"))
	h, payload, _, _ = protocol.DecodeFrame(frame)
	if resp := c.DecodeResponse(inv, h, payload); resp.Code() != rpcerror.CodeCodecMismatch {
		t.Fatalf("expect CODEC_MISMATCH, got %v", resp.Err)
	}
}

func TestUndecodableResponseFailsOnlyThatInvocation(t *testing.T) {
	var c HighwayCodec
	inv := newAddInvocation(t, 3, 4)
	h := &protocol.Header{Flags: protocol.FlagResponse, OpID: addSig.ID}
	resp := c.DecodeResponse(inv, h, []byte{0x08}) // truncated varint
	if resp.Code() != rpcerror.CodeCodecMismatch {
		t.Fatalf("expect CODEC_MISMATCH, got %v", resp.Err)
	}
}

func TestHeartbeat(t *testing.T) {
	h, payload, _, err := protocol.DecodeFrame(Heartbeat())
	if err != nil || !h.IsHeartbeat() || len(payload) != 0 {
		t.Fatalf("unexpected heartbeat %+v %v", h, err)
	}
}
