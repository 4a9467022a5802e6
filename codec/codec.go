// Package codec bridges invocations and Highway frames.
//
//	consumer                                   producer
//	EncodeRequest(inv) ──── request frame ───► DecodeRequest(h, payload, schema)
//	DecodeResponse(inv) ◄── response frame ─── EncodeResponse(h, schema, resp)
//
// Body bytes come from the operation's WireSchema; the context map travels in the
// frame's context extension; failures travel as an error body with FlagError set.
package codec

import (
	"highway-rpc/invocation"
	"highway-rpc/protocol"
	"highway-rpc/rpcerror"
	"highway-rpc/schema"
)

// HighwayCodec is stateless and safe for concurrent use.
type HighwayCodec struct{}

// EncodeRequest builds the complete request frame of inv under correlationID.
// A CODEC_MISMATCH error concerns inv alone; nothing has been written.
func (HighwayCodec) EncodeRequest(inv *invocation.Invocation, correlationID uint64) ([]byte, error) {
	if inv.Schema == nil {
		return nil, rpcerror.CodecMismatch("%s has no wire schema", inv.Name())
	}
	body, err := inv.Schema.EncodeArguments(inv.Args)
	if err != nil {
		return nil, err
	}
	h := &protocol.Header{OpID: inv.Operation.ID, CorrelationID: correlationID}
	return protocol.AppendFrame(nil, h, withContext(h, inv.Context, body)), nil
}

func withContext(h *protocol.Header, ctx map[string]string, body []byte) []byte {
	if len(ctx) == 0 {
		return body
	}
	h.Flags |= protocol.FlagContext
	payload := protocol.AppendContext(make([]byte, 0, len(body)+64), ctx)
	return append(payload, body...)
}

// DecodeRequest parses a request payload with the operation's schema.
// A broken context block is MALFORMED_FRAME; a body that does not fit the schema is CODEC_MISMATCH.
func (HighwayCodec) DecodeRequest(h *protocol.Header, payload []byte, ws *schema.WireSchema) (args []any, ctx map[string]string, err error) {
	body := payload
	if h.HasContext() {
		if ctx, body, err = protocol.SplitContext(payload); err != nil {
			return nil, nil, err
		}
	}
	if ctx == nil {
		ctx = make(map[string]string)
	}
	args, err = ws.DecodeArguments(body)
	if err != nil {
		return nil, ctx, err
	}
	return args, ctx, nil
}

// EncodeResponse builds the response frame answering req. A result that does not
// fit the schema is sent as a CODEC_MISMATCH error instead.
func (HighwayCodec) EncodeResponse(req *protocol.Header, ws *schema.WireSchema, resp *invocation.Response) []byte {
	h := &protocol.Header{Flags: protocol.FlagResponse, OpID: req.OpID, CorrelationID: req.CorrelationID}
	if !resp.Failed() && ws != nil {
		body, err := ws.EncodeResult(resp.Value)
		if err == nil {
			return protocol.AppendFrame(nil, h, body)
		}
		resp = invocation.Failure(err)
	}
	return ErrorFrame(req, resp.Error())
}

// ErrorFrame builds a failed response to req without needing a schema
// (unknown operations, undecodable requests).
func ErrorFrame(req *protocol.Header, e *rpcerror.Error) []byte {
	h := &protocol.Header{Flags: protocol.FlagResponse | protocol.FlagError, OpID: req.OpID, CorrelationID: req.CorrelationID}
	return protocol.AppendFrame(nil, h, protocol.EncodeErrorBody(e))
}

// DecodeResponse turns a response frame into inv's response. It never fails:
// undecodable payloads become CODEC_MISMATCH responses for inv alone.
func (HighwayCodec) DecodeResponse(inv *invocation.Invocation, h *protocol.Header, payload []byte) *invocation.Response {
	if h.IsError() {
		e, err := protocol.DecodeErrorBody(payload)
		if err != nil {
			return invocation.Failure(err)
		}
		return invocation.Failure(e)
	}
	v, err := inv.Schema.DecodeResult(payload)
	if err != nil {
		return invocation.Failure(err)
	}
	return invocation.Success(v)
}

// Heartbeat returns a keepalive frame.
func Heartbeat() []byte {
	return protocol.AppendFrame(nil, &protocol.Header{Flags: protocol.FlagHeartbeat}, nil)
}
