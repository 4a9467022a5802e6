package protocol

import (
	"sort"

	"google.golang.org/protobuf/encoding/protowire"

	"highway-rpc/rpcerror"
)

// AppendContext appends the context extension block for ctx:
//
//	uvarint(len) | entry{1: key, 2: value} ...
//
// Keys are written in sorted order so equal maps produce equal bytes.
func AppendContext(b []byte, ctx map[string]string) []byte {
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var block []byte
	for _, k := range keys {
		var entry []byte
		entry = protowire.AppendTag(entry, 1, protowire.BytesType)
		entry = protowire.AppendString(entry, k)
		entry = protowire.AppendTag(entry, 2, protowire.BytesType)
		entry = protowire.AppendString(entry, ctx[k])

		block = protowire.AppendTag(block, 1, protowire.BytesType)
		block = protowire.AppendBytes(block, entry)
	}
	b = protowire.AppendVarint(b, uint64(len(block)))
	return append(b, block...)
}

// SplitContext separates the context extension block from the operation body.
func SplitContext(payload []byte) (map[string]string, []byte, error) {
	size, n := protowire.ConsumeVarint(payload)
	if n < 0 {
		return nil, nil, rpcerror.MalformedFrame("context block length: %v", protowire.ParseError(n))
	}
	payload = payload[n:]
	if size > uint64(len(payload)) {
		return nil, nil, rpcerror.MalformedFrame("context block of %d bytes exceeds payload", size)
	}
	block, body := payload[:size], payload[size:]

	ctx := make(map[string]string)
	for len(block) > 0 {
		num, typ, n := protowire.ConsumeTag(block)
		if n < 0 {
			return nil, nil, rpcerror.MalformedFrame("context entry: %v", protowire.ParseError(n))
		}
		block = block[n:]
		if num != 1 || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, block)
			if n < 0 {
				return nil, nil, rpcerror.MalformedFrame("context entry: %v", protowire.ParseError(n))
			}
			block = block[n:]
			continue
		}
		entry, n := protowire.ConsumeBytes(block)
		if n < 0 {
			return nil, nil, rpcerror.MalformedFrame("context entry: %v", protowire.ParseError(n))
		}
		block = block[n:]
		k, v, err := parsePair(entry)
		if err != nil {
			return nil, nil, err
		}
		ctx[k] = v
	}
	return ctx, body, nil
}

// parsePair reads a {1: string, 2: string} message.
func parsePair(b []byte) (string, string, error) {
	var first, second string
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", "", rpcerror.MalformedFrame("pair: %v", protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.BytesType || (num != 1 && num != 2) {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return "", "", rpcerror.MalformedFrame("pair: %v", protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		s, n := protowire.ConsumeString(b)
		if n < 0 {
			return "", "", rpcerror.MalformedFrame("pair: %v", protowire.ParseError(n))
		}
		b = b[n:]
		if num == 1 {
			first = s
		} else {
			second = s
		}
	}
	return first, second, nil
}

// EncodeErrorBody serializes a failed result as {1: code, 2: message}.
func EncodeErrorBody(e *rpcerror.Error) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, string(e.Code))
	if e.Message != "" {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, e.Message)
	}
	return b
}

// DecodeErrorBody parses an error body. An empty code becomes INTERNAL.
func DecodeErrorBody(b []byte) (*rpcerror.Error, error) {
	code, msg, err := parsePair(b)
	if err != nil {
		return nil, rpcerror.CodecMismatch("error body: %s", rpcerror.From(err).Message)
	}
	if code == "" {
		code = string(rpcerror.CodeInternal)
	}
	return &rpcerror.Error{Code: rpcerror.Code(code), Message: msg}, nil
}
