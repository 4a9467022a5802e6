package schema

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"highway-rpc/rpcerror"
)

func mismatch(name string, t *typeCodec, v any) error {
	return rpcerror.CodecMismatch("field %q: expect %s, got %T", name, t.name, v)
}

func asMessage(name string, v any) (Message, error) {
	switch m := v.(type) {
	case Message:
		return m, nil
	case map[string]any:
		return Message(m), nil
	}
	return nil, rpcerror.CodecMismatch("field %q: expect message, got %T", name, v)
}

func asList(name string, t *typeCodec, v any) ([]any, error) {
	switch l := v.(type) {
	case []any:
		return l, nil
	case []string:
		out := make([]any, len(l))
		for i, e := range l {
			out[i] = e
		}
		return out, nil
	case []int:
		out := make([]any, len(l))
		for i, e := range l {
			out[i] = e
		}
		return out, nil
	case []int64:
		out := make([]any, len(l))
		for i, e := range l {
			out[i] = e
		}
		return out, nil
	case []float64:
		out := make([]any, len(l))
		for i, e := range l {
			out[i] = e
		}
		return out, nil
	}
	return nil, mismatch(name, t, v)
}

// appendMessage writes every non-default field of m. Keys that are not declared fields are rejected.
func appendMessage(b []byte, mc *messageCodec, m Message) ([]byte, error) {
	for k := range m {
		if _, ok := mc.byName[k]; !ok {
			return nil, rpcerror.CodecMismatch("message %s has no field %q", mc.name, k)
		}
	}
	var err error
	for _, f := range mc.fields {
		if b, err = appendField(b, f, m[f.name]); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// appendField writes one field with its tag. Nil and zero values write nothing.
func appendField(b []byte, f *fieldCodec, v any) ([]byte, error) {
	if v == nil {
		return b, nil
	}
	switch f.typ.kind {
	case KindList:
		list, err := asList(f.name, f.typ, v)
		if err != nil {
			return nil, err
		}
		if len(list) == 0 {
			return b, nil
		}
		elem := f.typ.elem
		if elem.packable() {
			var packed []byte
			for _, e := range list {
				if packed, err = appendValue(packed, f.name, elem, e); err != nil {
					return nil, err
				}
			}
			b = append(b, f.tag...)
			return protowire.AppendBytes(b, packed), nil
		}
		for _, e := range list {
			b = append(b, f.tag...)
			if b, err = appendValue(b, f.name, elem, e); err != nil {
				return nil, err
			}
		}
		return b, nil
	case KindMessage:
		// A present message is written even when all of its fields are zero.
		b = append(b, f.tag...)
		return appendValue(b, f.name, f.typ, v)
	}

	zero, err := isZero(f.name, f.typ, v)
	if err != nil || zero {
		return b, err
	}
	b = append(b, f.tag...)
	return appendValue(b, f.name, f.typ, v)
}

func isZero(name string, t *typeCodec, v any) (bool, error) {
	ok := true
	zero := false
	switch t.kind {
	case KindBool:
		var x bool
		x, ok = v.(bool)
		zero = !x
	case KindInt:
		var x int
		x, ok = v.(int)
		zero = x == 0
	case KindInt32, KindSint32:
		var x int32
		x, ok = v.(int32)
		zero = x == 0
	case KindInt64, KindSint64:
		var x int64
		x, ok = v.(int64)
		zero = x == 0
	case KindUint32:
		var x uint32
		x, ok = v.(uint32)
		zero = x == 0
	case KindUint64:
		var x uint64
		x, ok = v.(uint64)
		zero = x == 0
	case KindFloat:
		var x float32
		x, ok = v.(float32)
		zero = math.Float32bits(x) == 0
	case KindDouble:
		var x float64
		x, ok = v.(float64)
		zero = math.Float64bits(x) == 0
	case KindString:
		var x string
		x, ok = v.(string)
		zero = x == ""
	case KindBytes:
		var x []byte
		x, ok = v.([]byte)
		zero = len(x) == 0
	}
	if !ok {
		return false, mismatch(name, t, v)
	}
	return zero, nil
}

// appendValue writes the value of a single element without a tag.
func appendValue(b []byte, name string, t *typeCodec, v any) ([]byte, error) {
	switch t.kind {
	case KindBool:
		if x, ok := v.(bool); ok {
			return protowire.AppendVarint(b, protowire.EncodeBool(x)), nil
		}
	case KindInt:
		if x, ok := v.(int); ok {
			return protowire.AppendVarint(b, uint64(int64(x))), nil
		}
	case KindInt32:
		if x, ok := v.(int32); ok {
			return protowire.AppendVarint(b, uint64(int64(x))), nil
		}
	case KindInt64:
		if x, ok := v.(int64); ok {
			return protowire.AppendVarint(b, uint64(x)), nil
		}
	case KindUint32:
		if x, ok := v.(uint32); ok {
			return protowire.AppendVarint(b, uint64(x)), nil
		}
	case KindUint64:
		if x, ok := v.(uint64); ok {
			return protowire.AppendVarint(b, x), nil
		}
	case KindSint32:
		if x, ok := v.(int32); ok {
			return protowire.AppendVarint(b, protowire.EncodeZigZag(int64(x))), nil
		}
	case KindSint64:
		if x, ok := v.(int64); ok {
			return protowire.AppendVarint(b, protowire.EncodeZigZag(x)), nil
		}
	case KindFloat:
		if x, ok := v.(float32); ok {
			return protowire.AppendFixed32(b, math.Float32bits(x)), nil
		}
	case KindDouble:
		if x, ok := v.(float64); ok {
			return protowire.AppendFixed64(b, math.Float64bits(x)), nil
		}
	case KindString:
		if x, ok := v.(string); ok {
			return protowire.AppendString(b, x), nil
		}
	case KindBytes:
		if x, ok := v.([]byte); ok {
			return protowire.AppendBytes(b, x), nil
		}
	case KindMessage:
		if v == nil {
			return protowire.AppendVarint(b, 0), nil
		}
		m, err := asMessage(name, v)
		if err != nil {
			return nil, err
		}
		inner, err := appendMessage(nil, t.msg, m)
		if err != nil {
			return nil, err
		}
		return protowire.AppendBytes(b, inner), nil
	}
	return nil, mismatch(name, t, v)
}

// consumeMessage parses b as a message of type mc. Unknown fields are skipped.
func consumeMessage(b []byte, mc *messageCodec) (Message, error) {
	m := zeroMessage(mc, nil)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, rpcerror.CodecMismatch("message %s: %v", mc.name, protowire.ParseError(n))
		}
		b = b[n:]
		f, ok := mc.byNumber[num]
		if !ok {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, rpcerror.CodecMismatch("message %s unknown field %d: %v", mc.name, num, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		v, n, err := consumeField(b, f, typ, m[f.name])
		if err != nil {
			return nil, err
		}
		m[f.name] = v
		b = b[n:]
	}
	return m, nil
}

func consumeField(b []byte, f *fieldCodec, wt protowire.Type, current any) (any, int, error) {
	t := f.typ
	if t.kind != KindList {
		if wt != t.wireType() {
			return nil, 0, rpcerror.CodecMismatch("field %q: wire type %d does not match %s", f.name, wt, t.name)
		}
		return consumeValue(b, f.name, t)
	}

	list, _ := current.([]any)
	elem := t.elem
	// Packed and unpacked encodings are both accepted for numeric elements.
	if wt == protowire.BytesType && elem.packable() {
		packed, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, 0, rpcerror.CodecMismatch("field %q: %v", f.name, protowire.ParseError(n))
		}
		for len(packed) > 0 {
			v, m, err := consumeValue(packed, f.name, elem)
			if err != nil {
				return nil, 0, err
			}
			list = append(list, v)
			packed = packed[m:]
		}
		return list, n, nil
	}
	if wt != elem.wireType() {
		return nil, 0, rpcerror.CodecMismatch("field %q: wire type %d does not match %s", f.name, wt, t.name)
	}
	v, n, err := consumeValue(b, f.name, elem)
	if err != nil {
		return nil, 0, err
	}
	return append(list, v), n, nil
}

func consumeValue(b []byte, name string, t *typeCodec) (any, int, error) {
	var (
		v any
		n int
	)
	switch t.wireType() {
	case protowire.VarintType:
		var x uint64
		x, n = protowire.ConsumeVarint(b)
		if n >= 0 {
			v = fromVarint(t.kind, x)
		}
	case protowire.Fixed32Type:
		var x uint32
		x, n = protowire.ConsumeFixed32(b)
		v = math.Float32frombits(x)
	case protowire.Fixed64Type:
		var x uint64
		x, n = protowire.ConsumeFixed64(b)
		v = math.Float64frombits(x)
	default:
		var raw []byte
		raw, n = protowire.ConsumeBytes(b)
		if n < 0 {
			break
		}
		switch t.kind {
		case KindString:
			v = string(raw)
		case KindBytes:
			v = append([]byte{}, raw...)
		case KindMessage:
			m, err := consumeMessage(raw, t.msg)
			if err != nil {
				return nil, 0, err
			}
			v = m
		}
	}
	if n < 0 {
		return nil, 0, rpcerror.CodecMismatch("field %q: %v", name, protowire.ParseError(n))
	}
	return v, n, nil
}

func fromVarint(k Kind, x uint64) any {
	switch k {
	case KindBool:
		return protowire.DecodeBool(x)
	case KindInt:
		return int(int64(x))
	case KindInt32:
		return int32(x)
	case KindInt64:
		return int64(x)
	case KindUint32:
		return uint32(x)
	case KindSint32:
		return int32(protowire.DecodeZigZag(x & math.MaxUint32))
	case KindSint64:
		return protowire.DecodeZigZag(x)
	default:
		return x
	}
}

// zeroMessage returns a message with every field set to its zero value.
// A message type nested inside itself stops the recursion with nil.
func zeroMessage(mc *messageCodec, stack []*messageCodec) Message {
	stack = append(stack, mc)
	m := make(Message, len(mc.fields))
	for _, f := range mc.fields {
		m[f.name] = zeroValue(f.typ, stack)
	}
	return m
}

func zeroValue(t *typeCodec, stack []*messageCodec) any {
	switch t.kind {
	case KindBool:
		return false
	case KindInt:
		return 0
	case KindInt32, KindSint32:
		return int32(0)
	case KindInt64, KindSint64:
		return int64(0)
	case KindUint32:
		return uint32(0)
	case KindUint64:
		return uint64(0)
	case KindFloat:
		return float32(0)
	case KindDouble:
		return float64(0)
	case KindString:
		return ""
	case KindBytes:
		return []byte{}
	case KindList:
		return []any{}
	case KindMessage:
		for _, seen := range stack {
			if seen == t.msg {
				return nil
			}
		}
		return zeroMessage(t.msg, stack)
	}
	return nil
}
