package schema

import (
	"sort"

	"google.golang.org/protobuf/encoding/protowire"

	"highway-rpc/rpcerror"
)

// WrapMode says how a slot (the argument list or the result) maps onto the wire message.
type WrapMode uint8

const (
	// WrapArguments encodes a synthetic message whose field i is argument i.
	WrapArguments WrapMode = iota
	// PassthroughArgument encodes a single message-typed value as the wire message itself.
	PassthroughArgument
	// NoValue marks a void result: the payload is empty.
	NoValue
)

func (m WrapMode) String() string {
	switch m {
	case WrapArguments:
		return "wrap"
	case PassthroughArgument:
		return "passthrough"
	default:
		return "none"
	}
}

// DefaultPolicy says how zero values are treated on the wire.
type DefaultPolicy uint8

// OmitDefault skips zero scalars and nil values when encoding; absent fields decode to zero.
const OmitDefault DefaultPolicy = 0

// FieldInfo describes one entry of the argument schema.
type FieldInfo struct {
	Number int
	Name   string
	Type   string
	Policy DefaultPolicy
}

// WireSchema is the precomputed binary form of one operation signature.
// It is immutable after Build and safe for concurrent use.
type WireSchema struct {
	sig *OperationSignature

	argMode  WrapMode
	args     *messageCodec // Synthetic wrapper (WrapArguments) or the argument's own message
	argNames []string      // Positional argument names

	resultMode WrapMode
	result     *messageCodec // Synthetic wrapper or the result's own message, nil for void
}

const resultFieldName = "result"

// Build derives the wire schema of sig. Every argument and the result must resolve
// to a registered or built-in type; argument field numbers must be unique and
// contiguous from 1. Failures are SCHEMA_BUILD errors and should stop startup.
func Build(reg *Registry, sig *OperationSignature) (*WireSchema, error) {
	if sig == nil {
		return nil, rpcerror.SchemaBuild("nil operation signature")
	}
	if sig.Name == "" {
		return nil, rpcerror.SchemaBuild("operation without a name")
	}
	rs := newResolver(reg)
	ws := &WireSchema{sig: sig, argNames: make([]string, len(sig.Arguments))}

	types := make([]*typeCodec, len(sig.Arguments))
	for i, a := range sig.Arguments {
		if a.Name == "" {
			return nil, rpcerror.SchemaBuild("%s: argument %d has no name", sig.QualifiedName(), i)
		}
		t, err := rs.resolve(a.Type)
		if err != nil {
			return nil, rpcerror.SchemaBuild("%s argument %q: %s", sig.QualifiedName(), a.Name, rpcerror.From(err).Message)
		}
		types[i] = t
		ws.argNames[i] = a.Name
	}

	if len(types) == 1 && types[0].kind == KindMessage {
		ws.argMode = PassthroughArgument
		ws.args = types[0].msg
	} else {
		wrapper, err := wrapArguments(sig, types)
		if err != nil {
			return nil, err
		}
		ws.argMode = WrapArguments
		ws.args = wrapper
	}

	switch sig.Result {
	case "", "void":
		ws.resultMode = NoValue
	default:
		t, err := rs.resolve(sig.Result)
		if err != nil {
			return nil, rpcerror.SchemaBuild("%s result: %s", sig.QualifiedName(), rpcerror.From(err).Message)
		}
		if t.kind == KindMessage {
			ws.resultMode = PassthroughArgument
			ws.result = t.msg
		} else {
			ws.resultMode = WrapArguments
			ws.result = syntheticMessage(sig.QualifiedName() + "#result")
			ws.result.add(newFieldCodec(resultFieldName, 1, t))
		}
	}
	return ws, nil
}

func syntheticMessage(name string) *messageCodec {
	return &messageCodec{
		name:     name,
		byNumber: make(map[protowire.Number]*fieldCodec),
		byName:   make(map[string]*fieldCodec),
	}
}

func wrapArguments(sig *OperationSignature, types []*typeCodec) (*messageCodec, error) {
	mc := syntheticMessage(sig.QualifiedName() + "#args")
	numbers := make([]int, 0, len(types))
	for i, a := range sig.Arguments {
		num := a.FieldNumber
		if num == 0 {
			num = i + 1
		}
		if num < 1 {
			return nil, rpcerror.SchemaBuild("%s argument %q: invalid field number %d", sig.QualifiedName(), a.Name, num)
		}
		if _, dup := mc.byName[a.Name]; dup {
			return nil, rpcerror.SchemaBuild("%s: duplicate argument name %q", sig.QualifiedName(), a.Name)
		}
		if other, dup := mc.byNumber[protowire.Number(num)]; dup {
			return nil, rpcerror.SchemaBuild("%s: arguments %q and %q collide on field %d", sig.QualifiedName(), other.name, a.Name, num)
		}
		fc := newFieldCodec(a.Name, num, types[i])
		fc.index = i
		mc.add(fc)
		numbers = append(numbers, num)
	}
	sort.Ints(numbers)
	for i, n := range numbers {
		if n != i+1 {
			return nil, rpcerror.SchemaBuild("%s: argument field numbers must be contiguous from 1, got %v", sig.QualifiedName(), numbers)
		}
	}
	return mc, nil
}

func (s *WireSchema) Signature() *OperationSignature { return s.sig }

func (s *WireSchema) ArgumentMode() WrapMode { return s.argMode }

func (s *WireSchema) ResultMode() WrapMode { return s.resultMode }

// Fields lists the argument schema in argument order. For a passthrough
// argument it lists the message's own fields in number order.
func (s *WireSchema) Fields() []FieldInfo {
	out := make([]FieldInfo, 0, len(s.args.fields))
	if s.argMode == PassthroughArgument {
		for _, f := range s.args.fields {
			out = append(out, FieldInfo{Number: int(f.number), Name: f.name, Type: f.typ.name, Policy: OmitDefault})
		}
		return out
	}
	out = out[:len(s.args.fields)]
	for _, f := range s.args.fields {
		out[f.index] = FieldInfo{Number: int(f.number), Name: f.name, Type: f.typ.name, Policy: OmitDefault}
	}
	return out
}

// EncodeArguments serializes args, which must follow the signature's argument order.
func (s *WireSchema) EncodeArguments(args []any) ([]byte, error) {
	if len(args) != len(s.argNames) {
		return nil, rpcerror.CodecMismatch("%s: expect %d arguments, got %d", s.sig.QualifiedName(), len(s.argNames), len(args))
	}
	if s.argMode == PassthroughArgument {
		if args[0] == nil {
			return []byte{}, nil
		}
		m, err := asMessage(s.argNames[0], args[0])
		if err != nil {
			return nil, err
		}
		return appendMessage(make([]byte, 0, 64), s.args, m)
	}

	b := make([]byte, 0, 16*len(args))
	var err error
	for _, f := range s.args.fields {
		if b, err = appendField(b, f, args[f.index]); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// DecodeArguments parses a request payload into positional arguments.
// Absent arguments come back as their type's zero value.
func (s *WireSchema) DecodeArguments(payload []byte) ([]any, error) {
	m, err := consumeMessage(payload, s.args)
	if err != nil {
		return nil, rpcerror.CodecMismatch("%s arguments: %s", s.sig.QualifiedName(), rpcerror.From(err).Message)
	}
	if s.argMode == PassthroughArgument {
		return []any{m}, nil
	}
	args := make([]any, len(s.argNames))
	for i, name := range s.argNames {
		args[i] = m[name]
	}
	return args, nil
}

// EncodeResult serializes a handler's return value.
func (s *WireSchema) EncodeResult(v any) ([]byte, error) {
	switch s.resultMode {
	case NoValue:
		return []byte{}, nil
	case PassthroughArgument:
		if v == nil {
			return []byte{}, nil
		}
		m, err := asMessage(resultFieldName, v)
		if err != nil {
			return nil, err
		}
		return appendMessage(make([]byte, 0, 64), s.result, m)
	default:
		return appendField(make([]byte, 0, 16), s.result.fields[0], v)
	}
}

// DecodeResult parses a response payload. A void operation always yields nil.
func (s *WireSchema) DecodeResult(payload []byte) (any, error) {
	if s.resultMode == NoValue {
		return nil, nil
	}
	m, err := consumeMessage(payload, s.result)
	if err != nil {
		return nil, rpcerror.CodecMismatch("%s result: %s", s.sig.QualifiedName(), rpcerror.From(err).Message)
	}
	if s.resultMode == PassthroughArgument {
		return m, nil
	}
	return m[resultFieldName], nil
}
