package schema

import (
	"strings"
	"sync"

	"google.golang.org/protobuf/encoding/protowire"

	"highway-rpc/rpcerror"
)

// Kind is the wire category of a type.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindBool
	KindInt // Go int, varint on the wire
	KindInt32
	KindInt64
	KindUint32
	KindUint64
	KindSint32
	KindSint64
	KindFloat
	KindDouble
	KindString
	KindBytes
	KindMessage
	KindList
)

var scalarKinds = map[string]Kind{
	"bool":   KindBool,
	"int":    KindInt,
	"int32":  KindInt32,
	"int64":  KindInt64,
	"uint32": KindUint32,
	"uint64": KindUint64,
	"sint32": KindSint32,
	"sint64": KindSint64,
	"float":  KindFloat,
	"double": KindDouble,
	"string": KindString,
	"bytes":  KindBytes,
}

// typeCodec is a resolved type.
type typeCodec struct {
	name string
	kind Kind
	elem *typeCodec    // KindList
	msg  *messageCodec // KindMessage
}

func (t *typeCodec) wireType() protowire.Type {
	switch t.kind {
	case KindFloat:
		return protowire.Fixed32Type
	case KindDouble:
		return protowire.Fixed64Type
	case KindString, KindBytes, KindMessage, KindList:
		return protowire.BytesType
	default:
		return protowire.VarintType
	}
}

// packable reports whether a list of this element type uses the packed encoding.
func (t *typeCodec) packable() bool {
	switch t.kind {
	case KindString, KindBytes, KindMessage, KindList:
		return false
	}
	return true
}

type messageCodec struct {
	name     string
	fields   []*fieldCodec // Ascending field number
	byNumber map[protowire.Number]*fieldCodec
	byName   map[string]*fieldCodec
}

type fieldCodec struct {
	name   string
	number protowire.Number
	typ    *typeCodec
	tag    []byte // Precomputed tag bytes: field number + wire type
	index  int    // Argument position (synthetic argument messages only)
}

func newFieldCodec(name string, number int, typ *typeCodec) *fieldCodec {
	wt := typ.wireType()
	if typ.kind == KindList && !typ.elem.packable() {
		wt = typ.elem.wireType()
	}
	num := protowire.Number(number)
	return &fieldCodec{
		name:   name,
		number: num,
		typ:    typ,
		tag:    protowire.AppendTag(nil, num, wt),
	}
}

// Registry holds the message types that schemas may refer to. Scalars and list<T> are built in.
// A Registry is an explicit object so independent runtimes in one process never share state.
type Registry struct {
	mu       sync.RWMutex
	messages map[string]MessageType
}

// NewRegistry creates a registry that knows only the built-in scalar types.
func NewRegistry() *Registry {
	return &Registry{messages: make(map[string]MessageType)}
}

// RegisterMessage adds a message type. Field numbers must be unique and valid,
// field names unique. Field types are resolved when a schema is built, so
// message types may refer to each other in any registration order.
func (r *Registry) RegisterMessage(mt MessageType) error {
	if mt.Name == "" {
		return rpcerror.SchemaBuild("message type without a name")
	}
	if _, ok := scalarKinds[mt.Name]; ok || strings.HasPrefix(mt.Name, "list<") {
		return rpcerror.SchemaBuild("message type %q shadows a built-in type", mt.Name)
	}
	numbers := make(map[int]string, len(mt.Fields))
	names := make(map[string]bool, len(mt.Fields))
	for _, f := range mt.Fields {
		if f.Name == "" {
			return rpcerror.SchemaBuild("message %s: field without a name", mt.Name)
		}
		if names[f.Name] {
			return rpcerror.SchemaBuild("message %s: duplicate field name %q", mt.Name, f.Name)
		}
		names[f.Name] = true
		if f.Number < int(protowire.MinValidNumber) || f.Number > int(protowire.MaxValidNumber) {
			return rpcerror.SchemaBuild("message %s: field %q has invalid number %d", mt.Name, f.Name, f.Number)
		}
		if other, ok := numbers[f.Number]; ok {
			return rpcerror.SchemaBuild("message %s: fields %q and %q collide on number %d", mt.Name, other, f.Name, f.Number)
		}
		numbers[f.Number] = f.Name
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.messages[mt.Name]; ok {
		return rpcerror.SchemaBuild("message type %q already registered", mt.Name)
	}
	fields := make([]Field, len(mt.Fields))
	copy(fields, mt.Fields)
	r.messages[mt.Name] = MessageType{Name: mt.Name, Fields: fields}
	return nil
}

// Has reports whether typeName resolves to a known type.
func (r *Registry) Has(typeName string) bool {
	_, err := newResolver(r).resolve(typeName)
	return err == nil
}

func (r *Registry) message(name string) (MessageType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mt, ok := r.messages[name]
	return mt, ok
}

// resolver turns type names into codecs for one schema build.
// The memo makes recursive message types terminate.
type resolver struct {
	reg  *Registry
	memo map[string]*messageCodec
}

func newResolver(reg *Registry) *resolver {
	return &resolver{reg: reg, memo: make(map[string]*messageCodec)}
}

func (rs *resolver) resolve(name string) (*typeCodec, error) {
	name = strings.TrimSpace(name)
	if kind, ok := scalarKinds[name]; ok {
		return &typeCodec{name: name, kind: kind}, nil
	}
	if strings.HasPrefix(name, "list<") && strings.HasSuffix(name, ">") {
		inner := strings.TrimSuffix(strings.TrimPrefix(name, "list<"), ">")
		elem, err := rs.resolve(inner)
		if err != nil {
			return nil, err
		}
		if elem.kind == KindList {
			return nil, rpcerror.SchemaBuild("nested list type %q is not encodable", name)
		}
		return &typeCodec{name: name, kind: KindList, elem: elem}, nil
	}
	if rs.reg == nil {
		return nil, rpcerror.SchemaBuild("no codec registered for type %q", name)
	}
	if mc, ok := rs.memo[name]; ok {
		return &typeCodec{name: name, kind: KindMessage, msg: mc}, nil
	}
	mt, ok := rs.reg.message(name)
	if !ok {
		return nil, rpcerror.SchemaBuild("no codec registered for type %q", name)
	}

	mc := &messageCodec{
		name:     name,
		byNumber: make(map[protowire.Number]*fieldCodec, len(mt.Fields)),
		byName:   make(map[string]*fieldCodec, len(mt.Fields)),
	}
	rs.memo[name] = mc
	for _, f := range mt.Fields {
		ft, err := rs.resolve(f.Type)
		if err != nil {
			return nil, rpcerror.SchemaBuild("message %s field %q: %s", name, f.Name, rpcerror.From(err).Message)
		}
		mc.add(newFieldCodec(f.Name, f.Number, ft))
	}
	return &typeCodec{name: name, kind: KindMessage, msg: mc}, nil
}

// add inserts fc keeping fields ordered by number.
func (mc *messageCodec) add(fc *fieldCodec) {
	i := len(mc.fields)
	for i > 0 && mc.fields[i-1].number > fc.number {
		i--
	}
	mc.fields = append(mc.fields, nil)
	copy(mc.fields[i+1:], mc.fields[i:])
	mc.fields[i] = fc
	mc.byNumber[fc.number] = fc
	mc.byName[fc.name] = fc
}
