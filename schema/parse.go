package schema

import (
	"encoding/base64"
	"strconv"
	"strings"

	"highway-rpc/rpcerror"
)

// ParseScalar converts the text form of a scalar (as typed on a command line) to
// the Go value the codec expects for typeName. list<T> takes comma separated elements.
func ParseScalar(typeName, s string) (any, error) {
	typeName = strings.TrimSpace(typeName)
	if strings.HasPrefix(typeName, "list<") && strings.HasSuffix(typeName, ">") {
		elem := strings.TrimSuffix(strings.TrimPrefix(typeName, "list<"), ">")
		out := []any{}
		if s == "" {
			return out, nil
		}
		for _, part := range strings.Split(s, ",") {
			v, err := ParseScalar(elem, strings.TrimSpace(part))
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	}

	var (
		v   any
		err error
	)
	switch scalarKinds[typeName] {
	case KindBool:
		v, err = strconv.ParseBool(s)
	case KindInt:
		v, err = strconv.Atoi(s)
	case KindInt32, KindSint32:
		var x int64
		x, err = strconv.ParseInt(s, 10, 32)
		v = int32(x)
	case KindInt64, KindSint64:
		v, err = strconv.ParseInt(s, 10, 64)
	case KindUint32:
		var x uint64
		x, err = strconv.ParseUint(s, 10, 32)
		v = uint32(x)
	case KindUint64:
		v, err = strconv.ParseUint(s, 10, 64)
	case KindFloat:
		var x float64
		x, err = strconv.ParseFloat(s, 32)
		v = float32(x)
	case KindDouble:
		v, err = strconv.ParseFloat(s, 64)
	case KindString:
		v = s
	case KindBytes:
		v, err = base64.StdEncoding.DecodeString(s)
	default:
		return nil, rpcerror.CodecMismatch("type %q has no text form", typeName)
	}
	if err != nil {
		return nil, rpcerror.Wrap(rpcerror.CodeCodecMismatch, err, "parse %q as %s", s, typeName)
	}
	return v, nil
}

// ParseValue is ParseScalar extended to the message types of r. A message is
// written as name=value pairs separated by ';', e.g. "x=3;y=4". Fields left out
// decode as their zero values on the other side.
func (r *Registry) ParseValue(typeName, s string) (any, error) {
	mt, ok := r.message(strings.TrimSpace(typeName))
	if !ok {
		return ParseScalar(typeName, s)
	}
	out := Message{}
	if strings.TrimSpace(s) == "" {
		return out, nil
	}
	for _, pair := range strings.Split(s, ";") {
		name, text, found := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !found {
			return nil, rpcerror.CodecMismatch("message %s: %q is not name=value", mt.Name, pair)
		}
		var field *Field
		for i := range mt.Fields {
			if mt.Fields[i].Name == name {
				field = &mt.Fields[i]
				break
			}
		}
		if field == nil {
			return nil, rpcerror.CodecMismatch("message %s has no field %q", mt.Name, name)
		}
		v, err := r.ParseValue(field.Type, strings.TrimSpace(text))
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}
