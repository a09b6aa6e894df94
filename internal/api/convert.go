package api

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/spikenet/model"
)

// maxExactInt is the largest integer a protobuf number carries exactly.
const maxExactInt = 1 << 53

// BindingError reports a value that cannot cross the RPC boundary. It is
// not a kernel error: the request never reached the kernel.
type BindingError struct {
	Path   string
	Reason string
}

func (e *BindingError) Error() string {
	if e.Path == "" {
		return "binding: " + e.Reason
	}
	return fmt.Sprintf("binding %s: %s", e.Path, e.Reason)
}

func bindErr(path, format string, args ...any) *BindingError {
	return &BindingError{Path: path, Reason: fmt.Sprintf(format, args...)}
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

// ToProto converts a kernel value. Integers beyond 2^53 cannot be
// represented and are rejected.
func ToProto(v model.Value) (*structpb.Value, error) {
	return toProto("", v)
}

func toProto(path string, v model.Value) (*structpb.Value, error) {
	switch v.Kind() {
	case model.KindNull:
		return structpb.NewNullValue(), nil
	case model.KindBool:
		b, _ := v.AsBool()
		return structpb.NewBoolValue(b), nil
	case model.KindInt:
		i, _ := v.AsInt()
		if i > maxExactInt || i < -maxExactInt {
			return nil, bindErr(path, "integer %d does not fit a protobuf number", i)
		}
		return structpb.NewNumberValue(float64(i)), nil
	case model.KindDouble:
		f, _ := v.AsFloat()
		return structpb.NewNumberValue(f), nil
	case model.KindString:
		s, _ := v.AsString()
		return structpb.NewStringValue(s), nil
	case model.KindList:
		items, _ := v.AsList()
		out := make([]*structpb.Value, len(items))
		for i, it := range items {
			pv, err := toProto(fmt.Sprintf("%s[%d]", path, i), it)
			if err != nil {
				return nil, err
			}
			out[i] = pv
		}
		return structpb.NewListValue(&structpb.ListValue{Values: out}), nil
	case model.KindDict:
		d, _ := v.AsDict()
		s, err := dictToStruct(path, d)
		if err != nil {
			return nil, err
		}
		return structpb.NewStructValue(s), nil
	}
	return nil, bindErr(path, "unsupported value kind %s", v.Kind())
}

// DictToStruct converts a kernel dictionary.
func DictToStruct(d model.Dict) (*structpb.Struct, error) {
	return dictToStruct("", d)
}

func dictToStruct(path string, d model.Dict) (*structpb.Struct, error) {
	fields := make(map[string]*structpb.Value, len(d))
	for key, v := range d {
		pv, err := toProto(join(path, key), v)
		if err != nil {
			return nil, err
		}
		fields[key] = pv
	}
	return &structpb.Struct{Fields: fields}, nil
}

// FromProto converts a protobuf value. Numbers become doubles; the kernel
// accepts integral doubles wherever it expects an integer.
func FromProto(pv *structpb.Value) (model.Value, error) {
	return fromProto("", pv)
}

func fromProto(path string, pv *structpb.Value) (model.Value, error) {
	if pv == nil {
		return model.Null(), nil
	}
	switch k := pv.GetKind().(type) {
	case nil, *structpb.Value_NullValue:
		return model.Null(), nil
	case *structpb.Value_BoolValue:
		return model.Bool(k.BoolValue), nil
	case *structpb.Value_NumberValue:
		return model.Float(k.NumberValue), nil
	case *structpb.Value_StringValue:
		return model.String(k.StringValue), nil
	case *structpb.Value_ListValue:
		items := k.ListValue.GetValues()
		out := make([]model.Value, len(items))
		for i, it := range items {
			v, err := fromProto(fmt.Sprintf("%s[%d]", path, i), it)
			if err != nil {
				return model.Value{}, err
			}
			out[i] = v
		}
		return model.List(out...), nil
	case *structpb.Value_StructValue:
		d, err := structToDict(path, k.StructValue)
		if err != nil {
			return model.Value{}, err
		}
		return model.DictValue(d), nil
	}
	return model.Value{}, bindErr(path, "unsupported protobuf value %T", pv.GetKind())
}

// StructToDict converts a protobuf struct; nil yields an empty dictionary.
func StructToDict(s *structpb.Struct) (model.Dict, error) {
	return structToDict("", s)
}

func structToDict(path string, s *structpb.Struct) (model.Dict, error) {
	d := make(model.Dict, len(s.GetFields()))
	for key, pv := range s.GetFields() {
		v, err := fromProto(join(path, key), pv)
		if err != nil {
			return nil, err
		}
		d[key] = v
	}
	return d, nil
}

// collectionValue is the wire form of a node collection: its spans and the
// kernel epoch it belongs to.
func collectionValue(nc model.NodeCollection) model.Value {
	spans := nc.Spans()
	items := make([]model.Value, len(spans))
	for i, s := range spans {
		items[i] = model.DictValue(model.Dict{
			"first": model.Int(int64(s.First)),
			"count": model.Int(int64(s.Count)),
			"step":  model.Int(int64(s.Step)),
		})
	}
	return model.DictValue(model.Dict{
		"spans": model.List(items...),
		"epoch": model.Int(int64(nc.Epoch())),
	})
}

func collectionFromValue(path string, v model.Value) (model.NodeCollection, error) {
	spans, epoch, err := spansFromValue(path, v)
	if err != nil {
		return model.NodeCollection{}, err
	}
	// span validity is a kernel concern and reported as such
	return model.FromSpans(spans, epoch)
}

// spansFromValue decodes the wire form of a node collection without
// expanding it.
func spansFromValue(path string, v model.Value) ([]model.Span, uint64, error) {
	d, err := v.AsDict()
	if err != nil {
		return nil, 0, bindErr(path, "node collection must be a struct")
	}
	epoch, err := d["epoch"].AsInt()
	if err != nil || epoch < 0 {
		return nil, 0, bindErr(join(path, "epoch"), "missing or invalid")
	}
	items, err := d["spans"].AsList()
	if err != nil {
		return nil, 0, bindErr(join(path, "spans"), "must be a list")
	}
	spans := make([]model.Span, len(items))
	for i, it := range items {
		sd, err := it.AsDict()
		if err != nil {
			return nil, 0, bindErr(fmt.Sprintf("%s.spans[%d]", path, i), "must be a struct")
		}
		var fields [3]int64
		for j, key := range []string{"first", "count", "step"} {
			x, err := sd[key].AsInt()
			if err != nil || x < 0 {
				return nil, 0, bindErr(fmt.Sprintf("%s.spans[%d].%s", path, i, key), "must be a non-negative integer")
			}
			fields[j] = x
		}
		spans[i] = model.Span{First: model.NodeID(fields[0]), Count: int(fields[1]), Step: model.NodeID(fields[2])}
	}
	return spans, uint64(epoch), nil
}

func floatField(d model.Dict, key string) (float64, error) {
	f, err := d[key].AsFloat()
	if err != nil || math.IsNaN(f) {
		return 0, bindErr(key, "must be a number")
	}
	return f, nil
}

func intField(d model.Dict, key string) (int, error) {
	i, err := d[key].AsInt()
	if err != nil {
		return 0, bindErr(key, "must be an integer")
	}
	return int(i), nil
}

func stringField(d model.Dict, key string) (string, error) {
	s, err := d[key].AsString()
	if err != nil {
		return "", bindErr(key, "must be a string")
	}
	return s, nil
}

// dictField reads an optional nested dictionary.
func dictField(d model.Dict, key string) (model.Dict, error) {
	v, ok := d[key]
	if !ok || v.IsNull() {
		return model.Dict{}, nil
	}
	sub, err := v.AsDict()
	if err != nil {
		return nil, bindErr(key, "must be a struct")
	}
	return sub, nil
}

func stringsField(d model.Dict, key string) ([]string, error) {
	v, ok := d[key]
	if !ok || v.IsNull() {
		return nil, nil
	}
	items, err := v.AsList()
	if err != nil {
		return nil, bindErr(key, "must be a list of strings")
	}
	out := make([]string, len(items))
	for i, it := range items {
		if out[i], err = it.AsString(); err != nil {
			return nil, bindErr(fmt.Sprintf("%s[%d]", key, i), "must be a string")
		}
	}
	return out, nil
}

func dictsValue(ds []model.Dict) model.Value {
	items := make([]model.Value, len(ds))
	for i, d := range ds {
		items[i] = model.DictValue(d)
	}
	return model.List(items...)
}

func dictsField(d model.Dict, key string) ([]model.Dict, error) {
	items, err := d[key].AsList()
	if err != nil {
		return nil, bindErr(key, "must be a list of structs")
	}
	out := make([]model.Dict, len(items))
	for i, it := range items {
		if out[i], err = it.AsDict(); err != nil {
			return nil, bindErr(fmt.Sprintf("%s[%d]", key, i), "must be a struct")
		}
	}
	return out, nil
}
