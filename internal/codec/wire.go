package codec

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/godbus/dbus/v5"
	"google.golang.org/protobuf/types/known/structpb"
)

// ToList converts a call body to a protobuf list value. 64-bit integers are
// carried as decimal strings so they survive the float64 number encoding.
func ToList(body []any) (*structpb.ListValue, error) {
	out := &structpb.ListValue{Values: make([]*structpb.Value, 0, len(body))}
	for i, v := range body {
		pv, err := toValue(reflect.ValueOf(v))
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out.Values = append(out.Values, pv)
	}
	return out, nil
}

// FromList restores a body from its list value using sig.
func FromList(sig string, l *structpb.ListValue) ([]any, error) {
	types, err := Split(sig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArgumentMismatch, err)
	}
	vals := l.GetValues()
	if len(types) != len(vals) {
		return nil, fmt.Errorf("%w: signature %q has %d types, body has %d values", ErrArgumentMismatch, sig, len(types), len(vals))
	}
	out := make([]any, len(vals))
	for i, t := range types {
		rv, err := fromValue(t, vals[i])
		if err != nil {
			return nil, fmt.Errorf("%w: argument %d: %v", ErrArgumentMismatch, i, err)
		}
		out[i] = rv.Interface()
	}
	return out, nil
}

func toValue(v reflect.Value) (*structpb.Value, error) {
	if !v.IsValid() {
		return nil, fmt.Errorf("%w: nil", ErrUnsupportedType)
	}
	switch v.Type() {
	case variantType:
		vr := v.Interface().(dbus.Variant)
		inner, err := toValue(reflect.ValueOf(vr.Value()))
		if err != nil {
			return nil, err
		}
		return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"s": structpb.NewStringValue(vr.Signature().String()),
			"v": inner,
		}}), nil
	case signatureType:
		return structpb.NewStringValue(v.Interface().(dbus.Signature).String()), nil
	}
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return nil, fmt.Errorf("%w: nil %s", ErrUnsupportedType, v.Type())
		}
		return toValue(v.Elem())
	case reflect.Bool:
		return structpb.NewBoolValue(v.Bool()), nil
	case reflect.Uint8, reflect.Int16, reflect.Uint16, reflect.Int32, reflect.Uint32:
		if v.CanInt() {
			return structpb.NewNumberValue(float64(v.Int())), nil
		}
		return structpb.NewNumberValue(float64(v.Uint())), nil
	case reflect.Int64:
		return structpb.NewStringValue(strconv.FormatInt(v.Int(), 10)), nil
	case reflect.Uint64:
		return structpb.NewStringValue(strconv.FormatUint(v.Uint(), 10)), nil
	case reflect.Float64:
		return structpb.NewNumberValue(v.Float()), nil
	case reflect.String:
		return structpb.NewStringValue(v.String()), nil
	case reflect.Slice, reflect.Array:
		l := &structpb.ListValue{Values: make([]*structpb.Value, 0, v.Len())}
		for i := 0; i < v.Len(); i++ {
			e, err := toValue(v.Index(i))
			if err != nil {
				return nil, err
			}
			l.Values = append(l.Values, e)
		}
		return structpb.NewListValue(l), nil
	case reflect.Map:
		// Dict keys are not always strings, so entries travel as [k, v] pairs.
		l := &structpb.ListValue{Values: make([]*structpb.Value, 0, v.Len())}
		iter := v.MapRange()
		for iter.Next() {
			k, err := toValue(iter.Key())
			if err != nil {
				return nil, err
			}
			e, err := toValue(iter.Value())
			if err != nil {
				return nil, err
			}
			l.Values = append(l.Values, structpb.NewListValue(&structpb.ListValue{Values: []*structpb.Value{k, e}}))
		}
		return structpb.NewListValue(l), nil
	case reflect.Struct:
		t := v.Type()
		l := &structpb.ListValue{}
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() || f.Tag.Get("dbus") == "-" {
				continue
			}
			e, err := toValue(v.Field(i))
			if err != nil {
				return nil, err
			}
			l.Values = append(l.Values, e)
		}
		return structpb.NewListValue(l), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, v.Type())
}

func fromValue(sig string, pv *structpb.Value) (reflect.Value, error) {
	t, err := typeOf(sig)
	if err != nil {
		return reflect.Value{}, err
	}
	switch sig[0] {
	case 'b':
		b, ok := pv.GetKind().(*structpb.Value_BoolValue)
		if !ok {
			return reflect.Value{}, fmt.Errorf("expected boolean for %q", sig)
		}
		return reflect.ValueOf(b.BoolValue), nil
	case 'y', 'n', 'q', 'i', 'u':
		f, err := integral(pv, sig)
		if err != nil {
			return reflect.Value{}, err
		}
		rv := reflect.New(t).Elem()
		if rv.CanInt() {
			if rv.OverflowInt(int64(f)) {
				return reflect.Value{}, fmt.Errorf("%v overflows %q", f, sig)
			}
			rv.SetInt(int64(f))
		} else {
			if f < 0 || rv.OverflowUint(uint64(f)) {
				return reflect.Value{}, fmt.Errorf("%v overflows %q", f, sig)
			}
			rv.SetUint(uint64(f))
		}
		return rv, nil
	case 'x':
		n, err := strconv.ParseInt(numberText(pv), 10, 64)
		if err != nil {
			return reflect.Value{}, fmt.Errorf("expected int64: %v", err)
		}
		return reflect.ValueOf(n), nil
	case 't':
		n, err := strconv.ParseUint(numberText(pv), 10, 64)
		if err != nil {
			return reflect.Value{}, fmt.Errorf("expected uint64: %v", err)
		}
		return reflect.ValueOf(n), nil
	case 'd':
		n, ok := pv.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return reflect.Value{}, fmt.Errorf("expected number for %q", sig)
		}
		return reflect.ValueOf(n.NumberValue), nil
	case 's', 'o', 'g':
		s, ok := pv.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return reflect.Value{}, fmt.Errorf("expected string for %q", sig)
		}
		switch sig[0] {
		case 'o':
			p := dbus.ObjectPath(s.StringValue)
			if !p.IsValid() {
				return reflect.Value{}, fmt.Errorf("invalid object path %q", s.StringValue)
			}
			return reflect.ValueOf(p), nil
		case 'g':
			g, err := dbus.ParseSignature(s.StringValue)
			if err != nil {
				return reflect.Value{}, err
			}
			return reflect.ValueOf(g), nil
		}
		return reflect.ValueOf(s.StringValue), nil
	case 'v':
		st := pv.GetStructValue()
		if st == nil {
			return reflect.Value{}, fmt.Errorf("expected variant object")
		}
		inner := st.GetFields()["s"].GetStringValue()
		isig, err := dbus.ParseSignature(inner)
		if err != nil || inner == "" {
			return reflect.Value{}, fmt.Errorf("bad variant signature %q", inner)
		}
		iv, err := fromValue(inner, st.GetFields()["v"])
		if err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(dbus.MakeVariantWithSignature(iv.Interface(), isig)), nil
	case '(':
		members, err := Split(sig[1 : len(sig)-1])
		if err != nil {
			return reflect.Value{}, err
		}
		vals := pv.GetListValue().GetValues()
		if len(vals) != len(members) {
			return reflect.Value{}, fmt.Errorf("struct %q expects %d fields, got %d", sig, len(members), len(vals))
		}
		out := make([]any, len(vals))
		for i, m := range members {
			e, err := fromValue(m, vals[i])
			if err != nil {
				return reflect.Value{}, err
			}
			out[i] = e.Interface()
		}
		return reflect.ValueOf(out), nil
	case 'a':
		vals := pv.GetListValue().GetValues()
		if len(sig) > 1 && sig[1] == '{' {
			ks, vs, err := dictTypes(sig[1:])
			if err != nil {
				return reflect.Value{}, err
			}
			m := reflect.MakeMapWithSize(t, len(vals))
			for _, entry := range vals {
				pair := entry.GetListValue().GetValues()
				if len(pair) != 2 {
					return reflect.Value{}, fmt.Errorf("dict entry must have 2 elements")
				}
				k, err := fromValue(ks, pair[0])
				if err != nil {
					return reflect.Value{}, err
				}
				e, err := fromValue(vs, pair[1])
				if err != nil {
					return reflect.Value{}, err
				}
				m.SetMapIndex(k, e)
			}
			return m, nil
		}
		s := reflect.MakeSlice(t, 0, len(vals))
		for _, e := range vals {
			ev, err := fromValue(sig[1:], e)
			if err != nil {
				return reflect.Value{}, err
			}
			s = reflect.Append(s, ev)
		}
		return s, nil
	}
	return reflect.Value{}, fmt.Errorf("%w: %q", ErrUnsupportedType, sig)
}

func integral(pv *structpb.Value, sig string) (float64, error) {
	n, ok := pv.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, fmt.Errorf("expected number for %q", sig)
	}
	if math.Trunc(n.NumberValue) != n.NumberValue {
		return 0, fmt.Errorf("expected integer for %q, got %v", sig, n.NumberValue)
	}
	return n.NumberValue, nil
}

func numberText(pv *structpb.Value) string {
	switch k := pv.GetKind().(type) {
	case *structpb.Value_StringValue:
		return strings.TrimSpace(k.StringValue)
	case *structpb.Value_NumberValue:
		return strconv.FormatFloat(k.NumberValue, 'f', -1, 64)
	}
	return ""
}
