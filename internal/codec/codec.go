// Package codec converts between argument tuples and their type-tagged
// forms. Type tags are D-Bus signatures; the local transport carries values
// as protobuf struct values and relies on the signature to restore the exact
// Go types a bus connection would have produced.
package codec

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/godbus/dbus/v5"
)

// ErrArgumentMismatch reports an arity or type-tag mismatch between a call
// body and a declared signature.
var ErrArgumentMismatch = errors.New("codec: argument mismatch")

// ErrUnsupportedType reports a Go type without a signature.
var ErrUnsupportedType = errors.New("codec: unsupported type")

// SignatureOf returns the signature of values, turning godbus panics on
// unsupported types into errors.
func SignatureOf(values ...any) (sig string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrUnsupportedType, r)
		}
	}()
	return dbus.SignatureOf(values...).String(), nil
}

// SignatureOfType is SignatureOf for a reflect.Type.
func SignatureOfType(t reflect.Type) (sig string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrUnsupportedType, r)
		}
	}()
	return dbus.SignatureOfType(t).String(), nil
}

// Check verifies that body matches the declared signature exactly. actual is
// the signature the body arrived with; when empty it is derived from the
// values, which cannot tell decoded structs apart from variant arrays.
func Check(declared, actual string, body []any) error {
	want, err := Split(declared)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrArgumentMismatch, err)
	}
	if len(want) != len(body) {
		return fmt.Errorf("%w: expected %d arguments (%q), got %d", ErrArgumentMismatch, len(want), declared, len(body))
	}
	got := actual
	if got == "" {
		if got, err = SignatureOf(body...); err != nil {
			return fmt.Errorf("%w: %v", ErrArgumentMismatch, err)
		}
	}
	if got != declared {
		return fmt.Errorf("%w: expected signature %q, got %q", ErrArgumentMismatch, declared, got)
	}
	return nil
}

// Store copies body into dest pointers using godbus conversion rules.
func Store(body []any, dest ...any) error {
	if err := dbus.Store(body, dest...); err != nil {
		return fmt.Errorf("%w: %v", ErrArgumentMismatch, err)
	}
	return nil
}

// Split breaks a signature into its complete types.
func Split(sig string) ([]string, error) {
	if sig == "" {
		return nil, nil
	}
	if _, err := dbus.ParseSignature(sig); err != nil {
		return nil, err
	}
	var out []string
	for len(sig) > 0 {
		n, err := typeLen(sig)
		if err != nil {
			return nil, err
		}
		out = append(out, sig[:n])
		sig = sig[n:]
	}
	return out, nil
}

func typeLen(sig string) (int, error) {
	if sig == "" {
		return 0, errors.New("codec: truncated signature")
	}
	switch sig[0] {
	case 'y', 'b', 'n', 'q', 'i', 'u', 'x', 't', 'd', 's', 'o', 'g', 'v', 'h':
		return 1, nil
	case 'a':
		n, err := typeLen(sig[1:])
		if err != nil {
			return 0, err
		}
		return n + 1, nil
	case '(', '{':
		closer := byte(')')
		if sig[0] == '{' {
			closer = '}'
		}
		i := 1
		for i < len(sig) && sig[i] != closer {
			n, err := typeLen(sig[i:])
			if err != nil {
				return 0, err
			}
			i += n
		}
		if i >= len(sig) {
			return 0, fmt.Errorf("codec: unterminated %q", sig)
		}
		return i + 1, nil
	default:
		return 0, fmt.Errorf("codec: unknown type code %q", sig[0])
	}
}

var (
	variantType    = reflect.TypeOf(dbus.Variant{})
	objectPathType = reflect.TypeOf(dbus.ObjectPath(""))
	signatureType  = reflect.TypeOf(dbus.Signature{})
	interfacesType = reflect.TypeOf([]any{})
)

// typeOf returns the Go type a bus connection decodes sig into.
func typeOf(sig string) (reflect.Type, error) {
	switch sig[0] {
	case 'y':
		return reflect.TypeOf(byte(0)), nil
	case 'b':
		return reflect.TypeOf(false), nil
	case 'n':
		return reflect.TypeOf(int16(0)), nil
	case 'q':
		return reflect.TypeOf(uint16(0)), nil
	case 'i':
		return reflect.TypeOf(int32(0)), nil
	case 'u':
		return reflect.TypeOf(uint32(0)), nil
	case 'x':
		return reflect.TypeOf(int64(0)), nil
	case 't':
		return reflect.TypeOf(uint64(0)), nil
	case 'd':
		return reflect.TypeOf(float64(0)), nil
	case 's':
		return reflect.TypeOf(""), nil
	case 'o':
		return objectPathType, nil
	case 'g':
		return signatureType, nil
	case 'v':
		return variantType, nil
	case '(':
		return interfacesType, nil
	case 'a':
		if len(sig) > 1 && sig[1] == '{' {
			k, v, err := dictTypes(sig[1:])
			if err != nil {
				return nil, err
			}
			kt, err := typeOf(k)
			if err != nil {
				return nil, err
			}
			vt, err := typeOf(v)
			if err != nil {
				return nil, err
			}
			return reflect.MapOf(kt, vt), nil
		}
		et, err := typeOf(sig[1:])
		if err != nil {
			return nil, err
		}
		return reflect.SliceOf(et), nil
	}
	return nil, fmt.Errorf("%w: signature %q", ErrUnsupportedType, sig)
}

// dictTypes splits "{kv}" into its key and value signatures.
func dictTypes(entry string) (string, string, error) {
	inner := entry[1:]
	kn, err := typeLen(inner)
	if err != nil {
		return "", "", err
	}
	vn, err := typeLen(inner[kn:])
	if err != nil {
		return "", "", err
	}
	return inner[:kn], inner[kn : kn+vn], nil
}
