package codec

import (
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/protobuf/types/known/structpb"
)

// ParseArgs converts command-line words to a body for sig. Words for
// string-like types are taken literally; anything else is read as JSON,
// with arrays for arrays and structs and [[k, v], ...] for dicts. An empty
// sig treats every word as a string.
func ParseArgs(sig string, words []string) ([]any, error) {
	if sig == "" {
		sig = strings.Repeat("s", len(words))
	}
	types, err := Split(sig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArgumentMismatch, err)
	}
	if len(types) != len(words) {
		return nil, fmt.Errorf("%w: signature %q has %d types, got %d arguments", ErrArgumentMismatch, sig, len(types), len(words))
	}
	l := &structpb.ListValue{Values: make([]*structpb.Value, len(words))}
	for i, w := range words {
		switch types[i][0] {
		case 's', 'o', 'g':
			l.Values[i] = structpb.NewStringValue(w)
			continue
		}
		var x any
		if err := json.Unmarshal([]byte(w), &x); err != nil {
			return nil, fmt.Errorf("%w: argument %d: %v", ErrArgumentMismatch, i, err)
		}
		pv, err := structpb.NewValue(x)
		if err != nil {
			return nil, fmt.Errorf("%w: argument %d: %v", ErrArgumentMismatch, i, err)
		}
		l.Values[i] = pv
	}
	return FromList(sig, l)
}
