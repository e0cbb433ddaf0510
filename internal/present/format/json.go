package format

import (
	"encoding/json"
	"io"

	"github.com/mithrel/busobj/pkg/api"
)

func WriteJSON(w io.Writer, v any, indent bool) error {
	enc := json.NewEncoder(w)
	if indent {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}

type replyView struct {
	Signature string `json:"signature"`
	Body      []any  `json:"body"`
	ErrorName string `json:"error_name,omitempty"`
}

// ReplyView is the JSON shape of a reply.
func ReplyView(r api.Reply) any {
	return replyView{Signature: r.Signature, Body: r.Body, ErrorName: r.ErrorName}
}
