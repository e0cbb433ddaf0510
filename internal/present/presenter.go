package present

import (
	"io"
	"os"

	"golang.org/x/term"

	"github.com/mithrel/busobj/internal/admin"
	"github.com/mithrel/busobj/internal/journal"
	"github.com/mithrel/busobj/internal/present/format"
	"github.com/mithrel/busobj/internal/registry"
	"github.com/mithrel/busobj/pkg/api"
)

type Mode int

const (
	ModePlain Mode = iota
	ModePretty
	ModeJSON
	ModeNDJSON
	ModeXML
)

type Options struct {
	Mode       Mode
	JSONIndent bool
	Headers    bool
}

// ParseMode parses a string like "plain", "pretty", "json", "ndjson", "xml".
func ParseMode(s string) (Mode, bool) {
	switch s {
	case "plain":
		return ModePlain, true
	case "pretty":
		return ModePretty, true
	case "json":
		return ModeJSON, true
	case "ndjson":
		return ModeNDJSON, true
	case "xml":
		return ModeXML, true
	default:
		return ModePlain, false
	}
}

// DefaultMode is pretty on a terminal and plain otherwise.
func DefaultMode(w io.Writer) Mode {
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return ModePretty
	}
	return ModePlain
}

// RenderObjects renders every object in reg.
func RenderObjects(w io.Writer, reg *registry.Registry, opts Options) error {
	switch opts.Mode {
	case ModeJSON:
		return format.WriteJSON(w, admin.Objects(reg), opts.JSONIndent)
	case ModeNDJSON:
		return format.WriteNDJSON(w, admin.Objects(reg))
	case ModeXML:
		return format.WriteXMLObjects(w, reg)
	case ModePretty:
		return format.WritePrettyObjects(w, admin.Objects(reg))
	default:
		return format.WritePlainObjects(w, admin.Objects(reg), opts.Headers)
	}
}

// RenderRecords renders journal records, newest first.
func RenderRecords(w io.Writer, recs []journal.Record, opts Options) error {
	switch opts.Mode {
	case ModeJSON:
		return format.WriteJSON(w, recs, opts.JSONIndent)
	case ModeNDJSON, ModeXML:
		return format.WriteNDJSON(w, recs)
	case ModePretty:
		return format.WritePrettyRecords(w, recs)
	default:
		return format.WritePlainRecords(w, recs, opts.Headers)
	}
}

// RenderReply renders the reply to a call.
func RenderReply(w io.Writer, r api.Reply, opts Options) error {
	switch opts.Mode {
	case ModeJSON, ModeNDJSON:
		return format.WriteJSON(w, format.ReplyView(r), opts.JSONIndent)
	default:
		return format.WritePlainReply(w, r)
	}
}
