package format

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mithrel/busobj/internal/admin"
	"github.com/mithrel/busobj/internal/journal"
	"github.com/mithrel/busobj/pkg/api"
)

const (
	objectHeader = "path\tinterface\tfingerprint\tmethods\tsignals\n"
	recordHeader = "at\toutcome\tmethod\tpath\tsender\tduration\terror\n"
)

func esc(field string) string {
	field = strings.ReplaceAll(field, "\t", "\\t")
	field = strings.ReplaceAll(field, "\n", "\\n")
	return field
}

func WritePlainObjects(w io.Writer, objs []admin.ObjectView, headers bool) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if headers {
		_, _ = io.WriteString(tw, objectHeader)
	}
	for _, o := range objs {
		for _, i := range o.Interfaces {
			line := fmt.Sprintf("%s\t%s\t%s\t%s\t%s\n",
				esc(o.Path), esc(i.Name), i.Fingerprint, esc(strings.Join(i.Methods, ",")), esc(strings.Join(i.Signals, ",")))
			_, _ = io.WriteString(tw, line)
		}
	}
	return tw.Flush()
}

func method(r journal.Record) string {
	if r.Interface == "" {
		return r.Member
	}
	return r.Interface + "." + r.Member
}

func WritePlainRecords(w io.Writer, recs []journal.Record, headers bool) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if headers {
		_, _ = io.WriteString(tw, recordHeader)
	}
	for _, r := range recs {
		line := fmt.Sprintf("%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.At.Local().Format(time.RFC3339), r.Outcome, esc(method(r)), esc(r.Path), esc(r.Sender), r.Duration.Round(time.Microsecond), esc(r.ErrorName))
		_, _ = io.WriteString(tw, line)
	}
	return tw.Flush()
}

// WritePlainReply prints each returned value on its own line, or the error
// name and message.
func WritePlainReply(w io.Writer, r api.Reply) error {
	if r.IsError() {
		_, err := fmt.Fprintf(w, "%s: %s\n", r.ErrorName, r.ErrorMessage())
		return err
	}
	for _, v := range r.Body {
		if _, err := fmt.Fprintf(w, "%v\n", v); err != nil {
			return err
		}
	}
	return nil
}
