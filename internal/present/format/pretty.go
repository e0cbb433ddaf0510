package format

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mithrel/busobj/internal/admin"
	"github.com/mithrel/busobj/internal/dispatch"
	"github.com/mithrel/busobj/internal/journal"
)

var (
	pathStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("229"))
	ifaceStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("111"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	boxStyle   = lipgloss.NewStyle().
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)
)

// WritePrettyObjects draws one box per object.
func WritePrettyObjects(w io.Writer, objs []admin.ObjectView) error {
	for _, o := range objs {
		var b strings.Builder
		b.WriteString(pathStyle.Render(o.Path))
		for _, i := range o.Interfaces {
			b.WriteString("\n")
			b.WriteString(ifaceStyle.Render(i.Name) + " " + dimStyle.Render(i.Fingerprint))
			for _, m := range i.Methods {
				b.WriteString("\n  " + m + "()")
			}
			for _, s := range i.Signals {
				b.WriteString("\n  " + dimStyle.Render("signal ") + s)
			}
		}
		if _, err := fmt.Fprintln(w, boxStyle.Render(b.String())); err != nil {
			return err
		}
	}
	return nil
}

func outcomeStyle(outcome string) lipgloss.Style {
	switch outcome {
	case dispatch.OutcomeOK, dispatch.OutcomeNoReply:
		return okStyle
	case dispatch.OutcomeError:
		return errStyle
	default:
		return dimStyle
	}
}

func WritePrettyRecords(w io.Writer, recs []journal.Record) error {
	for _, r := range recs {
		line := fmt.Sprintf("%s %s %s %s %s",
			dimStyle.Render(r.At.Local().Format("15:04:05.000")),
			outcomeStyle(r.Outcome).Width(10).Render(r.Outcome),
			ifaceStyle.Render(method(r)),
			r.Path,
			dimStyle.Render(r.Sender+" "+r.Duration.Round(time.Microsecond).String()),
		)
		if r.ErrorName != "" {
			line += " " + errStyle.Render(r.ErrorName)
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}
