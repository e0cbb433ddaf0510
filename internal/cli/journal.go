package cli

import (
	"errors"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/mithrel/busobj/internal/journal"
	"github.com/mithrel/busobj/internal/present"
	"github.com/mithrel/busobj/internal/util"
)

func newJournalCmd() *cobra.Command {
	var (
		limit   int
		outcome string
		session string
		since   string
		until   string
		output  string
	)
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "List recently finished calls",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := getApp(cmd)
			if app.Journal == nil {
				return errors.New("journal is disabled (journal.enabled = false)")
			}
			from, to, err := util.ParseTimeRange(since, until, time.Now())
			if err != nil {
				return err
			}
			q := journal.Query{Limit: limit, Outcome: outcome, Session: session, Since: from, Until: to}
			recs, err := app.Journal.List(cmd.Context(), q)
			if err != nil {
				return err
			}
			opts, err := outputOptions(cmd.OutOrStdout(), output)
			if err != nil {
				return err
			}
			return withPager(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), func(w io.Writer) error {
				return present.RenderRecords(w, recs, opts)
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", journal.DefaultLimit, "maximum records to show")
	cmd.Flags().StringVar(&outcome, "outcome", "", "only show this outcome: ok|error|no_reply|suppressed")
	cmd.Flags().StringVar(&session, "session", "", "only show records of this daemon session")
	cmd.Flags().StringVar(&since, "since", "", "only show records after this: 2h, 3d, 2w, 1mo, or a date")
	cmd.Flags().StringVar(&until, "until", "", "only show records before this")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output format: plain|pretty|json|ndjson")
	return cmd
}
