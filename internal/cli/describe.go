package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mithrel/busobj/internal/daemon"
	"github.com/mithrel/busobj/internal/present"
)

func newDescribeCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "describe",
		Short: "Describe the objects the service would expose",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := getApp(cmd)
			ex := daemon.NewExecutor(app.Settings)
			if ex != nil {
				defer ex.Close()
			}
			reg, err := daemon.BuildRegistry(app.Settings, ex, app.Log)
			if err != nil {
				return err
			}
			opts, err := outputOptions(cmd.OutOrStdout(), output)
			if err != nil {
				return err
			}
			return withPager(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), func(w io.Writer) error {
				return present.RenderObjects(w, reg, opts)
			})
		},
	}
	cmd.Flags().StringVarP(&output, "format", "f", "", "output format: plain|pretty|json|ndjson|xml (default pretty on a terminal)")
	return cmd
}

func outputOptions(out io.Writer, s string) (present.Options, error) {
	opts := present.Options{Mode: present.DefaultMode(out), JSONIndent: true, Headers: true}
	if s == "" {
		return opts, nil
	}
	mode, ok := present.ParseMode(s)
	if !ok {
		return opts, fmt.Errorf("unknown format %q", s)
	}
	opts.Mode = mode
	return opts, nil
}
