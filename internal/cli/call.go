package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mithrel/busobj/internal/bus"
	"github.com/mithrel/busobj/internal/codec"
	"github.com/mithrel/busobj/internal/ipc"
	"github.com/mithrel/busobj/internal/present"
	"github.com/mithrel/busobj/pkg/api"
)

func newCallCmd() *cobra.Command {
	var (
		socket    string
		busAddr   string
		dest      string
		signature string
		noReply   bool
		timeout   time.Duration
		output    string
	)
	cmd := &cobra.Command{
		Use:   "call PATH INTERFACE METHOD [ARGS...]",
		Short: "Call a method over the local socket or a bus",
		Long: "Call a method. INTERFACE may be \"-\" to let the service search the object's interfaces.\n" +
			"Arguments are converted using --signature; without one every argument is a string.",
		Args: cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			app := getApp(cmd)
			path, err := api.ParseObjectPath(args[0])
			if err != nil {
				return err
			}
			iface := args[1]
			if iface == "-" {
				iface = ""
			}
			body, err := codec.ParseArgs(signature, args[3:])
			if err != nil {
				return err
			}
			call := &api.Call{Path: path, Interface: iface, Member: args[2], NoReply: noReply, Signature: signature, Body: body}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			var r api.Reply
			if busAddr != "" {
				if dest == "" {
					dest = app.Settings.Name
				}
				if iface == "" {
					return fmt.Errorf("calls over a bus need an interface")
				}
				r, err = bus.Call(ctx, busAddr, dest, call)
			} else {
				if socket == "" {
					socket = app.Settings.Socket
				}
				if socket == "none" {
					return fmt.Errorf("the local socket is disabled; use --socket or --bus")
				}
				socket, err = ipc.ResolveSocket(socket)
				if err != nil {
					return err
				}
				r, err = ipc.Request(ctx, socket, call)
			}
			if err != nil {
				return err
			}
			if noReply {
				return nil
			}
			mode, ok := present.ParseMode(output)
			if !ok {
				mode = present.ModePlain
			}
			if err := present.RenderReply(cmd.OutOrStdout(), r, present.Options{Mode: mode, JSONIndent: true}); err != nil {
				return err
			}
			return r.Err()
		},
	}
	cmd.Flags().StringVar(&socket, "socket", "", "local socket path (defaults to the configured socket)")
	cmd.Flags().StringVar(&busAddr, "bus", "", "call over a bus instead: session, system, or an address")
	cmd.Flags().StringVar(&dest, "dest", "", "destination bus name (defaults to the configured name)")
	cmd.Flags().StringVarP(&signature, "signature", "s", "", "argument signature, e.g. sia{sv}")
	cmd.Flags().BoolVar(&noReply, "no-reply", false, "do not wait for a reply")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for the reply")
	cmd.Flags().StringVarP(&output, "output", "o", "plain", "output format: plain|json")
	return cmd
}
