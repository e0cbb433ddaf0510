package ipc

import (
	"context"

	"github.com/mithrel/busobj/internal/ipc/transport"
	"github.com/mithrel/busobj/pkg/api"
)

// Request sends one call to the daemon's local socket and waits for the
// reply. Error replies are returned as the reply, not as err.
func Request(ctx context.Context, path string, call *api.Call) (api.Reply, error) {
	return transport.NewUnixClient(path).Call(ctx, call)
}
