package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/mithrel/busobj/pkg/api"
)

// Call performs one method call on the bus at address and waits for the
// reply. Error replies are returned as the reply, not as err.
func Call(ctx context.Context, address, dest string, call *api.Call) (api.Reply, error) {
	var (
		conn *dbus.Conn
		err  error
	)
	switch address {
	case "", "session":
		conn, err = dbus.ConnectSessionBus(dbus.WithContext(ctx))
	case "system":
		conn, err = dbus.ConnectSystemBus(dbus.WithContext(ctx))
	default:
		conn, err = dbus.Connect(address, dbus.WithContext(ctx))
	}
	if err != nil {
		return api.Reply{}, fmt.Errorf("bus: connect %s: %w", address, err)
	}
	defer conn.Close()

	var flags dbus.Flags
	if call.NoReply {
		flags |= dbus.FlagNoReplyExpected
	}
	obj := conn.Object(dest, call.Path.DBus())
	res := obj.CallWithContext(ctx, call.Method(), flags, call.Body...)
	if call.NoReply {
		return api.Reply{ID: call.ID()}, res.Err
	}
	var de dbus.Error
	var dep *dbus.Error
	switch {
	case errors.As(res.Err, &dep):
		return api.Reply{ID: call.ID(), ErrorName: dep.Name, Signature: dbus.SignatureOf(dep.Body...).String(), Body: dep.Body}, nil
	case errors.As(res.Err, &de):
		return api.Reply{ID: call.ID(), ErrorName: de.Name, Signature: dbus.SignatureOf(de.Body...).String(), Body: de.Body}, nil
	case res.Err != nil:
		return api.Reply{}, res.Err
	}
	return api.Reply{ID: call.ID(), Signature: dbus.SignatureOf(res.Body...).String(), Body: res.Body}, nil
}
