package introspect

import (
	"github.com/godbus/dbus/v5"

	"github.com/mithrel/busobj/internal/registry"
	"github.com/mithrel/busobj/pkg/api"
)

// PropertiesInterface is attached next to Introspectable. Registered
// interfaces declare no properties, so Get and Set always fail and GetAll
// answers with an empty dictionary for any interface the object carries.
const PropertiesInterface = "org.freedesktop.DBus.Properties"

type propIn struct {
	Interface string `arg:"interface_name"`
	Property  string `arg:"property_name"`
}

type propSetIn struct {
	Interface string       `arg:"interface_name"`
	Property  string       `arg:"property_name"`
	Value     dbus.Variant `arg:"value"`
}

type propOut struct {
	Value dbus.Variant `arg:"value"`
}

type propAllIn struct {
	Interface string `arg:"interface_name"`
}

type propAllOut struct {
	Props map[string]dbus.Variant `arg:"props"`
}

// carries fails with UnknownInterface unless the called object has iface
// attached. An empty name means any interface.
func carries(c *registry.Context, iface string) error {
	if iface == "" {
		return nil
	}
	ifaces, _ := c.Registry().Interfaces(c.Path())
	for _, i := range ifaces {
		if i.Name == iface {
			return nil
		}
	}
	return api.NewMethodError(api.ErrNameUnknownInterface, "object %s has no interface %s", c.Path(), iface)
}

func noProperty(c *registry.Context, iface, prop string) error {
	if err := carries(c, iface); err != nil {
		return err
	}
	return api.NewMethodError(api.ErrNameInvalidArgs, "no such property %q on %s", prop, iface)
}

// RegisterProperties adds the Properties interface to reg.
func RegisterProperties(reg *registry.Registry) (registry.Token, error) {
	return reg.RegisterInterface(PropertiesInterface, func(b *registry.Builder) {
		registry.Method(b, "Get", nil, nil, func(c *registry.Context, in propIn) (propOut, error) {
			return propOut{}, noProperty(c, in.Interface, in.Property)
		})
		registry.Method(b, "GetAll", nil, nil, func(c *registry.Context, in propAllIn) (propAllOut, error) {
			if err := carries(c, in.Interface); err != nil {
				return propAllOut{}, err
			}
			return propAllOut{Props: map[string]dbus.Variant{}}, nil
		})
		registry.Method(b, "Set", nil, nil, func(c *registry.Context, in propSetIn) (struct{}, error) {
			return struct{}{}, noProperty(c, in.Interface, in.Property)
		})
		b.Signal("PropertiesChanged",
			registry.Arg{Name: "interface_name", Type: "s"},
			registry.Arg{Name: "changed_properties", Type: "a{sv}"},
			registry.Arg{Name: "invalidated_properties", Type: "as"},
		)
	})
}
