// Package introspect renders registry descriptors as D-Bus introspection
// data and provides the org.freedesktop.DBus.Introspectable interface.
package introspect

import (
	"encoding/xml"
	"fmt"

	"github.com/godbus/dbus/v5/introspect"

	"github.com/mithrel/busobj/internal/registry"
	"github.com/mithrel/busobj/pkg/api"
)

const (
	InterfaceName = "org.freedesktop.DBus.Introspectable"

	annotationDeprecated = "org.freedesktop.DBus.Deprecated"
	annotationNoReply    = "org.freedesktop.DBus.Method.NoReply"
)

// Interface converts one interface definition.
func Interface(i *registry.Interface) introspect.Interface {
	out := introspect.Interface{Name: i.Name}
	if i.Deprecated {
		out.Annotations = append(out.Annotations, introspect.Annotation{Name: annotationDeprecated, Value: "true"})
	}
	for _, m := range i.Methods {
		im := introspect.Method{Name: m.Name}
		for _, a := range m.In {
			im.Args = append(im.Args, introspect.Arg{Name: a.Name, Type: a.Type, Direction: "in"})
		}
		for _, a := range m.Out {
			im.Args = append(im.Args, introspect.Arg{Name: a.Name, Type: a.Type, Direction: "out"})
		}
		if m.Deprecated {
			im.Annotations = append(im.Annotations, introspect.Annotation{Name: annotationDeprecated, Value: "true"})
		}
		if m.NoReply {
			im.Annotations = append(im.Annotations, introspect.Annotation{Name: annotationNoReply, Value: "true"})
		}
		out.Methods = append(out.Methods, im)
	}
	for _, s := range i.Signals {
		is := introspect.Signal{Name: s.Name}
		for _, a := range s.Args {
			is.Args = append(is.Args, introspect.Arg{Name: a.Name, Type: a.Type})
		}
		if s.Deprecated {
			is.Annotations = append(is.Annotations, introspect.Annotation{Name: annotationDeprecated, Value: "true"})
		}
		out.Signals = append(out.Signals, is)
	}
	return out
}

// Describe builds the node for path: its interfaces, if an object lives
// there, and its direct children. A path that is neither an object nor an
// ancestor of one is unknown.
func Describe(reg *registry.Registry, path api.ObjectPath) (*introspect.Node, error) {
	node := &introspect.Node{Name: path.String()}
	ifaces, isObject := reg.Interfaces(path)
	for _, i := range ifaces {
		node.Interfaces = append(node.Interfaces, Interface(i))
	}
	for _, name := range path.Children(reg.Objects()) {
		node.Children = append(node.Children, introspect.Node{Name: name})
	}
	if !isObject && len(node.Children) == 0 {
		return nil, fmt.Errorf("%w: %s", registry.ErrUnknownObject, path)
	}
	return node, nil
}

// XML renders node with the standard doctype header.
func XML(node *introspect.Node) (string, error) {
	b, err := xml.MarshalIndent(node, "", "  ")
	if err != nil {
		return "", err
	}
	return introspect.IntrospectDeclarationString + string(b) + "\n", nil
}

type introspectOut struct {
	XML string `arg:"xml_data"`
}

// Register adds the Introspectable interface to reg.
func Register(reg *registry.Registry) (registry.Token, error) {
	return reg.RegisterInterface(InterfaceName, func(b *registry.Builder) {
		registry.Method(b, "Introspect", nil, nil, func(c *registry.Context, _ struct{}) (introspectOut, error) {
			node, err := Describe(c.Registry(), c.Path())
			if err != nil {
				return introspectOut{}, err
			}
			s, err := XML(node)
			return introspectOut{XML: s}, err
		})
	})
}
