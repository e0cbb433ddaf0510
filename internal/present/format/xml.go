package format

import (
	"io"

	"github.com/mithrel/busobj/internal/introspect"
	"github.com/mithrel/busobj/internal/registry"
)

// WriteXMLObjects writes the introspection document of every object.
func WriteXMLObjects(w io.Writer, reg *registry.Registry) error {
	for _, p := range reg.Objects() {
		node, err := introspect.Describe(reg, p)
		if err != nil {
			return err
		}
		s, err := introspect.XML(node)
		if err != nil {
			return err
		}
		if _, err := io.WriteString(w, s+"\n"); err != nil {
			return err
		}
	}
	return nil
}
