package registry

import (
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"
)

func fingerprint(i *Interface) string {
	var b strings.Builder
	b.WriteString("interface ")
	b.WriteString(i.Name)
	b.WriteByte('\n')
	for _, m := range i.Methods {
		b.WriteString("method ")
		b.WriteString(m.Name)
		writeArgs(&b, " in", m.In)
		writeArgs(&b, " out", m.Out)
		b.WriteByte('\n')
	}
	for _, s := range i.Signals {
		b.WriteString("signal ")
		b.WriteString(s.Name)
		writeArgs(&b, " args", s.Args)
		b.WriteByte('\n')
	}
	sum := blake3.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:16])
}

func writeArgs(b *strings.Builder, label string, args []Arg) {
	b.WriteString(label)
	for _, a := range args {
		b.WriteByte(' ')
		b.WriteString(a.Name)
		b.WriteByte(':')
		b.WriteString(a.Type)
	}
}
