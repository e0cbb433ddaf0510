package config

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const renderHeader = "# busobj configuration (TOML)"

// section is the options sharing one [table], keyed without the prefix.
type section struct {
	name string
	opts []ConfigOption
}

// splitSections groups opts by their first key element. Options without a
// dot land in the unnamed first section. Order follows opts.
func splitSections(opts []ConfigOption) []section {
	out := []section{{}}
	index := map[string]int{"": 0}
	for _, o := range opts {
		name, key := "", o.Key
		if i := strings.IndexByte(o.Key, '.'); i >= 0 {
			name, key = o.Key[:i], o.Key[i+1:]
		}
		n, ok := index[name]
		if !ok {
			n = len(out)
			index[name] = n
			out = append(out, section{name: name})
		}
		out[n].opts = append(out[n].opts, ConfigOption{Key: key, Default: o.Default, Comment: o.Comment})
	}
	return out
}

// optionLines renders one commented assignment. Values go through the TOML
// encoder so strings are quoted and escaped; durations are written in
// time.ParseDuration form, which Decode reads back.
func optionLines(key string, value any, comment string) ([]string, error) {
	if d, ok := value.(time.Duration); ok {
		value = d.String()
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(map[string]any{key: value}); err != nil {
		return nil, fmt.Errorf("config: render %s: %w", key, err)
	}
	var lines []string
	if comment != "" {
		lines = append(lines, "# "+comment)
	}
	return append(lines, strings.TrimRight(buf.String(), "\n"), ""), nil
}

func sectionLines(sections []section) ([]string, error) {
	var lines []string
	for _, s := range sections {
		if len(s.opts) == 0 {
			continue
		}
		if s.name != "" {
			lines = append(lines, "["+s.name+"]")
		}
		for _, o := range s.opts {
			l, err := optionLines(o.Key, o.Default, o.Comment)
			if err != nil {
				return nil, err
			}
			lines = append(lines, l...)
		}
	}
	return lines, nil
}

// RenderDefaultTOML renders a TOML config with defaults from GetConfigOptions.
func RenderDefaultTOML() (string, error) {
	lines, err := sectionLines(splitSections(GetConfigOptions()))
	if err != nil {
		return "", err
	}
	return renderHeader + "\n" + strings.Join(lines, "\n") + "\n", nil
}

// UpdateTOML adds options missing from existing and comments out keys the
// option table no longer knows. Missing keys go into their own table when
// the file already has it, so no table is declared twice. It reports
// whether anything changed.
func UpdateTOML(existing string) (string, bool, error) {
	opts := GetConfigOptions()
	known := make(map[string]bool, len(opts))
	for _, o := range opts {
		known[o.Key] = true
	}

	// The file as tables in order; the root block comes first.
	blocks := []*section{{}}
	text := map[*section][]string{}
	byName := map[string]*section{"": blocks[0]}
	present := make(map[string]bool)
	changed := false

	cur := blocks[0]
	for _, line := range strings.Split(strings.TrimRight(existing, "\n"), "\n") {
		trim := strings.TrimSpace(line)
		if strings.HasPrefix(trim, "[") && strings.HasSuffix(trim, "]") {
			name := strings.TrimSpace(trim[1 : len(trim)-1])
			cur = &section{name: name}
			blocks = append(blocks, cur)
			if _, ok := byName[name]; !ok {
				byName[name] = cur
			}
			text[cur] = append(text[cur], line)
			continue
		}
		if key, ok := assignedKey(trim); ok && !strings.HasPrefix(trim, "#") {
			if cur.name != "" {
				key = cur.name + "." + key
			}
			present[key] = true
			if !known[key] {
				indent := line[:len(line)-len(strings.TrimLeft(line, " \t"))]
				text[cur] = append(text[cur], indent+"# OUTDATED: option removed from config schema", indent+"# "+trim)
				changed = true
				continue
			}
		}
		text[cur] = append(text[cur], line)
	}

	var missing []ConfigOption
	for _, o := range opts {
		if !present[o.Key] {
			missing = append(missing, o)
		}
	}
	for _, sec := range splitSections(missing) {
		if len(sec.opts) == 0 {
			continue
		}
		lines, err := sectionLines([]section{{opts: sec.opts}})
		if err != nil {
			return "", false, err
		}
		b, ok := byName[sec.name]
		if !ok {
			b = &section{name: sec.name}
			blocks = append(blocks, b)
			byName[sec.name] = b
			text[b] = []string{"", "[" + sec.name + "]"}
		}
		text[b] = append(text[b], "# Added by config update")
		text[b] = append(text[b], lines...)
		changed = true
	}

	var out []string
	for _, b := range blocks {
		out = append(out, text[b]...)
	}
	return strings.Join(out, "\n") + "\n", changed, nil
}

// assignedKey returns the bare key of a "key = value" line. Quoted keys are
// left alone since no option uses them.
func assignedKey(line string) (string, bool) {
	i := strings.IndexByte(line, '=')
	if i <= 0 {
		return "", false
	}
	key := strings.TrimSpace(line[:i])
	if key == "" || strings.ContainsAny(key, "\"'[") {
		return "", false
	}
	return key, true
}
