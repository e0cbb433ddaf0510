// Package editor opens files in the user's editor.
package editor

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ErrUnchanged is returned by Edit when the file was saved without changes.
var ErrUnchanged = errors.New("editor: no changes")

// PreferredEditor finds a suitable editor from env or common defaults.
func PreferredEditor() (string, error) {
	if v := os.Getenv("VISUAL"); v != "" {
		return v, nil
	}
	if e := os.Getenv("EDITOR"); e != "" {
		return e, nil
	}
	for _, cand := range []string{"nvim", "vim", "vi", "nano"} {
		if p, err := exec.LookPath(cand); err == nil {
			return p, nil
		}
	}
	return "", errors.New("no editor found; set $EDITOR or $VISUAL")
}

// Command builds the editor invocation for path. VISUAL/EDITOR may carry
// flags, so they run through a shell wrapper.
func Command(path string) (*exec.Cmd, error) {
	ed := os.Getenv("VISUAL")
	if ed == "" {
		ed = os.Getenv("EDITOR")
	}
	if strings.TrimSpace(ed) != "" {
		cmd := exec.Command("sh", "-c", "$EDITORCMD \"$FILEPATH\"")
		cmd.Env = append(os.Environ(), "EDITORCMD="+ed, "FILEPATH="+path)
		return cmd, nil
	}
	prog, err := PreferredEditor()
	if err != nil {
		return nil, err
	}
	return exec.Command(prog, path), nil
}

// Edit opens a scratch copy of path and moves it into place once check
// accepts the result. A rejected edit leaves path untouched and returns
// check's error; the scratch copy is kept so the work is not lost.
func Edit(path string, check func([]byte) error) error {
	initial, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	scratch, err := scratchPath(path)
	if err != nil {
		return err
	}
	if err := os.WriteFile(scratch, initial, 0o600); err != nil {
		return err
	}

	cmd, err := Command(scratch)
	if err != nil {
		return err
	}
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("editor: %w", err)
	}

	out, err := os.ReadFile(scratch)
	if err != nil {
		return err
	}
	if bytes.Equal(out, initial) {
		_ = os.Remove(scratch)
		return ErrUnchanged
	}
	if check != nil {
		if err := check(out); err != nil {
			return fmt.Errorf("%w (edits kept in %s)", err, scratch)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.Rename(scratch, path)
}

// scratchPath puts the copy next to the target so the final rename stays on
// one filesystem.
func scratchPath(path string) (string, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return filepath.Join(dir, "."+filepath.Base(path)+".edit"), nil
}
