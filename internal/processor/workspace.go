package processor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// CertificateSuffix is appended to the source path by the signing tool.
const CertificateSuffix = ".isnad"

// Workspace is a private directory holding the transient files of one
// audit run.
type Workspace struct {
	dir    string
	source string
}

// NewWorkspace creates a fresh directory under root (the system temp dir
// when empty) and writes code into it.
func NewWorkspace(root, id string, code []byte) (*Workspace, error) {
	name := sanitize(id)
	dir, err := os.MkdirTemp(root, "audit-"+name+"-*")
	if err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}
	w := &Workspace{dir: dir, source: filepath.Join(dir, name+".src")}
	if err := os.WriteFile(w.source, code, 0o600); err != nil {
		w.Close()
		return nil, fmt.Errorf("writing source: %w", err)
	}
	return w, nil
}

// Dir returns the workspace directory.
func (w *Workspace) Dir() string { return w.dir }

// Source returns the path of the submitted code.
func (w *Workspace) Source() string { return w.source }

// Certificate returns the path the signing tool writes its output to.
func (w *Workspace) Certificate() string { return w.source + CertificateSuffix }

// Close removes the workspace and everything in it.
func (w *Workspace) Close() error {
	return os.RemoveAll(w.dir)
}

func sanitize(id string) string {
	s := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, id)
	if s == "" {
		return "anon"
	}
	return s
}
