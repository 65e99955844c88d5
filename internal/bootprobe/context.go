package bootprobe

import (
	"errors"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Context resolves workspace paths and commands for the probes. Tests supply a
// fixture directory and a custom command lookup.
type Context struct {
	root     string
	lookPath func(string) (string, error)
}

// NewContext constructs a Context rooted at the provided path. Commands are
// resolved using exec.LookPath by default.
func NewContext(root string) *Context {
	return &Context{
		root:     root,
		lookPath: exec.LookPath,
	}
}

// NewContextWithLookPath overrides the command lookup so probes can run without
// the tools installed.
func NewContextWithLookPath(root string, lookPath func(string) (string, error)) *Context {
	ctx := NewContext(root)
	if lookPath != nil {
		ctx.lookPath = lookPath
	}
	return ctx
}

// Root returns the workspace directory.
func (c *Context) Root() string {
	return c.root
}

// Path resolves a configured path against the workspace root. Absolute paths
// are returned unchanged.
func (c *Context) Path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.root, p)
}

// HasFile reports whether a regular file exists at p.
func (c *Context) HasFile(p string) bool {
	if p == "" {
		return false
	}
	info, err := os.Stat(c.Path(p))
	return err == nil && !info.IsDir()
}

// HasDir reports whether a directory exists at p.
func (c *Context) HasDir(p string) bool {
	if p == "" {
		return false
	}
	info, err := os.Stat(c.Path(p))
	return err == nil && info.IsDir()
}

// HasAnyFile returns true if any of the provided paths exist.
func (c *Context) HasAnyFile(paths ...string) bool {
	for _, p := range paths {
		if c.HasFile(p) {
			return true
		}
	}
	return false
}

// CommandExists reports whether a command is available on PATH. Names
// containing a path separator are resolved against the workspace root.
func (c *Context) CommandExists(name string) bool {
	if name == "" {
		return false
	}
	if strings.ContainsRune(name, filepath.Separator) || strings.Contains(name, "/") {
		return c.HasFile(name)
	}
	_, err := c.lookPath(name)
	return err == nil
}

// CountFiles walks dir and counts the files whose names end in suffix.
func (c *Context) CountFiles(dir, suffix string) (int, error) {
	count := 0
	err := filepath.WalkDir(c.Path(dir), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), suffix) {
			count++
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	return count, err
}
