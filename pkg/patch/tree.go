package patch

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"slices"
	"sort"
	"strings"
)

// File is a text file held as lines plus the line-ending convention needed to
// reproduce its original bytes.
type File struct {
	Lines           []string
	EOL             string
	TrailingNewline bool

	// mixed holds the original text of a file whose line endings are not
	// uniform. Text returns it while Lines still match it.
	mixed string
}

// NewFile builds a File from raw text. CRLF endings are recorded when the first
// line break in the text is "\r\n"; all lines are stored without terminators.
// A file mixing "\n" and "\r\n" renders its original bytes until its lines
// change, after which every line uses EOL.
func NewFile(text string) File {
	eol := "\n"
	if idx := strings.IndexByte(text, '\n'); idx > 0 && text[idx-1] == '\r' {
		eol = "\r\n"
	}
	lines, trailing := splitText(text)
	f := File{Lines: lines, EOL: eol, TrailingNewline: trailing}
	if len(lines) > 0 && f.render() != text {
		f.mixed = text
	}
	return f
}

func splitText(text string) ([]string, bool) {
	normalized := strings.ReplaceAll(text, "\r\n", "\n")
	if normalized == "" {
		return []string{}, false
	}
	trailing := strings.HasSuffix(normalized, "\n")
	return strings.Split(strings.TrimSuffix(normalized, "\n"), "\n"), trailing
}

// Text renders the file back to bytes using its recorded line ending.
func (f File) Text() string {
	if f.mixed != "" {
		if lines, trailing := splitText(f.mixed); trailing == f.TrailingNewline && slices.Equal(lines, f.Lines) {
			return f.mixed
		}
	}
	return f.render()
}

func (f File) render() string {
	if len(f.Lines) == 0 {
		return ""
	}
	eol := f.EOL
	if eol == "" {
		eol = "\n"
	}
	text := strings.Join(f.Lines, eol)
	if f.TrailingNewline {
		text += eol
	}
	return text
}

// Digest is the hex SHA-256 of the file's rendered text.
func (f File) Digest() string {
	sum := sha256.Sum256([]byte(f.Text()))
	return hex.EncodeToString(sum[:])
}

// withLines returns a copy of f that carries new lines but keeps the line-ending
// convention.
func (f File) withLines(lines []string) File {
	return File{Lines: lines, EOL: f.EOL, TrailingNewline: f.TrailingNewline || len(f.Lines) == 0}
}

// SourceTree maps normalized relative paths to files. The zero value is not
// usable; construct trees with NewSourceTree.
type SourceTree struct {
	files map[string]File
}

// NewSourceTree returns an empty tree.
func NewSourceTree() *SourceTree {
	return &SourceTree{files: make(map[string]File)}
}

// TreeFromMap builds a tree from path to text pairs.
func TreeFromMap(contents map[string]string) (*SourceTree, error) {
	tree := NewSourceTree()
	for p, text := range contents {
		if err := tree.Put(p, NewFile(text)); err != nil {
			return nil, err
		}
	}
	return tree, nil
}

// NormalizePath converts p to the canonical forward-slash relative form used as a
// tree key. Absolute paths, empty paths and paths escaping the root are rejected.
func NormalizePath(p string) (string, error) {
	trimmed := strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if trimmed == "" {
		return "", fmt.Errorf("invalid path %q: empty", p)
	}
	if strings.HasPrefix(trimmed, "/") || (len(trimmed) > 1 && trimmed[1] == ':') {
		return "", fmt.Errorf("invalid path %q: absolute", p)
	}
	for _, segment := range strings.Split(trimmed, "/") {
		if segment == ".." {
			return "", fmt.Errorf("invalid path %q: contains ..", p)
		}
	}
	cleaned := path.Clean(trimmed)
	if cleaned == "." {
		return "", fmt.Errorf("invalid path %q: empty", p)
	}
	return cleaned, nil
}

// Put stores file under p after normalizing the path.
func (t *SourceTree) Put(p string, file File) error {
	key, err := NormalizePath(p)
	if err != nil {
		return err
	}
	if file.Lines == nil {
		file.Lines = []string{}
	}
	if file.EOL == "" {
		file.EOL = "\n"
	}
	t.files[key] = file
	return nil
}

// Get returns the file stored under p.
func (t *SourceTree) Get(p string) (File, bool) {
	key, err := NormalizePath(p)
	if err != nil {
		return File{}, false
	}
	f, ok := t.files[key]
	return f, ok
}

// Remove deletes p from the tree.
func (t *SourceTree) Remove(p string) {
	if key, err := NormalizePath(p); err == nil {
		delete(t.files, key)
	}
}

// Len returns the number of files.
func (t *SourceTree) Len() int {
	return len(t.files)
}

// Paths returns all paths in lexical order.
func (t *SourceTree) Paths() []string {
	paths := make([]string, 0, len(t.files))
	for p := range t.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Clone returns a tree sharing file line slices with t. Line slices are never
// mutated in place by this package, so sharing them is safe.
func (t *SourceTree) Clone() *SourceTree {
	clone := &SourceTree{files: make(map[string]File, len(t.files))}
	for p, f := range t.files {
		clone.files[p] = f
	}
	return clone
}

// Digest returns the content address of the file at p.
func (t *SourceTree) Digest(p string) (string, bool) {
	f, ok := t.Get(p)
	if !ok {
		return "", false
	}
	return f.Digest(), true
}

// Fingerprint hashes every path and file digest in lexical order.
func (t *SourceTree) Fingerprint() string {
	h := sha256.New()
	for _, p := range t.Paths() {
		fmt.Fprintf(h, "%s\x00%s\n", p, t.files[p].Digest())
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Equal reports whether both trees hold the same paths with identical bytes.
func (t *SourceTree) Equal(other *SourceTree) bool {
	if t == nil || other == nil {
		return t == other
	}
	if len(t.files) != len(other.files) {
		return false
	}
	for p, f := range t.files {
		o, ok := other.files[p]
		if !ok || f.Text() != o.Text() {
			return false
		}
	}
	return true
}

// Snapshot renders the tree as a path to text map.
func (t *SourceTree) Snapshot() map[string]string {
	out := make(map[string]string, len(t.files))
	for p, f := range t.files {
		out[p] = f.Text()
	}
	return out
}
