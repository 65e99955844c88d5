package patch

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// PatchExt is the file extension of patch files in a patch directory.
const PatchExt = ".patch"

// WriteStats summarizes a directory synchronization.
type WriteStats struct {
	Written   []string
	Unchanged int
	Removed   []string
}

// Changed reports whether the synchronization touched the disk.
func (s WriteStats) Changed() bool {
	return len(s.Written) > 0 || len(s.Removed) > 0
}

// LoadTree reads every regular file below root into a SourceTree keyed by its
// slash-separated relative path.
func LoadTree(root string) (*SourceTree, error) {
	tree := NewSourceTree()
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", rel, err)
		}
		return tree.Put(filepath.ToSlash(rel), NewFile(string(content)))
	})
	if err != nil {
		return nil, fmt.Errorf("load tree %s: %w", root, err)
	}
	return tree, nil
}

// WriteTree makes root mirror tree. Files whose bytes already match are left
// untouched, so repeated writes of the same tree do not modify the directory.
// Files under root that are not in tree are removed.
func WriteTree(root string, tree *SourceTree) (WriteStats, error) {
	desired := make(map[string][]byte, tree.Len())
	for _, p := range tree.Paths() {
		f, _ := tree.Get(p)
		desired[filepath.FromSlash(p)] = []byte(f.Text())
	}
	return syncDir(root, desired, func(string) bool { return true })
}

// LoadPatchDir parses every *.patch file below dir. Patch files that fail to
// parse, or that duplicate another patch's target, are returned as failed
// results keyed by the patch file's path without its extension and are left
// out of the set. A missing directory yields an empty set.
func LoadPatchDir(dir string) (*PatchSet, []ApplyResult, error) {
	var names []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, PatchExt) {
			names = append(names, path)
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		set, _ := NewPatchSet()
		return set, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load patches %s: %w", dir, err)
	}
	sort.Strings(names)

	var (
		files    []PatchFile
		failures []ApplyResult
		seen     = make(map[string]string)
	)
	for _, name := range names {
		rel, _ := filepath.Rel(dir, name)
		label := strings.TrimSuffix(filepath.ToSlash(rel), PatchExt)
		content, err := os.ReadFile(name)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read %s: %w", rel, err)
		}
		pf, err := Parse(string(content))
		if err == nil {
			if other, dup := seen[pf.Path]; dup {
				err = formatErrorf(pf.Path, 0, "target already patched by %s", other)
			}
		}
		if err != nil {
			var pe *Error
			if !errors.As(err, &pe) {
				pe = &Error{Message: err.Error(), Code: CodeFormat}
			}
			pe.RelativePath = label
			failures = append(failures, ApplyResult{
				Path:   label,
				Status: StatusFailed,
				Reason: CodeFormat,
				Err:    pe,
			})
			continue
		}
		seen[pf.Path] = filepath.ToSlash(rel)
		files = append(files, pf)
	}

	set, err := NewPatchSet(files...)
	if err != nil {
		return nil, nil, err
	}
	return set, failures, nil
}

// WritePatchDir stores one <path>.patch file per PatchFile and removes stale
// patch files. Other files in dir are left alone.
func WritePatchDir(dir string, set *PatchSet) (WriteStats, error) {
	desired := make(map[string][]byte, set.Len())
	for _, pf := range set.Files() {
		desired[filepath.FromSlash(pf.Path)+PatchExt] = []byte(Serialize(pf))
	}
	return syncDir(dir, desired, func(rel string) bool {
		return strings.HasSuffix(rel, PatchExt)
	})
}

// syncDir writes desired (relative OS paths to bytes) under root and removes
// files accepted by owned that are not desired.
func syncDir(root string, desired map[string][]byte, owned func(rel string) bool) (WriteStats, error) {
	var stats WriteStats
	if err := os.MkdirAll(root, 0o755); err != nil {
		return stats, fmt.Errorf("failed to create %s: %w", root, err)
	}

	rels := make([]string, 0, len(desired))
	for rel := range desired {
		rels = append(rels, rel)
	}
	sort.Strings(rels)
	for _, rel := range rels {
		wrote, err := writeIfChanged(filepath.Join(root, rel), desired[rel])
		if err != nil {
			return stats, fmt.Errorf("failed to write %s: %w", rel, err)
		}
		if wrote {
			stats.Written = append(stats.Written, filepath.ToSlash(rel))
		} else {
			stats.Unchanged++
		}
	}

	var dirs []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." {
			return err
		}
		if d.IsDir() {
			dirs = append(dirs, path)
			return nil
		}
		if _, keep := desired[rel]; keep || !owned(rel) {
			return nil
		}
		if err := os.Remove(path); err != nil {
			return err
		}
		stats.Removed = append(stats.Removed, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("failed to prune %s: %w", root, err)
	}
	// Deepest first so emptied parents can go too.
	sort.Sort(sort.Reverse(sort.StringSlice(dirs)))
	for _, dir := range dirs {
		if entries, err := os.ReadDir(dir); err == nil && len(entries) == 0 {
			_ = os.Remove(dir)
		}
	}
	return stats, nil
}

// writeIfChanged writes content to path unless the file already holds exactly
// those bytes. Existing permission bits are preserved.
func writeIfChanged(path string, content []byte) (bool, error) {
	perm := fs.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		if info.IsDir() {
			return false, fmt.Errorf("%s is a directory", path)
		}
		existing, err := os.ReadFile(path)
		if err != nil {
			return false, err
		}
		if bytes.Equal(existing, content) {
			return false, nil
		}
		perm = info.Mode() & fs.ModePerm
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, err
	}
	if err := os.WriteFile(path, content, perm); err != nil {
		return false, err
	}
	return true, nil
}
