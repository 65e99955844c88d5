package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/dbc-toolkit/dbcpatch/pkg/patch"
)

const (
	cacheTreeDir   = "tree"
	cacheStampFile = "fingerprint"
)

var safeKey = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// Cache stores decompiled trees keyed by artifact fingerprint under
// <Dir>/<fingerprint>/tree. A stamp file written last marks a complete entry;
// it holds the artifact fingerprint and the stored tree's content fingerprint.
type Cache struct {
	Dir string
}

func (c Cache) entryDir(fingerprint string) string {
	key := fingerprint
	if !safeKey.MatchString(key) || key == "." || key == ".." {
		sum := sha256.Sum256([]byte(fingerprint))
		key = hex.EncodeToString(sum[:])
	}
	return filepath.Join(c.Dir, key)
}

// Load returns the cached tree for fingerprint. The boolean is false on a miss,
// including incomplete or mismatched entries.
func (c Cache) Load(fingerprint string) (*patch.SourceTree, bool, error) {
	dir := c.entryDir(fingerprint)
	stamp, err := os.ReadFile(filepath.Join(dir, cacheStampFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read cache stamp: %w", err)
	}
	key, content, ok := parseStamp(stamp)
	if !ok || key != fingerprint {
		return nil, false, nil
	}
	tree, err := patch.LoadTree(filepath.Join(dir, cacheTreeDir))
	if err != nil {
		return nil, false, fmt.Errorf("load cached tree: %w", err)
	}
	// Entries edited after they were stored are misses.
	if tree.Fingerprint() != content {
		return nil, false, nil
	}
	return tree, true, nil
}

// Has reports whether a complete entry exists for fingerprint. The stored tree
// is not re-hashed.
func (c Cache) Has(fingerprint string) bool {
	stamp, err := os.ReadFile(filepath.Join(c.entryDir(fingerprint), cacheStampFile))
	if err != nil {
		return false
	}
	key, _, ok := parseStamp(stamp)
	return ok && key == fingerprint
}

func parseStamp(stamp []byte) (key, content string, ok bool) {
	lines := strings.Split(strings.TrimRight(string(stamp), "\n"), "\n")
	if len(lines) != 2 {
		return "", "", false
	}
	return lines[0], strings.TrimSpace(lines[1]), true
}

// Store writes tree for fingerprint, replacing any previous entry.
func (c Cache) Store(fingerprint string, tree *patch.SourceTree) error {
	dir := c.entryDir(fingerprint)
	stampPath := filepath.Join(dir, cacheStampFile)
	if err := os.Remove(stampPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("invalidate cache entry: %w", err)
	}
	if _, err := patch.WriteTree(filepath.Join(dir, cacheTreeDir), tree); err != nil {
		return fmt.Errorf("write cached tree: %w", err)
	}
	stamp := fingerprint + "\n" + tree.Fingerprint() + "\n"
	if err := os.WriteFile(stampPath, []byte(stamp), 0o644); err != nil {
		return fmt.Errorf("write cache stamp: %w", err)
	}
	return nil
}
