// Package decompiler turns a binary artifact into a patch.SourceTree.
package decompiler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dbc-toolkit/dbcpatch/pkg/patch"
)

// Artifact identifies the binary to decompile.
type Artifact struct {
	Path string
	// Fingerprint is the cache key for the decompiled tree.
	Fingerprint string
}

// NewArtifact describes the file at path. A non-empty fingerprint is used as
// is; otherwise the SHA-256 of the file's bytes is computed.
func NewArtifact(path, fingerprint string) (Artifact, error) {
	if strings.TrimSpace(path) == "" {
		return Artifact{}, errors.New("artifact path is required")
	}
	if fp := strings.TrimSpace(fingerprint); fp != "" {
		return Artifact{Path: path, Fingerprint: fp}, nil
	}
	fp, err := FingerprintFile(path)
	if err != nil {
		return Artifact{}, err
	}
	return Artifact{Path: path, Fingerprint: fp}, nil
}

// FingerprintFile returns the hex SHA-256 of the file at path.
func FingerprintFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open artifact: %w", err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash artifact: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Decompiler produces the base source tree for an artifact.
type Decompiler interface {
	Decompile(ctx context.Context, artifact Artifact) (*patch.SourceTree, error)
}

// Func adapts a function to the Decompiler interface.
type Func func(ctx context.Context, artifact Artifact) (*patch.SourceTree, error)

// Decompile calls f and tags failures as DECOMPILE_ERROR.
func (f Func) Decompile(ctx context.Context, artifact Artifact) (*patch.SourceTree, error) {
	tree, err := f(ctx, artifact)
	if err != nil {
		return nil, Wrap(artifact, err)
	}
	if tree == nil {
		return nil, Wrap(artifact, errors.New("decompiler returned no tree"))
	}
	return tree, nil
}

// Wrap converts err into a *patch.Error with code DECOMPILE_ERROR. Errors that
// already carry that code are returned unchanged.
func Wrap(artifact Artifact, err error) error {
	if err == nil {
		return nil
	}
	if patch.ErrorCode(err) == patch.CodeDecompile {
		return err
	}
	return &patch.Error{
		Message:      fmt.Sprintf("decompile %s: %v", artifact.Path, err),
		Code:         patch.CodeDecompile,
		RelativePath: artifact.Path,
		Err:          err,
	}
}
