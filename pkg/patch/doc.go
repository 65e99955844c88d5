// Package patch provides the patch engine used to turn a freshly decompiled source
// tree into a reproducible, patched one.
//
// It exposes an in-memory SourceTree model, a strict unified-diff codec (Parse and
// Serialize), a Matcher that tolerates line drift and limited context mismatch, an
// Applier that applies a PatchSet to a base tree without mutating it, and a
// Regenerator that derives a PatchSet from an edited tree. Helpers in filesystem.go
// load and store trees and patch directories on disk.
//
// Hunk.After, File.Digest, SourceTree.Digest and SourceTree.Fingerprint are
// exported for callers that compare trees or hunks by content; the decompilation
// cache uses SourceTree.Fingerprint to reject entries edited after they were
// stored.
package patch
