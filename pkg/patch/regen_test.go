package patch

import (
	"context"
	"reflect"
	"strings"
	"testing"
)

func roundTrip(t *testing.T, base, edited *SourceTree, contextLines int) (*PatchSet, *SourceTree) {
	t.Helper()
	set, err := NewRegenerator(contextLines).Regenerate(base, edited)
	if err != nil {
		t.Fatalf("Regenerate returned error: %v", err)
	}
	patched, results, err := NewApplier(DefaultOptions()).Apply(context.Background(), base, set)
	if err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}
	for _, r := range results {
		if r.Status != StatusApplied {
			t.Fatalf("regenerated patch for %s applied with status %s: %s", r.Path, r.Status, r.Message())
		}
	}
	return set, patched
}

func TestRegenerateThenApplyReproducesEdits(t *testing.T) {
	t.Parallel()

	lines := numbered("line", 40)
	edited := append([]string(nil), lines...)
	edited[1] = "changed two"
	edited = append(edited[:20], edited[22:]...)
	edited = append(edited, "appended")

	base := mustTree(t, map[string]string{
		"src/Keep.java":   text("same"),
		"src/Edit.java":   text(lines...),
		"src/Delete.java": text("bye", "now"),
	})
	target := mustTree(t, map[string]string{
		"src/Keep.java":   text("same"),
		"src/Edit.java":   text(edited...),
		"src/Create.java": text("hello", "", "world"),
	})

	set, patched := roundTrip(t, base, target, DefaultContextLines)
	if !patched.Equal(target) {
		t.Fatalf("apply(regenerate) mismatch:\n got %#v\nwant %#v", patched.Snapshot(), target.Snapshot())
	}

	var paths []string
	for _, pf := range set.Files() {
		paths = append(paths, pf.Path)
	}
	want := []string{"src/Create.java", "src/Delete.java", "src/Edit.java"}
	if !reflect.DeepEqual(paths, want) {
		t.Fatalf("patched paths = %#v, want %#v", paths, want)
	}
	if pf, _ := set.Get("src/Create.java"); pf.Op != OpCreate {
		t.Fatalf("expected create op, got %s", pf.Op)
	}
	if pf, _ := set.Get("src/Delete.java"); pf.Op != OpDelete {
		t.Fatalf("expected delete op, got %s", pf.Op)
	}
	if pf, _ := set.Get("src/Edit.java"); len(pf.Hunks) != 3 {
		t.Fatalf("expected 3 separated hunks, got %d", len(pf.Hunks))
	}
}

func TestRegenerateIsIdempotent(t *testing.T) {
	t.Parallel()

	base := mustTree(t, map[string]string{"a.txt": text("1", "2", "3", "4")})
	edited := mustTree(t, map[string]string{"a.txt": text("1", "two", "3", "4", "5")})

	first, err := NewRegenerator(DefaultContextLines).Regenerate(base, edited)
	if err != nil {
		t.Fatalf("Regenerate returned error: %v", err)
	}
	second, err := NewRegenerator(DefaultContextLines).Regenerate(base, edited)
	if err != nil {
		t.Fatalf("Regenerate returned error: %v", err)
	}
	if !reflect.DeepEqual(first.Files(), second.Files()) {
		t.Fatalf("regeneration is not deterministic")
	}

	empty, err := NewRegenerator(DefaultContextLines).Regenerate(edited, edited)
	if err != nil {
		t.Fatalf("Regenerate returned error: %v", err)
	}
	if empty.Len() != 0 {
		t.Fatalf("identical trees produced %d patches", empty.Len())
	}
}

func TestRegenerateIgnoresLineEndingOnlyChanges(t *testing.T) {
	t.Parallel()

	base := mustTree(t, map[string]string{"w.txt": "a\r\nb\r\n"})
	edited := mustTree(t, map[string]string{"w.txt": "a\nb\n"})
	set, err := NewRegenerator(DefaultContextLines).Regenerate(base, edited)
	if err != nil {
		t.Fatalf("Regenerate returned error: %v", err)
	}
	if set.Len() != 0 {
		t.Fatalf("line ending change produced a patch")
	}
}

func TestRegeneratorContextGrouping(t *testing.T) {
	t.Parallel()

	old := numbered("l", 20)
	edited := append([]string(nil), old...)
	edited[2] = "X"
	edited[9] = "Y"

	cases := []struct {
		context int
		hunks   int
	}{
		{context: 0, hunks: 2},
		{context: 3, hunks: 1},
		{context: 4, hunks: 1},
		{context: 2, hunks: 2},
	}
	for _, tc := range cases {
		pf, changed := NewRegenerator(tc.context).Diff("f", old, edited)
		if !changed {
			t.Fatalf("expected a change")
		}
		if len(pf.Hunks) != tc.hunks {
			t.Fatalf("context %d: got %d hunks, want %d", tc.context, len(pf.Hunks), tc.hunks)
		}
		if err := pf.Validate(); err != nil {
			t.Fatalf("context %d: generated patch invalid: %v", tc.context, err)
		}
	}

	pf, _ := NewRegenerator(DefaultContextLines).Diff("f", old, edited)
	h := pf.Hunks[0]
	if h.OldStart != 1 || h.OldCount != 13 || h.NewStart != 1 || h.NewCount != 13 {
		t.Fatalf("unexpected header %s", h.Header())
	}
}

func TestRegeneratedPatchSurvivesSerialization(t *testing.T) {
	t.Parallel()

	base := mustTree(t, map[string]string{"m.go": text("package m", "", "func A() {}", "")})
	edited := mustTree(t, map[string]string{"m.go": text("package m", "", "func A() {}", "", "func B() {}")})

	set, err := NewRegenerator(DefaultContextLines).Regenerate(base, edited)
	if err != nil {
		t.Fatalf("Regenerate returned error: %v", err)
	}
	pf, _ := set.Get("m.go")
	raw := Serialize(pf)
	if !strings.Contains(raw, "+func B() {}") {
		t.Fatalf("serialized patch missing addition:\n%s", raw)
	}
	parsed, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse returned error: %v\n%s", err, raw)
	}
	if !reflect.DeepEqual(parsed, pf) {
		t.Fatalf("parsed patch differs from generated one")
	}
}

func TestRegenerateEmptyFiles(t *testing.T) {
	t.Parallel()

	base := mustTree(t, map[string]string{"gone.txt": ""})
	edited := mustTree(t, map[string]string{"fresh.txt": ""})
	set, patched := roundTrip(t, base, edited, DefaultContextLines)
	if set.Len() != 2 {
		t.Fatalf("expected create and delete, got %d patches", set.Len())
	}
	if !patched.Equal(edited) {
		t.Fatalf("unexpected tree %#v", patched.Snapshot())
	}
}
