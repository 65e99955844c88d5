package patch

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
)

func TestParseModifyPatch(t *testing.T) {
	t.Parallel()

	body := strings.Join([]string{
		"diff --git a/src/Main.java b/src/Main.java",
		"--- a/src/Main.java\t2024-01-01",
		"+++ b/src/Main.java",
		"@@ -1,3 +1,2 @@ class Main",
		" a",
		"-b",
		" c",
		"@@ -10 +9,2 @@",
		" j",
		"+k",
		"",
	}, "\n")

	pf, err := Parse(body)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if pf.Path != "src/Main.java" || pf.Op != OpModify {
		t.Fatalf("unexpected header: %+v", pf)
	}
	if len(pf.Hunks) != 2 {
		t.Fatalf("expected 2 hunks, got %d", len(pf.Hunks))
	}
	first := pf.Hunks[0]
	if first.Section != "class Main" {
		t.Fatalf("section not captured: %q", first.Section)
	}
	if got := first.Before(); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("Before() = %#v", got)
	}
	if got := first.After(); !reflect.DeepEqual(got, []string{"a", "c"}) {
		t.Fatalf("After() = %#v", got)
	}
	second := pf.Hunks[1]
	if second.OldStart != 10 || second.OldCount != 1 || second.NewStart != 9 || second.NewCount != 2 {
		t.Fatalf("omitted counts not defaulted: %+v", second)
	}
}

func TestParseCreateAndDelete(t *testing.T) {
	t.Parallel()

	created, err := Parse("--- /dev/null\n+++ b/new/File.java\n@@ -0,0 +1,2 @@\n+x\n+y\n")
	if err != nil {
		t.Fatalf("Parse(create) returned error: %v", err)
	}
	if created.Op != OpCreate || created.Path != "new/File.java" {
		t.Fatalf("unexpected create patch: %+v", created)
	}

	deleted, err := Parse("--- a/old.txt\n+++ /dev/null\n@@ -1,1 +0,0 @@\n-gone\n")
	if err != nil {
		t.Fatalf("Parse(delete) returned error: %v", err)
	}
	if deleted.Op != OpDelete || deleted.Path != "old.txt" {
		t.Fatalf("unexpected delete patch: %+v", deleted)
	}
}

func TestParseBlankBodyLineIsEmptyContext(t *testing.T) {
	t.Parallel()

	pf, err := Parse("--- a/f\n+++ b/f\n@@ -1,3 +1,3 @@\n a\n\n-b\n+c\n")
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if got := pf.Hunks[0].Before(); !reflect.DeepEqual(got, []string{"a", "", "b"}) {
		t.Fatalf("Before() = %#v", got)
	}
}

func TestParseFormatErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
	}{
		{"no header", "@@ -1 +1 @@\n-a\n+b\n"},
		{"missing new header", "--- a/f\n@@ -1 +1 @@\n"},
		{"too few lines", "--- a/f\n+++ b/f\n@@ -1,3 +1,3 @@\n a\n b\n"},
		{"too few lines before next hunk", "--- a/f\n+++ b/f\n@@ -1,3 +1,3 @@\n a\n b\n@@ -9,1 +9,1 @@\n z\n"},
		{"too many lines", "--- a/f\n+++ b/f\n@@ -1,1 +1,1 @@\n a\n b\n"},
		{"bad header", "--- a/f\n+++ b/f\n@@ -x +1 @@\n a\n"},
		{"start out of range", "--- a/f\n+++ b/f\n@@ -9223372036854775807,1 +1,1 @@\n-x\n+y\n"},
		{"start beyond int", "--- a/f\n+++ b/f\n@@ -99999999999999999999,1 +1,1 @@\n-x\n+y\n"},
		{"count out of range", "--- a/f\n+++ b/f\n@@ -1,4294967296 +1,1 @@\n-x\n+y\n"},
		{"bad prefix", "--- a/f\n+++ b/f\n@@ -1,2 +1,2 @@\n a\n*b\n"},
		{"non monotonic", "--- a/f\n+++ b/f\n@@ -5,1 +5,1 @@\n a\n@@ -1,1 +1,1 @@\n b\n"},
		{"overlap", "--- a/f\n+++ b/f\n@@ -1,3 +1,3 @@\n a\n b\n c\n@@ -2,1 +2,1 @@\n b\n"},
		{"escaping path", "--- a/../etc/passwd\n+++ b/../etc/passwd\n@@ -1 +1 @@\n-a\n+b\n"},
		{"no hunks", "--- a/f\n+++ b/f\n"},
		{"two files", "--- a/f\n+++ b/f\n@@ -1 +1 @@\n-a\n+b\n--- a/g\n+++ b/g\n@@ -1 +1 @@\n-a\n+b\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse(tc.body)
			if err == nil {
				t.Fatalf("expected format error")
			}
			if !errors.Is(err, ErrFormat) {
				t.Fatalf("expected ErrFormat, got %v", err)
			}
		})
	}
}

// A hunk header declaring 3 context lines with only 2 present must be rejected.
func TestParseRejectsShortHunk(t *testing.T) {
	t.Parallel()

	_, err := Parse("--- a/A.java\n+++ b/A.java\n@@ -1,3 +1,3 @@\n a\n b\n")
	var pe *Error
	if !errors.As(err, &pe) || pe.Code != CodeFormat {
		t.Fatalf("expected FORMAT_ERROR, got %v", err)
	}
	if !strings.Contains(pe.Error(), "declares 3 original") {
		t.Fatalf("message should name the declared count: %q", pe.Error())
	}
}

func TestParseAcceptsLargestLineNumber(t *testing.T) {
	t.Parallel()

	pf, err := Parse(fmt.Sprintf("--- a/f\n+++ b/f\n@@ -%d,1 +%d,1 @@\n-x\n+y\n", MaxLineNumber, MaxLineNumber))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if pf.Hunks[0].OldStart != MaxLineNumber {
		t.Fatalf("OldStart = %d", pf.Hunks[0].OldStart)
	}

	pf.Hunks[0].OldStart = MaxLineNumber + 1
	if err := pf.Validate(); !errors.Is(err, ErrFormat) {
		t.Fatalf("Validate() = %v, want ErrFormat", err)
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	t.Parallel()

	patches := []PatchFile{
		{
			Path: "src/a/B.java",
			Op:   OpModify,
			Hunks: []Hunk{
				{OldStart: 1, OldCount: 3, NewStart: 1, NewCount: 3, Section: "public class B", Lines: []Line{
					{Kind: Context, Text: "package a;"},
					{Kind: Remove, Text: "int x = 1;"},
					{Kind: Add, Text: "int x = 2;"},
					{Kind: Context, Text: ""},
				}},
				{OldStart: 20, OldCount: 0, NewStart: 20, NewCount: 1, Lines: []Line{
					{Kind: Add, Text: "// tail"},
				}},
			},
		},
		{
			Path:  "created.txt",
			Op:    OpCreate,
			Hunks: []Hunk{{NewStart: 1, NewCount: 1, Lines: []Line{{Kind: Add, Text: "hello"}}}},
		},
		{Path: "empty-deleted.txt", Op: OpDelete},
		{
			Path:  "deleted.txt",
			Op:    OpDelete,
			Hunks: []Hunk{{OldStart: 1, OldCount: 2, Lines: []Line{{Kind: Remove, Text: "-x"}, {Kind: Remove, Text: "+y"}}}},
		},
	}

	for _, p := range patches {
		if err := p.Validate(); err != nil {
			t.Fatalf("fixture %s invalid: %v", p.Path, err)
		}
		text := Serialize(p)
		got, err := Parse(text)
		if err != nil {
			t.Fatalf("Parse(Serialize(%s)) returned error: %v\n%s", p.Path, err, text)
		}
		if !reflect.DeepEqual(got, p) {
			t.Fatalf("round trip mismatch for %s:\n got %#v\nwant %#v", p.Path, got, p)
		}
		if again := Serialize(got); again != text {
			t.Fatalf("serialization not stable for %s:\n%s\nvs\n%s", p.Path, again, text)
		}
	}
}

func TestValidateRejectsBadCounts(t *testing.T) {
	t.Parallel()

	p := PatchFile{Path: "f", Op: OpModify, Hunks: []Hunk{{
		OldStart: 1, OldCount: 2, NewStart: 1, NewCount: 1,
		Lines: []Line{{Kind: Context, Text: "a"}},
	}}}
	if err := p.Validate(); !errors.Is(err, ErrFormat) {
		t.Fatalf("expected ErrFormat, got %v", err)
	}
}
