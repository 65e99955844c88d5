package patch

// Fuzz levels understood by the Matcher.
const (
	// FuzzExact requires every context and remove line to match.
	FuzzExact = 0
	// FuzzTrailing ignores the hunk's trailing context run.
	FuzzTrailing = 1
	// FuzzBoth ignores the leading and trailing context runs.
	FuzzBoth = 2
)

// Defaults returned by DefaultOptions.
const (
	DefaultSearchRadius = 100
	DefaultMaxFuzz      = FuzzBoth
)

// Matcher locates the line at which a hunk applies in a target that may have
// drifted from the file the hunk was authored against.
type Matcher struct {
	// SearchRadius bounds how far from the expected line candidates are tried.
	SearchRadius int
	// MaxFuzz is the highest fuzz level tried, clamped to FuzzBoth.
	MaxFuzz int
}

// Match describes where a hunk was found.
type Match struct {
	Index  int
	Offset int
	Fuzz   int
}

// Find searches target for the hunk's original lines. Candidates are tried at
// expected, expected+1, expected-1, expected+2, ... up to SearchRadius and, at
// each candidate, fuzz levels from exact upward; the first hit wins. Candidates
// before lowerBound are never returned so relocated hunks cannot overlap.
func (m Matcher) Find(target []string, h Hunk, expected, lowerBound int) (Match, bool) {
	if lowerBound < 0 {
		lowerBound = 0
	}
	before := h.Before()
	if len(before) == 0 {
		// Pure insertions carry no context to search for.
		if expected >= lowerBound && expected <= len(target) {
			return Match{Index: expected}, true
		}
		return Match{}, false
	}

	lead, trail := contextRuns(h)
	maxFuzz := m.MaxFuzz
	if maxFuzz > FuzzBoth {
		maxFuzz = FuzzBoth
	}
	radius := m.SearchRadius
	if radius < 0 {
		radius = 0
	}

	for distance := 0; distance <= radius; distance++ {
		for _, offset := range candidateOffsets(distance) {
			index := expected + offset
			if index < lowerBound || index > len(target)-len(before) {
				continue
			}
			prevLo, prevHi := -1, -1
			for fuzz := FuzzExact; fuzz <= maxFuzz; fuzz++ {
				lo, hi := fuzzWindow(fuzz, lead, trail, len(before))
				if lo >= hi || (lo == prevLo && hi == prevHi) {
					continue
				}
				prevLo, prevHi = lo, hi
				if linesEqual(target[index+lo:index+hi], before[lo:hi]) {
					return Match{Index: index, Offset: offset, Fuzz: fuzz}, true
				}
			}
		}
	}
	return Match{}, false
}

func candidateOffsets(distance int) []int {
	if distance == 0 {
		return []int{0}
	}
	return []int{distance, -distance}
}

// fuzzWindow returns the [lo, hi) range of the hunk's original lines that must
// match at the given fuzz level.
func fuzzWindow(fuzz, lead, trail, total int) (int, int) {
	lo, hi := 0, total
	if fuzz >= FuzzTrailing {
		hi = total - trail
	}
	if fuzz >= FuzzBoth {
		lo = lead
	}
	return lo, hi
}

// contextRuns counts the context lines before the first change and after the
// last change. A hunk made only of context reports its full length for both.
func contextRuns(h Hunk) (lead, trail int) {
	for _, l := range h.Lines {
		if l.Kind != Context {
			break
		}
		lead++
	}
	for i := len(h.Lines) - 1; i >= 0; i-- {
		if h.Lines[i].Kind != Context {
			break
		}
		trail++
	}
	return lead, trail
}

func linesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
