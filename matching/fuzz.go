package matching

import (
	"sort"
	"strings"
)

// String alignment measures used by the similarity scorer. All of them take
// already-normalized input and return a score in [0,1].

// ratio is the normalized InDel similarity: 2*LCS / (len(a)+len(b)), in runes.
func ratio(a, b string) float64 {
	return ratioRunes([]rune(a), []rune(b))
}

func ratioRunes(a, b []rune) float64 {
	total := len(a) + len(b)
	if total == 0 {
		return 0
	}
	return 2 * float64(lcsLength(a, b)) / float64(total)
}

func lcsLength(a, b []rune) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	if len(a) < len(b) {
		a, b = b, a
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			switch {
			case a[i-1] == b[j-1]:
				curr[j] = prev[j-1] + 1
			case prev[j] >= curr[j-1]:
				curr[j] = prev[j]
			default:
				curr[j] = curr[j-1]
			}
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

// partialRatio aligns the shorter string against every window of the longer
// one, including windows clipped at either edge, and keeps the best ratio.
// Containment of the shorter string scores 1 whichever argument it came from.
func partialRatio(a, b string) float64 {
	short, long := []rune(a), []rune(b)
	if len(short) > len(long) {
		short, long = long, short
	}
	if len(short) == 0 {
		return 0
	}
	if strings.Contains(string(long), string(short)) {
		return 1
	}

	m := len(short)
	best := 0.0
	for start := 1 - m; start < len(long); start++ {
		lo := max(start, 0)
		hi := min(start+m, len(long))
		if score := ratioRunes(short, long[lo:hi]); score > best {
			best = score
		}
	}
	return best
}

// tokenSortRatio ignores word order.
func tokenSortRatio(a, b string) float64 {
	return ratio(joinSorted(strings.Fields(a)), joinSorted(strings.Fields(b)))
}

// tokenSetRatio compares the shared tokens against each side's extras, so
// qualifiers like "live" or "remastered" on one side do not count against it.
func tokenSetRatio(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}

	var inter, diffAB, diffBA []string
	for tok := range setA {
		if _, ok := setB[tok]; ok {
			inter = append(inter, tok)
		} else {
			diffAB = append(diffAB, tok)
		}
	}
	for tok := range setB {
		if _, ok := setA[tok]; !ok {
			diffBA = append(diffBA, tok)
		}
	}

	if len(inter) > 0 && (len(diffAB) == 0 || len(diffBA) == 0) {
		return 1
	}

	sect := joinSorted(inter)
	ab := joinSorted(diffAB)
	ba := joinSorted(diffBA)
	if sect == "" {
		return ratio(ab, ba)
	}

	sectAB := sect + " " + ab
	sectBA := sect + " " + ba
	return max(ratio(sectAB, sectBA), ratio(sect, sectAB), ratio(sect, sectBA))
}

func tokenSet(s string) map[string]struct{} {
	fields := strings.Fields(s)
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

func joinSorted(tokens []string) string {
	sorted := make([]string, len(tokens))
	copy(sorted, tokens)
	sort.Strings(sorted)
	return strings.Join(sorted, " ")
}
