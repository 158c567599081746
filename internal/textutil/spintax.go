// Package textutil implements the message-materialisation primitives shared
// by every broadcast: spintax expansion and zero-width uniqueness tagging.
package textutil

import (
	"math/rand"
	"strings"
)

// maxSpintaxDepth bounds the number of expansion passes so a pathological or
// malformed template (unbalanced braces) cannot loop forever.
const maxSpintaxDepth = 10

// ExpandSpintax resolves nested `{a|b|c}` alternation groups in s into one
// concrete string, picking uniformly at random among each innermost group's
// `|`-separated alternatives. Characters outside any group are preserved
// verbatim. If the recursion bound is exceeded the partially expanded text
// is returned rather than looping forever.
func ExpandSpintax(s string) string {
	return ExpandSpintaxRand(s, rand.New(rand.NewSource(rand.Int63())))
}

// ExpandSpintaxRand is ExpandSpintax with an injectable randomness source,
// so callers needing deterministic replay can seed their own *rand.Rand.
func ExpandSpintaxRand(s string, rng *rand.Rand) string {
	for depth := 0; depth < maxSpintaxDepth; depth++ {
		start, end, ok := findInnermostGroup(s)
		if !ok {
			return s
		}

		alts := strings.Split(s[start+1:end], "|")
		chosen := alts[rng.Intn(len(alts))]
		s = s[:start] + chosen + s[end+1:]
	}
	return s
}

// findInnermostGroup locates the first `{...}` group containing no nested
// `{`, returning the byte offsets of the opening and closing braces.
func findInnermostGroup(s string) (start, end int, ok bool) {
	lastOpen := -1
	for i, r := range s {
		switch r {
		case '{':
			lastOpen = i
		case '}':
			if lastOpen != -1 {
				return lastOpen, i, true
			}
		}
	}
	return 0, 0, false
}
