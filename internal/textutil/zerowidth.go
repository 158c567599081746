package textutil

import (
	"fmt"
	"math/rand"
	"strings"
)

// zeroWidthPool is the fixed set of invisible code points the tagger draws
// from: zero-width space, zero-width non-joiner, zero-width joiner, byte
// order mark, word joiner, invisible times.
var zeroWidthPool = []rune{
	'​', // zero-width space
	'‌', // zero-width non-joiner
	'‍', // zero-width joiner
	'\U0000FEFF', // byte order mark
	'⁠', // word joiner
	'⁢', // invisible times
}

// TagUnique appends a short random run of invisible code points to s and
// returns both the tagged text and a debug token describing which pool
// indices were chosen, e.g. "zw[3]:0,4,2". The suffix never changes the
// text's rendered/visible characters.
func TagUnique(s string) (tagged string, debugToken string) {
	return TagUniqueRand(s, rand.New(rand.NewSource(rand.Int63())))
}

// TagUniqueRand is TagUnique with an injectable randomness source.
func TagUniqueRand(s string, rng *rand.Rand) (tagged string, debugToken string) {
	n := rng.Intn(5) + 1 // 1..5

	var suffix strings.Builder
	indices := make([]string, 0, n)
	for i := 0; i < n; i++ {
		idx := rng.Intn(len(zeroWidthPool))
		suffix.WriteRune(zeroWidthPool[idx])
		indices = append(indices, fmt.Sprintf("%d", idx))
	}

	tagged = s + suffix.String()
	debugToken = fmt.Sprintf("zw[%d]:%s", n, strings.Join(indices, ","))
	return tagged, debugToken
}
