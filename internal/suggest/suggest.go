// Package suggest proposes close spellings for mistyped CLI input using
// Levenshtein distance.
package suggest

import (
	"sort"
	"strings"
)

const maxSuggestions = 3

// distance is the Levenshtein edit distance over runes, kept to two rows.
func distance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			sub := prev[j-1]
			if ra[i-1] != rb[j-1] {
				sub++
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, sub)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimLeft(s, "-"))
}

// Closest returns up to three candidates near unknown, nearest first. Case
// and leading dashes are ignored. A candidate qualifies within three edits,
// or half the input length for long input.
func Closest(unknown string, candidates []string) []string {
	needle := normalize(unknown)
	limit := max(3, len([]rune(needle))/2)

	dist := make(map[string]int, len(candidates))
	var out []string
	for _, c := range candidates {
		if d := distance(needle, normalize(c)); d <= limit {
			dist[c] = d
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return dist[out[i]] < dist[out[j]] })
	if len(out) > maxSuggestions {
		out = out[:maxSuggestions]
	}
	return out
}
