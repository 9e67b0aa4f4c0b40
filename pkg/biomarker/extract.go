package biomarker

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

var valueAfterLabel = regexp.MustCompile(`^[^0-9\n]{0,40}?(\d+(?:[.,]\d+)?)`)

// Extract scans report text line by line and classifies every catalog
// biomarker it finds. On each line the longest matching alias wins, so
// "Colesterol LDL" is read as LDL rather than total cholesterol. Only the
// first value per biomarker is kept. Results follow catalog order.
func Extract(text string) []Result {
	found := make(map[string]float64)
	for _, line := range strings.Split(strings.ToLower(text), "\n") {
		def, rest, ok := matchLine(line)
		if !ok {
			continue
		}
		if _, seen := found[def.Key]; seen {
			continue
		}
		m := valueAfterLabel.FindStringSubmatch(rest)
		if len(m) < 2 {
			continue
		}
		v, err := strconv.ParseFloat(strings.Replace(m[1], ",", ".", 1), 64)
		if err != nil {
			continue
		}
		found[def.Key] = v
	}

	results := make([]Result, 0, len(found))
	for _, def := range catalog {
		if v, ok := found[def.Key]; ok {
			results = append(results, Classify(def, v))
		}
	}
	return results
}

func matchLine(line string) (Definition, string, bool) {
	var (
		best    Definition
		bestLen int
		rest    string
	)
	for _, def := range catalog {
		for _, alias := range def.Aliases {
			idx := indexWord(line, alias)
			if idx < 0 || len(alias) <= bestLen {
				continue
			}
			best, bestLen, rest = def, len(alias), line[idx+len(alias):]
		}
	}
	return best, rest, bestLen > 0
}

// indexWord finds alias in s where it is not embedded in a longer word.
func indexWord(s, alias string) int {
	offset := 0
	for {
		i := strings.Index(s[offset:], alias)
		if i < 0 {
			return -1
		}
		start := offset + i
		end := start + len(alias)
		before, _ := utf8.DecodeLastRuneInString(s[:start])
		after, _ := utf8.DecodeRuneInString(s[end:])
		if (start == 0 || !unicode.IsLetter(before)) && (end == len(s) || !unicode.IsLetter(after)) {
			return start
		}
		offset = start + 1
	}
}
