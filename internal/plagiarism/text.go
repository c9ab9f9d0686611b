package plagiarism

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode"
)

const (
	minSentenceLen  = 20
	queryGroupSize  = 3
	querySentenceLn = 200
	maxQueryLen     = 500
	minCompareLen   = 30
	matchThreshold  = 0.15
	maxSources      = 20
)

var (
	paragraphBreak = regexp.MustCompile(`\n\n+`)
	nonWord        = regexp.MustCompile(`[^\w\s]`)
)

// SplitSentences breaks text into sentences at ., ! or ? followed by
// whitespace. Fragments of 20 characters or fewer are dropped.
func SplitSentences(text string) []string {
	text = paragraphBreak.ReplaceAllString(text, ". ")
	text = strings.ReplaceAll(text, "\n", " ")

	var out []string
	keep := func(s string) {
		s = strings.TrimSpace(s)
		if len([]rune(s)) > minSentenceLen {
			out = append(out, s)
		}
	}

	runes := []rune(text)
	start := 0
	for i := 0; i < len(runes); i++ {
		if !isTerminal(runes[i]) || i+1 >= len(runes) || !unicode.IsSpace(runes[i+1]) {
			continue
		}
		keep(string(runes[start : i+1]))
		j := i + 1
		for j < len(runes) && unicode.IsSpace(runes[j]) {
			j++
		}
		start = j
		i = j - 1
	}
	if start < len(runes) {
		keep(string(runes[start:]))
	}
	return out
}

func isTerminal(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

// BuildQueries joins consecutive groups of three sentences into search
// queries, each sentence cut to 200 characters and the query to 500.
func BuildQueries(sentences []string) []string {
	var queries []string
	for i := 0; i < len(sentences); i += queryGroupSize {
		end := min(i+queryGroupSize, len(sentences))
		parts := make([]string, 0, end-i)
		for _, s := range sentences[i:end] {
			parts = append(parts, truncate(s, querySentenceLn))
		}
		queries = append(queries, truncate(strings.Join(parts, " "), maxQueryLen))
	}
	return queries
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func normalizeWords(text string) []string {
	text = nonWord.ReplaceAllString(strings.ToLower(text), "")
	var words []string
	for _, w := range strings.Fields(text) {
		if len([]rune(w)) > 2 {
			words = append(words, w)
		}
	}
	return words
}

func bigrams(words []string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for i := 0; i+1 < len(words); i++ {
		set[words[i]+"_"+words[i+1]] = struct{}{}
	}
	return set
}

// Similarity is the Dice coefficient over word bigrams of the two texts.
// Texts with fewer than three significant words score 0.
func Similarity(a, b string) float64 {
	wa, wb := normalizeWords(a), normalizeWords(b)
	if len(wa) < 3 || len(wb) < 3 {
		return 0
	}
	ba, bb := bigrams(wa), bigrams(wb)
	shared := 0
	for bg := range ba {
		if _, ok := bb[bg]; ok {
			shared++
		}
	}
	return 2 * float64(shared) / float64(len(ba)+len(bb))
}

// SentenceMatch is one document sentence found in a source.
type SentenceMatch struct {
	Index      int     `json:"index"`
	Sentence   string  `json:"sentence"`
	Similarity float64 `json:"similarity"`
}

// MatchSentences returns every sentence whose similarity to source reaches
// the match threshold, in document order.
func MatchSentences(sentences []string, source string) []SentenceMatch {
	var out []SentenceMatch
	for i, s := range sentences {
		if sim := Similarity(s, source); sim >= matchThreshold {
			out = append(out, SentenceMatch{Index: i, Sentence: s, Similarity: sim})
		}
	}
	return out
}

// Source is a publication that matched part of the document.
type Source struct {
	Title            string          `json:"title"`
	Authors          []string        `json:"authors"`
	Year             *int            `json:"year"`
	DOI              *string         `json:"doi"`
	URL              *string         `json:"url"`
	MatchPercentage  int             `json:"matchPercentage"`
	MatchedSentences []SentenceMatch `json:"matchedSentences"`
	SourceType       string          `json:"sourceType"`
}

// Result is the stored outcome of a plagiarism check. Field names follow the
// dashboard's camelCase reader.
type Result struct {
	OverallScore           int      `json:"overallScore"`
	TotalSentences         int      `json:"totalSentences"`
	MatchedSentenceCount   int      `json:"matchedSentenceCount"`
	Sources                []Source `json:"sources"`
	MatchedSentenceIndices []int    `json:"matchedSentenceIndices"`
}

// Analyze compares the document's sentences against candidate works, in the
// order they were found.
func Analyze(sentences []string, works []Work) Result {
	res := Result{TotalSentences: len(sentences), Sources: []Source{}, MatchedSentenceIndices: []int{}}
	if len(sentences) == 0 {
		return res
	}

	matched := map[int]struct{}{}
	for _, w := range works {
		matches := MatchSentences(sentences, w.CompareText())
		if len(matches) == 0 {
			continue
		}
		for _, m := range matches {
			matched[m.Index] = struct{}{}
		}
		res.Sources = append(res.Sources, w.source(percent(len(matches), len(sentences)), matches))
	}

	sort.SliceStable(res.Sources, func(i, j int) bool {
		return res.Sources[i].MatchPercentage > res.Sources[j].MatchPercentage
	})
	if len(res.Sources) > maxSources {
		res.Sources = res.Sources[:maxSources]
	}

	for idx := range matched {
		res.MatchedSentenceIndices = append(res.MatchedSentenceIndices, idx)
	}
	sort.Ints(res.MatchedSentenceIndices)
	res.MatchedSentenceCount = len(matched)
	res.OverallScore = percent(len(matched), len(sentences))
	return res
}

func percent(n, total int) int {
	return int(math.Round(float64(n) / float64(total) * 100))
}
