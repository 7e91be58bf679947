package retrieval

import (
	"context"
	"hash/fnv"
	"math"
	"regexp"
	"strings"
)

// KeywordEmbedder hashes content keywords into a fixed-size vector. It needs
// no network and serves as the offline embedder when no embedding service is
// configured.
type KeywordEmbedder struct {
	Dims int
}

// Embed implements Embedder.
func (k KeywordEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dims := k.Dims
	if dims <= 0 {
		dims = 256
	}

	vec := make([]float32, dims)
	for _, kw := range extractKeywords(text) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(kw))
		vec[h.Sum32()%uint32(dims)]++
	}
	return vec, nil
}

var wordRe = regexp.MustCompile(`[a-z0-9]+`)

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true,
	"am": true, "is": true, "are": true, "was": true, "were": true,
	"be": true, "been": true, "being": true, "have": true,
	"has": true, "had": true, "do": true, "does": true, "did": true,
	"will": true, "would": true, "could": true, "should": true,
	"can": true, "may": true, "might": true, "must": true, "shall": true,
	"i": true, "you": true, "he": true, "she": true, "it": true,
	"we": true, "they": true, "what": true, "which": true, "me": true,
	"who": true, "when": true, "where": true, "why": true,
	"how": true, "this": true, "that": true, "these": true, "those": true,
	"to": true, "for": true, "of": true, "with": true, "by": true,
	"from": true, "in": true, "on": true, "at": true, "as": true,
	"and": true, "or": true, "please": true, "my": true, "your": true,
}

// extractKeywords lowercases, splits on non-alphanumerics and drops stop
// words, words shorter than three letters and repeats.
func extractKeywords(text string) []string {
	words := wordRe.FindAllString(strings.ToLower(text), -1)

	var keywords []string
	seen := make(map[string]bool)
	for _, word := range words {
		if len(word) < 3 || stopWords[word] || seen[word] {
			continue
		}
		seen[word] = true
		keywords = append(keywords, word)
	}
	return keywords
}

// cosine returns the cosine similarity of a and b, or 0 when either is zero
// or their lengths differ.
func cosine(a []float32, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
