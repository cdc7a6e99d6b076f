package retriever

import (
	"math"
	"regexp"
	"strings"
)

// bm25Index scores chunks by lexical term overlap using Okapi BM25 with the
// usual k1/b constants. Chunk text is the heading-weighted representation,
// so heading terms count more heavily in domains that boost them.
type bm25Index struct {
	docTF     []map[string]int
	docLen    []int
	avgDocLen float64
	df        map[string]int
	n         int
}

const (
	bm25K1 = 1.5
	bm25B  = 0.75
)

var tokenPattern = regexp.MustCompile(`\p{L}+(?:['’]\p{L}+)*|\p{N}+`)

func tokenize(text string) []string {
	lower := strings.ToLower(text)
	raw := tokenPattern.FindAllString(lower, -1)
	out := make([]string, 0, len(raw))
	for _, tok := range raw {
		if _, isStop := stopwords[tok]; isStop {
			continue
		}
		out = append(out, tok)
	}
	return out
}

func newBM25Index(docs []string) *bm25Index {
	idx := &bm25Index{
		docTF:  make([]map[string]int, len(docs)),
		docLen: make([]int, len(docs)),
		df:     make(map[string]int),
		n:      len(docs),
	}
	var totalLen int
	for i, doc := range docs {
		tokens := tokenize(doc)
		tf := make(map[string]int, len(tokens))
		for _, tok := range tokens {
			tf[tok]++
		}
		for tok := range tf {
			idx.df[tok]++
		}
		idx.docTF[i] = tf
		idx.docLen[i] = len(tokens)
		totalLen += len(tokens)
	}
	if idx.n > 0 {
		idx.avgDocLen = float64(totalLen) / float64(idx.n)
	}
	return idx
}

// scores returns the BM25 score of every document for the query, in document
// order.
func (idx *bm25Index) scores(query string) []float64 {
	out := make([]float64, idx.n)
	if idx.n == 0 || idx.avgDocLen == 0 {
		return out
	}
	queryTokens := tokenize(query)
	for _, tok := range queryTokens {
		df, ok := idx.df[tok]
		if !ok {
			continue
		}
		idf := math.Log(1 + (float64(idx.n)-float64(df)+0.5)/(float64(df)+0.5))
		for i := range idx.docTF {
			tf := float64(idx.docTF[i][tok])
			if tf == 0 {
				continue
			}
			denom := tf + bm25K1*(1-bm25B+bm25B*float64(idx.docLen[i])/idx.avgDocLen)
			out[i] += idf * tf * (bm25K1 + 1) / denom
		}
	}
	return out
}

var stopwords = func() map[string]struct{} {
	words := []string{
		"a", "an", "the", "and", "or", "but", "if", "then", "else", "for", "to",
		"of", "in", "on", "at", "by", "with", "as", "is", "are", "was", "were",
		"be", "been", "being", "it", "this", "that", "these", "those", "from",
		"up", "down", "over", "under", "than", "so", "such", "into", "about",
		"between", "through", "during", "before", "after", "above", "below",
		"out", "off", "own", "same", "too", "very", "can", "will", "just",
		"should", "now",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}()
