package index

import (
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"unicode"
)

// SparseVector is a BM25-style keyword vector over hashed token indices,
// sorted ascending by index.
type SparseVector struct {
	Indices []uint32  `json:"indices"`
	Values  []float32 `json:"values"`
}

// KeywordEncoder turns keyword tokens into sparse vectors. Implementations
// may fail when the underlying engine is unavailable; the index then
// degrades to vector-only scoring.
type KeywordEncoder interface {
	EncodeDocument(tokens []string) (SparseVector, error)
	EncodeQuery(tokens []string) (SparseVector, error)
}

const (
	docBM25K       = 1.2
	queryBM25K     = 1.2
	maxSparseTerms = 256
)

// BM25Encoder is the default in-process keyword engine.
type BM25Encoder struct{}

func (BM25Encoder) EncodeDocument(tokens []string) (SparseVector, error) {
	return encodeTerms(tokens, docBM25K), nil
}

func (BM25Encoder) EncodeQuery(tokens []string) (SparseVector, error) {
	return encodeTerms(tokens, queryBM25K), nil
}

func encodeTerms(tokens []string, k float64) SparseVector {
	termFreq := make(map[uint32]float64, len(tokens))
	for _, token := range tokens {
		if token == "" {
			continue
		}
		termFreq[hashToken(token)]++
	}
	if len(termFreq) == 0 {
		return SparseVector{}
	}

	indices := make([]uint32, 0, len(termFreq))
	for idx := range termFreq {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	if len(indices) > maxSparseTerms {
		indices = indices[:maxSparseTerms]
	}

	values := make([]float32, 0, len(indices))
	for _, idx := range indices {
		tf := termFreq[idx]
		weight := (tf * (k + 1.0)) / (tf + k)
		if math.IsNaN(weight) || math.IsInf(weight, 0) {
			weight = 0
		}
		values = append(values, float32(weight))
	}
	return SparseVector{Indices: indices, Values: values}
}

func hashToken(token string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(token))
	sum := h.Sum32()
	if sum == 0 {
		return 1
	}
	return sum
}

// dotSparse walks two index-sorted sparse vectors.
func dotSparse(a, b SparseVector) float64 {
	var sum float64
	i, j := 0, 0
	for i < len(a.Indices) && j < len(b.Indices) {
		switch {
		case a.Indices[i] == b.Indices[j]:
			sum += float64(a.Values[i]) * float64(b.Values[j])
			i++
			j++
		case a.Indices[i] < b.Indices[j]:
			i++
		default:
			j++
		}
	}
	return sum
}

// Tokenize splits text into lowercase alphanumeric words and appends
// word shingles up to ngram size for phrase sensitivity.
func Tokenize(text string, ngram int) []string {
	words := splitAlphaNumLower(text)
	if len(words) == 0 {
		return nil
	}
	tokens := make([]string, 0, len(words)*2)
	tokens = append(tokens, words...)
	for n := 2; n <= ngram; n++ {
		for i := 0; i+n <= len(words); i++ {
			tokens = append(tokens, strings.Join(words[i:i+n], " "))
		}
	}
	return tokens
}

func splitAlphaNumLower(s string) []string {
	if s == "" {
		return nil
	}
	out := make([]string, 0, 16)
	var b strings.Builder
	for _, r := range s {
		r = unicode.ToLower(r)
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			continue
		}
		if b.Len() > 0 {
			out = append(out, b.String())
			b.Reset()
		}
	}
	if b.Len() > 0 {
		out = append(out, b.String())
	}
	return out
}
