package internal

import (
	"math"
	"slices"
	"strings"
	"unicode"

	"github.com/hbollon/go-edlib"
)

// BM25 parameters. k1 tempers term-frequency saturation, b the length
// normalization. Standard values work well for verse- and article-sized
// documents.
const (
	_k1 = 1.2
	_b  = 0.75

	// _prefixWeight discounts prefix-only matches, and _fuzzyWeight caps the
	// contribution of fuzzy matches below any exact match.
	_prefixWeight = 0.5
	_fuzzyWeight  = 0.8

	// _minFuzzyLen skips fuzzy expansion for very short terms, which would
	// otherwise match half the vocabulary.
	_minFuzzyLen = 3
)

// index is a worker-local inverted index. It lives for one request and is
// discarded with the worker.
type index struct {
	paths    []string
	contents []string
	docLens  []int
	totalLen int
	postings map[string][]posting
}

type posting struct {
	doc int32
	tf  int32
}

func newIndex() *index {
	return &index{postings: map[string][]posting{}}
}

// add indexes one document. Empty or whitespace-only documents are dropped.
func (ix *index) add(path, content string) {
	tokens := tokenize(content)
	if len(tokens) == 0 {
		return
	}

	doc := int32(len(ix.paths))
	ix.paths = append(ix.paths, path)
	ix.contents = append(ix.contents, content)
	ix.docLens = append(ix.docLens, len(tokens))
	ix.totalLen += len(tokens)

	freqs := map[string]int32{}
	for _, t := range tokens {
		freqs[t]++
	}
	for t, tf := range freqs {
		ix.postings[t] = append(ix.postings[t], posting{doc: doc, tf: tf})
	}
}

func (ix *index) size() int { return len(ix.paths) }

// tokenize lowercases and splits on anything that isn't a letter or digit.
// Numeric tokens are kept: chapter and verse numbers are searchable.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// scoredDoc is one ranked document with the vocabulary terms that matched,
// exact matches first. The terms drive preview extraction.
type scoredDoc struct {
	path    string
	content string
	score   float64
	terms   []string
}

// candidate is a vocabulary term matched by a query term, with the weight its
// BM25 contribution is scaled by.
type candidate struct {
	term   string
	weight float64
}

// search scores the disjunction of the query terms and returns documents in
// descending score order with deterministic tie-breaks (shorter path, then
// lexicographic).
func (ix *index) search(query string, fuzzy float64, prefix bool) []scoredDoc {
	qterms := dedupe(tokenize(query))
	if len(qterms) == 0 || len(ix.paths) == 0 {
		return nil
	}

	n := float64(len(ix.paths))
	avgLen := float64(ix.totalLen) / n

	scores := map[int32]float64{}
	matched := map[int32][]string{}

	for _, q := range qterms {
		for _, c := range ix.expand(q, fuzzy, prefix) {
			idf := math.Log(1 + (n-float64(len(ix.postings[c.term]))+0.5)/(float64(len(ix.postings[c.term]))+0.5))
			for _, p := range ix.postings[c.term] {
				tf := float64(p.tf)
				norm := tf * (_k1 + 1) / (tf + _k1*(1-_b+_b*float64(ix.docLens[p.doc])/avgLen))
				scores[p.doc] += c.weight * idf * norm

				if !slices.Contains(matched[p.doc], c.term) {
					if c.weight == 1.0 {
						// Exact matches lead so previews prefer them.
						matched[p.doc] = append([]string{c.term}, matched[p.doc]...)
					} else {
						matched[p.doc] = append(matched[p.doc], c.term)
					}
				}
			}
		}
	}

	out := make([]scoredDoc, 0, len(scores))
	for doc, score := range scores {
		if score <= 0 {
			continue
		}
		out = append(out, scoredDoc{
			path:    ix.paths[doc],
			content: ix.contents[doc],
			score:   score,
			terms:   matched[doc],
		})
	}

	slices.SortFunc(out, func(a, b scoredDoc) int {
		switch {
		case a.score > b.score:
			return -1
		case a.score < b.score:
			return 1
		case len(a.path) != len(b.path):
			return len(a.path) - len(b.path)
		default:
			return strings.Compare(a.path, b.path)
		}
	})

	return out
}

// expand maps one query term to the vocabulary terms it matches. Exact wins
// over prefix wins over fuzzy when a term qualifies more than one way.
func (ix *index) expand(q string, fuzzy float64, prefix bool) []candidate {
	cands := map[string]float64{}

	if _, ok := ix.postings[q]; ok {
		cands[q] = 1.0
	}

	if prefix {
		for term := range ix.postings {
			if term == q || !strings.HasPrefix(term, q) {
				continue
			}
			cands[term] = max(cands[term], _prefixWeight)
		}
	}

	if fuzzy > 0 && len(q) >= _minFuzzyLen {
		for term := range ix.postings {
			if _, ok := cands[term]; ok {
				continue
			}
			// Cheap length screen before the edit-distance call.
			if lengthGap(q, term) > fuzzy {
				continue
			}
			sim, err := edlib.StringsSimilarity(q, term, edlib.DamerauLevenshtein)
			if err != nil {
				continue
			}
			if 1-float64(sim) <= fuzzy {
				cands[term] = float64(sim) * _fuzzyWeight
			}
		}
	}

	out := make([]candidate, 0, len(cands))
	for term, weight := range cands {
		out = append(out, candidate{term: term, weight: weight})
	}
	// Map iteration order is random; sort so scoring is reproducible.
	slices.SortFunc(out, func(a, b candidate) int { return strings.Compare(a.term, b.term) })
	return out
}

// lengthGap lower-bounds the normalized edit distance between two strings.
func lengthGap(a, b string) float64 {
	la, lb := len([]rune(a)), len([]rune(b))
	if la < lb {
		la, lb = lb, la
	}
	if la == 0 {
		return 0
	}
	return float64(la-lb) / float64(la)
}

func dedupe(ts []string) []string {
	slices.Sort(ts)
	return slices.Compact(ts)
}
