package search

import (
	"math"
	"sort"
	"strings"
	"sync"
)

// BM25 parameters. Standard values; tuned for short identifier documents.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// minPartialTokenLength is the shortest token eligible for prefix matching
// in non-strict mode.
const minPartialTokenLength = 3

// docKey identifies one indexed record.
type docKey struct {
	entityType string
	primaryKey string
}

type document struct {
	key    docKey
	tokens map[string]int // token -> term frequency
	length int
}

// Options controls a search call.
type Options struct {
	// TypeFilter restricts results to these entity types (base-type match).
	TypeFilter []string
	// ExcludeTypeFilter removes these entity types from results.
	ExcludeTypeFilter []string
	// MaxResults caps the overall result count; 0 means no cap.
	MaxResults int
	// NumRecordPerType caps results per base entity type; 0 means no cap.
	NumRecordPerType int
	// Strict requires exact token equality; otherwise prefix/partial
	// matches are permitted.
	Strict bool
	// AllProps requests full entity property hydration on results.
	AllProps bool
}

// Result is one ranked search hit.
type Result struct {
	EntityType string
	PrimaryKey string
	Score      float64
}

// Index is an in-memory BM25 index over record token sets. Postings are
// derived, rebuildable state; durability lives in the graph store.
type Index struct {
	mu       sync.RWMutex
	docs     map[docKey]*document
	postings map[string]map[docKey]struct{}
	totalLen int
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{
		docs:     make(map[docKey]*document),
		postings: make(map[string]map[docKey]struct{}),
	}
}

// Add indexes (or re-indexes) one record's token set. Re-adding the same
// record replaces its previous postings, keeping the operation idempotent.
func (ix *Index) Add(entityType, primaryKey string, tokens []string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	key := docKey{entityType: entityType, primaryKey: primaryKey}
	if old, ok := ix.docs[key]; ok {
		ix.removeLocked(key, old)
	}

	doc := &document{key: key, tokens: make(map[string]int, len(tokens))}
	for _, t := range tokens {
		doc.tokens[t]++
		doc.length++
	}
	ix.docs[key] = doc
	ix.totalLen += doc.length
	for t := range doc.tokens {
		posting, ok := ix.postings[t]
		if !ok {
			posting = make(map[docKey]struct{})
			ix.postings[t] = posting
		}
		posting[key] = struct{}{}
	}
}

// Merge unions tokens into a record's existing token set, creating the
// record when absent. Used when upstream deduplication has already
// filtered the token source and a plain Add would drop prior postings.
func (ix *Index) Merge(entityType, primaryKey string, tokens []string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	key := docKey{entityType: entityType, primaryKey: primaryKey}
	doc, ok := ix.docs[key]
	if !ok {
		doc = &document{key: key, tokens: make(map[string]int, len(tokens))}
		ix.docs[key] = doc
	}
	for _, t := range tokens {
		if _, seen := doc.tokens[t]; seen {
			continue
		}
		doc.tokens[t] = 1
		doc.length++
		ix.totalLen++
		posting, ok := ix.postings[t]
		if !ok {
			posting = make(map[docKey]struct{})
			ix.postings[t] = posting
		}
		posting[key] = struct{}{}
	}
}

// Remove drops a record from the index.
func (ix *Index) Remove(entityType, primaryKey string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	key := docKey{entityType: entityType, primaryKey: primaryKey}
	if doc, ok := ix.docs[key]; ok {
		ix.removeLocked(key, doc)
	}
}

func (ix *Index) removeLocked(key docKey, doc *document) {
	for t := range doc.tokens {
		delete(ix.postings[t], key)
		if len(ix.postings[t]) == 0 {
			delete(ix.postings, t)
		}
	}
	ix.totalLen -= doc.length
	delete(ix.docs, key)
}

// Clear resets the index.
func (ix *Index) Clear() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.docs = make(map[docKey]*document)
	ix.postings = make(map[string]map[docKey]struct{})
	ix.totalLen = 0
}

// Len returns the number of indexed records.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.docs)
}

// Search runs a ranked fuzzy lookup. Keyword groups combine as AND across
// groups with OR within a group: a record must match at least one keyword
// token from every group.
func (ix *Index) Search(keywordGroups [][]string, opts Options) []Result {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if len(ix.docs) == 0 || len(keywordGroups) == 0 {
		return nil
	}

	include := toTypeSet(opts.TypeFilter)
	exclude := toTypeSet(opts.ExcludeTypeFilter)

	// Per group: the set of docs matching any keyword token, plus the index
	// tokens each doc matched on (for scoring).
	var candidates map[docKey]map[string]struct{}
	for _, group := range keywordGroups {
		queryTokens := TokenizeQuery(group)
		if len(queryTokens) == 0 {
			continue
		}
		groupMatches := make(map[docKey]map[string]struct{})
		for _, qt := range queryTokens {
			for _, indexToken := range ix.matchingTokens(qt, opts.Strict) {
				for key := range ix.postings[indexToken] {
					matched, ok := groupMatches[key]
					if !ok {
						matched = make(map[string]struct{})
						groupMatches[key] = matched
					}
					matched[indexToken] = struct{}{}
				}
			}
		}
		if candidates == nil {
			candidates = groupMatches
		} else {
			for key, matched := range candidates {
				groupMatched, ok := groupMatches[key]
				if !ok {
					delete(candidates, key)
					continue
				}
				for t := range groupMatched {
					matched[t] = struct{}{}
				}
			}
		}
		if len(candidates) == 0 {
			return nil
		}
	}

	avgLen := float64(ix.totalLen) / float64(len(ix.docs))
	results := make([]Result, 0, len(candidates))
	for key, matchedTokens := range candidates {
		base := strings.ToLower(BaseEntityType(key.entityType))
		if len(include) > 0 {
			if _, ok := include[base]; !ok {
				if _, ok := include[strings.ToLower(key.entityType)]; !ok {
					continue
				}
			}
		}
		if _, ok := exclude[base]; ok {
			continue
		}
		if _, ok := exclude[strings.ToLower(key.entityType)]; ok {
			continue
		}

		doc := ix.docs[key]
		score := 0.0
		for t := range matchedTokens {
			score += ix.bm25(doc, t, avgLen)
		}
		results = append(results, Result{
			EntityType: key.entityType,
			PrimaryKey: key.primaryKey,
			Score:      score,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].EntityType != results[j].EntityType {
			return results[i].EntityType < results[j].EntityType
		}
		return results[i].PrimaryKey < results[j].PrimaryKey
	})

	results = capPerType(results, opts.NumRecordPerType)
	if opts.MaxResults > 0 && len(results) > opts.MaxResults {
		results = results[:opts.MaxResults]
	}
	return results
}

// matchingTokens resolves one query token into the index tokens it matches.
// Strict mode requires exact equality; otherwise prefix containment in
// either direction counts for tokens of useful length.
func (ix *Index) matchingTokens(queryToken string, strict bool) []string {
	if strict {
		if _, ok := ix.postings[queryToken]; ok {
			return []string{queryToken}
		}
		return nil
	}
	var out []string
	for indexToken := range ix.postings {
		if indexToken == queryToken {
			out = append(out, indexToken)
			continue
		}
		if len(queryToken) >= minPartialTokenLength && strings.HasPrefix(indexToken, queryToken) {
			out = append(out, indexToken)
			continue
		}
		if len(indexToken) >= minPartialTokenLength && strings.HasPrefix(queryToken, indexToken) {
			out = append(out, indexToken)
		}
	}
	return out
}

func (ix *Index) bm25(doc *document, token string, avgLen float64) float64 {
	tf := float64(doc.tokens[token])
	if tf == 0 {
		return 0
	}
	df := float64(len(ix.postings[token]))
	n := float64(len(ix.docs))
	idf := math.Log(1 + (n-df+0.5)/(df+0.5))
	norm := bm25K1 * (1 - bm25B + bm25B*float64(doc.length)/avgLen)
	return idf * tf * (bm25K1 + 1) / (tf + norm)
}

func capPerType(results []Result, perType int) []Result {
	if perType <= 0 {
		return results
	}
	counts := make(map[string]int)
	out := results[:0]
	for _, r := range results {
		base := BaseEntityType(r.EntityType)
		if counts[base] >= perType {
			continue
		}
		counts[base]++
		out = append(out, r)
	}
	return out
}

func toTypeSet(types []string) map[string]struct{} {
	out := make(map[string]struct{}, len(types))
	for _, t := range types {
		out[strings.ToLower(t)] = struct{}{}
	}
	return out
}
