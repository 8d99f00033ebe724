package index

import (
	"sort"
	"strings"
	"sync"
	"unicode"
)

// CandidateDoc is the small search document projected from a deduplicated
// reference. Only canonical references are indexed.
type CandidateDoc struct {
	CanonicalID string
	Title       string
	Authors     []string
	Year        int
	Abstract    string
}

// Candidate is a recall result with its score.
type Candidate struct {
	Doc   CandidateDoc
	Score float64
}

// CandidateQuery is the high-recall boolean used by the dedup engine: title
// tokens, should-match on authors, year band of one.
type CandidateQuery struct {
	Title   string
	Authors []string
	Year    int
}

// PercolationMatch names a stored query matched during percolation.
type PercolationMatch struct {
	AutomationID string
	RobotID      string
}

type storedQuery struct {
	automationID string
	robotID      string
	query        Query
}

type applyOp struct {
	doc    *CandidateDoc // nil means delete
	delete string
}

// Index is the search store: an inverted index over candidate documents plus
// a percolator of stored queries. Writes are applied asynchronously: a
// just-indexed document is not guaranteed visible to the next Search. Callers
// that need read-your-writes call Refresh.
type Index struct {
	mu       sync.RWMutex
	docs     map[string]*CandidateDoc
	postings map[string]map[string]struct{}
	queries  map[string]*storedQuery

	applyCh chan applyOp
	flushCh chan chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates an empty index.
func New() *Index {
	return &Index{
		docs:     make(map[string]*CandidateDoc),
		postings: make(map[string]map[string]struct{}),
		queries:  make(map[string]*storedQuery),
		applyCh:  make(chan applyOp, 256),
		flushCh:  make(chan chan struct{}),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the apply loop.
func (ix *Index) Start() {
	ix.wg.Add(1)
	go ix.run()
}

// Stop stops the apply loop after draining pending writes.
func (ix *Index) Stop() {
	close(ix.stopCh)
	ix.wg.Wait()
}

func (ix *Index) run() {
	defer ix.wg.Done()
	for {
		select {
		case op := <-ix.applyCh:
			ix.apply(op)
		case done := <-ix.flushCh:
			ix.drain()
			close(done)
		case <-ix.stopCh:
			ix.drain()
			return
		}
	}
}

func (ix *Index) drain() {
	for {
		select {
		case op := <-ix.applyCh:
			ix.apply(op)
		default:
			return
		}
	}
}

// Put queues a document for indexing, replacing any previous document under
// the same canonical id.
func (ix *Index) Put(doc CandidateDoc) {
	select {
	case ix.applyCh <- applyOp{doc: &doc}:
	case <-ix.stopCh:
	}
}

// Delete queues removal of a document.
func (ix *Index) Delete(canonicalID string) {
	select {
	case ix.applyCh <- applyOp{delete: canonicalID}:
	case <-ix.stopCh:
	}
}

// Refresh blocks until all queued writes are visible.
func (ix *Index) Refresh() {
	done := make(chan struct{})
	select {
	case ix.flushCh <- done:
		<-done
	case <-ix.stopCh:
	}
}

func (ix *Index) apply(op applyOp) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	id := op.delete
	if op.doc != nil {
		id = op.doc.CanonicalID
	}
	if old, ok := ix.docs[id]; ok {
		for _, tok := range docTokens(old) {
			if set, ok := ix.postings[tok]; ok {
				delete(set, id)
				if len(set) == 0 {
					delete(ix.postings, tok)
				}
			}
		}
		delete(ix.docs, id)
	}
	if op.doc == nil {
		return
	}
	ix.docs[id] = op.doc
	for _, tok := range docTokens(op.doc) {
		set, ok := ix.postings[tok]
		if !ok {
			set = make(map[string]struct{})
			ix.postings[tok] = set
		}
		set[id] = struct{}{}
	}
}

// Search runs the high-recall candidate query and returns up to topK
// candidates ordered by descending score. A topK of zero returns nothing.
func (ix *Index) Search(q CandidateQuery, topK int) []Candidate {
	if topK <= 0 {
		return nil
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	titleTokens := Tokenize(q.Title)
	authorTokens := authorTokens(q.Authors)

	seen := make(map[string]struct{})
	for _, tok := range titleTokens {
		for id := range ix.postings[tok] {
			seen[id] = struct{}{}
		}
	}
	for _, tok := range authorTokens {
		for id := range ix.postings[tok] {
			seen[id] = struct{}{}
		}
	}

	var out []Candidate
	for id := range seen {
		doc := ix.docs[id]
		score := recallScore(q, titleTokens, authorTokens, doc)
		if score <= 0 {
			continue
		}
		out = append(out, Candidate{Doc: *doc, Score: score})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Doc.CanonicalID < out[j].Doc.CanonicalID
	})
	if len(out) > topK {
		out = out[:topK]
	}
	return out
}

func recallScore(q CandidateQuery, titleTokens, authorToks []string, doc *CandidateDoc) float64 {
	docTitle := tokenSet(Tokenize(doc.Title))
	var titleHits int
	for _, tok := range titleTokens {
		if _, ok := docTitle[tok]; ok {
			titleHits++
		}
	}
	var score float64
	if len(titleTokens) > 0 {
		score += 3 * float64(titleHits) / float64(len(titleTokens))
	}

	docAuthors := tokenSet(authorTokens(doc.Authors))
	var authorHits int
	for _, tok := range authorToks {
		if _, ok := docAuthors[tok]; ok {
			authorHits++
		}
	}
	if len(authorToks) > 0 {
		score += float64(authorHits) / float64(len(authorToks))
	}

	if q.Year != 0 && doc.Year != 0 {
		diff := q.Year - doc.Year
		if diff < 0 {
			diff = -diff
		}
		if diff <= 1 {
			score += 1
		} else {
			// Outside the year band the document only survives on a
			// strong title signal.
			score -= 2
		}
	}
	return score
}

// RegisterQuery stores a percolation query for an automation.
func (ix *Index) RegisterQuery(automationID, robotID string, q Query) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.queries[automationID] = &storedQuery{automationID: automationID, robotID: robotID, query: q}
}

// RemoveQuery drops a stored query.
func (ix *Index) RemoveQuery(automationID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.queries, automationID)
}

// Percolate matches doc against every stored query and returns the matches.
func (ix *Index) Percolate(doc Document) []PercolationMatch {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var matches []PercolationMatch
	for _, sq := range ix.queries {
		if sq.query.Matches(doc) {
			matches = append(matches, PercolationMatch{AutomationID: sq.automationID, RobotID: sq.robotID})
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].AutomationID < matches[j].AutomationID })
	return matches
}

// Tokenize lowercases and splits on non-alphanumeric runes.
func Tokenize(s string) []string {
	var tokens []string
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			continue
		}
		if b.Len() > 0 {
			tokens = append(tokens, b.String())
			b.Reset()
		}
	}
	if b.Len() > 0 {
		tokens = append(tokens, b.String())
	}
	return tokens
}

func authorTokens(authors []string) []string {
	var tokens []string
	for _, a := range authors {
		tokens = append(tokens, Tokenize(a)...)
	}
	return tokens
}

func tokenSet(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		set[tok] = struct{}{}
	}
	return set
}

func docTokens(doc *CandidateDoc) []string {
	tokens := Tokenize(doc.Title)
	tokens = append(tokens, authorTokens(doc.Authors)...)
	return tokens
}
