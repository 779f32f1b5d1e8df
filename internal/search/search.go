// Package search indexes the plain text of compacted documents so operators
// and clients can find documents by content.
package search

// Result is a single search hit returned to the caller.
type Result struct {
	DocID   string `json:"docId"`
	Snippet string `json:"snippet"`
	Clock   int64  `json:"clock"`
}

// Query describes a search request.
type Query struct {
	Text   string
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// DocumentRecord is the data we index for a document.
type DocumentRecord struct {
	ID        string `json:"id"`
	DocID     string `json:"docId"`
	Text      string `json:"text"`
	Clock     int64  `json:"clock"`
	UpdatedAt int64  `json:"updatedAt"`
}
