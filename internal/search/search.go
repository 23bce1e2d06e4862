package search

// Result is a single message hit returned to the caller.
type Result struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Snippet        string `json:"snippet"`
}

// Query describes a message search request. ConversationIDs scopes the
// search to the conversations the caller participates in; an empty list
// means the caller has none and the search returns nothing.
type Query struct {
	Text            string
	ConversationIDs []string
	Limit           int
	Offset          int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over messages.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// MessageRecord is the data we index for a message. Only text messages
// are indexed; image and video messages carry an object key, not prose.
type MessageRecord struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Content        string `json:"content"`
}
