package search

// Result is a single library hit returned to the caller.
type Result struct {
	DraftID  string `json:"draftId"`
	BriefID  string `json:"briefId"`
	Title    string `json:"title"`
	TopicKey string `json:"topicKey"`
	AgeGroup string `json:"ageGroup"`
	Snippet  string `json:"snippet"`
}

// Query describes a library search request.
type Query struct {
	Text     string
	AgeGroup string // empty = all age groups
	Limit    int
	Offset   int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Backend string   `json:"backend"`
}

// Searcher can execute a full-text search over approved stories.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// StoryRecord is the data we index for an approved story.
type StoryRecord struct {
	ID         string `json:"id"`
	BriefID    string `json:"briefId"`
	Title      string `json:"title"`
	TopicKey   string `json:"topicKey"`
	Situation  string `json:"situation"`
	AgeGroup   string `json:"ageGroup"`
	Text       string `json:"text"`
	ApprovedAt int64  `json:"approvedAt"`
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 100 {
		return 100
	}
	return limit
}
