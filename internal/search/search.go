package search

// Result is a single discovery hit returned to the caller.
type Result struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Snippet    string `json:"snippet"`
	Genre      string `json:"genre"`
	Structure  string `json:"structure"`
	WriterName string `json:"writerName"`
	WordCount  int    `json:"wordCount"`
}

// Query describes a discovery search request.
type Query struct {
	Text            string
	FilterGenre     string
	FilterStructure string
	Limit           int
	Offset          int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over published stories.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// StoryRecord is the data we index for a published story.
type StoryRecord struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Genre       string `json:"genre"`
	Description string `json:"description"`
	Structure   string `json:"structure"`
	WriterName  string `json:"writerName"`
	WordCount   int    `json:"wordCount"`
}
