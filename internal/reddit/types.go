package reddit

import "encoding/json"

// Post is a submission as reported by the executor. Listings carry the
// full set of fields; the post embedded in a [Thread] carries only the
// identifying ones.
type Post struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Author      string  `json:"author"`
	Score       int     `json:"score"`
	UpvoteRatio float64 `json:"upvote_ratio"`
	URL         string  `json:"url"`
	Permalink   string  `json:"permalink"`
	CreatedUTC  float64 `json:"created_utc"`
	NumComments int     `json:"num_comments"`
	IsSelf      bool    `json:"is_self"`
	SelfText    string  `json:"selftext"`
	Flair       string  `json:"flair"`
}

// Listing is the payload of fetchPosts and searchPosts. Query and
// ResultsCount are only set for searches.
type Listing struct {
	Posts        []Post `json:"posts"`
	Subreddit    string `json:"subreddit"`
	Query        string `json:"query,omitempty"`
	ResultsCount int    `json:"results_count,omitempty"`

	// Raw is the payload exactly as the executor sent it.
	Raw json.RawMessage `json:"-"`
}

// Comment is one comment of a thread. Depth is 0 for top-level comments.
type Comment struct {
	ID         string  `json:"id"`
	Author     string  `json:"author"`
	Body       string  `json:"body"`
	Score      int     `json:"score"`
	CreatedUTC float64 `json:"created_utc"`
	ParentID   string  `json:"parent_id"`
	Depth      int     `json:"depth"`
}

// Thread is the payload of getComments.
type Thread struct {
	Post     Post      `json:"post"`
	Comments []Comment `json:"comments"`

	Raw json.RawMessage `json:"-"`
}

// Rule is a subreddit rule.
type Rule struct {
	ShortName   string `json:"short_name"`
	Description string `json:"description"`
	Kind        string `json:"kind"`
}

// SubredditInfo is the payload of getSubredditInfo.
type SubredditInfo struct {
	Name              string  `json:"name"`
	Title             string  `json:"title"`
	Description       string  `json:"description"`
	Subscribers       int     `json:"subscribers"`
	ActiveUsers       int     `json:"active_users"`
	CreatedUTC        float64 `json:"created_utc"`
	Over18            bool    `json:"over18"`
	PublicDescription string  `json:"public_description"`
	URL               string  `json:"url"`
	Rules             []Rule  `json:"rules"`

	Raw json.RawMessage `json:"-"`
}

// CommentReceipt confirms a posted comment.
type CommentReceipt struct {
	Success    bool   `json:"success"`
	CommentID  string `json:"comment_id"`
	CommentURL string `json:"comment_url"`
	PostTitle  string `json:"post_title"`
	PostURL    string `json:"post_url"`

	Raw json.RawMessage `json:"-"`
}

// PostReceipt confirms a created post.
type PostReceipt struct {
	Success   bool   `json:"success"`
	PostID    string `json:"post_id"`
	PostURL   string `json:"post_url"`
	Title     string `json:"title"`
	Subreddit string `json:"subreddit"`

	Raw json.RawMessage `json:"-"`
}

// RawPayload is implemented by every tool payload type. It returns the
// executor's JSON unmodified, for callers that pass it through.
type RawPayload interface {
	RawJSON() json.RawMessage
}

func (l *Listing) RawJSON() json.RawMessage        { return l.Raw }
func (t *Thread) RawJSON() json.RawMessage         { return t.Raw }
func (s *SubredditInfo) RawJSON() json.RawMessage  { return s.Raw }
func (c *CommentReceipt) RawJSON() json.RawMessage { return c.Raw }
func (p *PostReceipt) RawJSON() json.RawMessage    { return p.Raw }
