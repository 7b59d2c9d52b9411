package web

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/nugget/reddit-agent/internal/reddit"
)

// PostsData is the template context for the hot/search page.
type PostsData struct {
	PageData
	Subreddit string
	Query     string
	Limit     int
	Listing   *reddit.Listing
	Stats     *ListingStats
}

// CommentsData is the template context for a post's comment thread.
type CommentsData struct {
	PageData
	PostID   string
	Sort     string
	Thread   *reddit.Thread
	Comments []reddit.Comment
}

// SubredditData is the template context for the subreddit info page.
type SubredditData struct {
	PageData
	Name string
	Info *reddit.SubredditInfo
}

// ComposeData is the template context for the write forms.
type ComposeData struct {
	PageData
	PostID         string
	CommentText    string
	Subreddit      string
	Title          string
	Content        string
	URL            string
	CommentReceipt *reddit.CommentReceipt
	PostReceipt    *reddit.PostReceipt
}

// formLimit parses the limit parameter. Anything unparseable falls
// back to 0, which the service turns into the default.
func formLimit(v string) int {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0
	}
	return n
}

func (s *WebServer) handlePosts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	data := PostsData{
		PageData:  PageData{ActiveNav: "posts"},
		Subreddit: q.Get("subreddit"),
		Query:     q.Get("q"),
		Limit:     formLimit(q.Get("limit")),
	}

	if data.Subreddit != "" {
		var err error
		if strings.TrimSpace(data.Query) != "" {
			data.Listing, err = s.reddit.SearchPosts(r.Context(), data.Subreddit, data.Query, data.Limit)
		} else {
			data.Listing, err = s.reddit.FetchPosts(r.Context(), data.Subreddit, data.Limit)
		}
		if err != nil {
			data.Error = err.Error()
		} else {
			data.Stats = listingStats(data.Listing.Posts)
		}
	}

	s.render(w, r, "posts.html", data)
}

func (s *WebServer) handleComments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	data := CommentsData{
		PageData: PageData{ActiveNav: "comments"},
		PostID:   q.Get("post_id"),
		Sort:     q.Get("sort"),
	}

	if data.PostID != "" {
		thread, err := s.reddit.GetComments(r.Context(), data.PostID)
		if err != nil {
			data.Error = err.Error()
		} else {
			data.Comments = sortComments(thread.Comments, data.Sort)
		}
		data.Thread = thread
	}

	s.render(w, r, "comments.html", data)
}

func (s *WebServer) handleSubreddit(w http.ResponseWriter, r *http.Request) {
	data := SubredditData{
		PageData: PageData{ActiveNav: "subreddit"},
		Name:     r.URL.Query().Get("name"),
	}

	if data.Name != "" {
		info, err := s.reddit.GetSubredditInfo(r.Context(), data.Name)
		if err != nil {
			data.Error = err.Error()
		}
		data.Info = info
	}

	s.render(w, r, "subreddit.html", data)
}

func (s *WebServer) handleCompose(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, "compose.html", ComposeData{PageData: PageData{ActiveNav: "compose"}})
}

func (s *WebServer) handleComposeComment(w http.ResponseWriter, r *http.Request) {
	data := ComposeData{PageData: PageData{ActiveNav: "compose"}}
	if err := r.ParseForm(); err != nil {
		data.Error = "invalid form: " + err.Error()
		s.render(w, r, "compose.html", data)
		return
	}

	data.PostID = r.PostForm.Get("post_id")
	data.CommentText = r.PostForm.Get("comment_text")

	receipt, err := s.reddit.PostComment(r.Context(), data.PostID, data.CommentText)
	if err != nil {
		data.Error = err.Error()
	} else {
		data.CommentReceipt = receipt
		data.CommentText = ""
	}

	s.render(w, r, "compose.html", data)
}

func (s *WebServer) handleComposePost(w http.ResponseWriter, r *http.Request) {
	data := ComposeData{PageData: PageData{ActiveNav: "compose"}}
	if err := r.ParseForm(); err != nil {
		data.Error = "invalid form: " + err.Error()
		s.render(w, r, "compose.html", data)
		return
	}

	data.Subreddit = r.PostForm.Get("subreddit")
	data.Title = r.PostForm.Get("title")
	data.Content = r.PostForm.Get("content")
	data.URL = r.PostForm.Get("url")

	receipt, err := s.reddit.CreatePost(r.Context(), data.Subreddit, data.Title,
		reddit.PostOptions{Content: data.Content, URL: data.URL})
	if err != nil {
		data.Error = err.Error()
	} else {
		data.PostReceipt = receipt
	}

	s.render(w, r, "compose.html", data)
}
