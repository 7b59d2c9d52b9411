package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/nugget/reddit-agent/internal/reddit"
	"github.com/nugget/reddit-agent/internal/session"
)

// maxBodyBytes caps request bodies; post bodies are the largest input.
const maxBodyBytes = 1 << 20

// FetchPostsRequest is the body of POST /api/fetch_posts.
type FetchPostsRequest struct {
	Subreddit string `json:"subreddit"`
	Limit     int    `json:"limit,omitempty"` // 0 means the default
}

// SearchPostsRequest is the body of POST /api/search_posts.
type SearchPostsRequest struct {
	Subreddit string `json:"subreddit"`
	Query     string `json:"query"`
	Limit     int    `json:"limit,omitempty"`
}

// GetCommentsRequest is the body of POST /api/get_comments.
type GetCommentsRequest struct {
	PostID string `json:"post_id"`
}

// SubredditInfoRequest is the body of POST /api/subreddit_info.
type SubredditInfoRequest struct {
	Subreddit string `json:"subreddit"`
}

// PostCommentRequest is the body of POST /api/post_comment.
type PostCommentRequest struct {
	PostID      string `json:"post_id"`
	CommentText string `json:"comment_text"`
}

// CreatePostRequest is the body of POST /api/create_post.
type CreatePostRequest struct {
	Subreddit string `json:"subreddit"`
	Title     string `json:"title"`
	Content   string `json:"content,omitempty"`
	URL       string `json:"url,omitempty"`
}

// dataResponse wraps a tool payload. Data is the executor's JSON as
// received.
type dataResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
}

// decodeBody reads a JSON request body into v. It writes a 400 and
// returns false on failure.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		s.errorResponse(w, r, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// respond writes the payload on success or maps err to a status code.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, p reddit.RawPayload, err error) {
	if err != nil {
		s.operationError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, dataResponse{Success: true, Data: p.RawJSON()}, s.logger)
}

// operationError maps a session error to an HTTP status. Invalid input
// is the caller's fault (422); everything else is a failed operation
// (500).
func (s *Server) operationError(w http.ResponseWriter, r *http.Request, err error) {
	var iae *reddit.InvalidArgumentError
	if errors.As(err, &iae) {
		s.errorResponse(w, r, http.StatusUnprocessableEntity, err.Error())
		return
	}

	s.logger.Warn("operation failed",
		"path", r.URL.Path,
		"error_kind", session.ErrorKind(err),
		"request_id", RequestID(r.Context()),
		"error", err,
	)
	s.errorResponse(w, r, http.StatusInternalServerError, err.Error())
}

func (s *Server) handleFetchPosts(w http.ResponseWriter, r *http.Request) {
	var req FetchPostsRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	listing, err := s.reddit.FetchPosts(r.Context(), req.Subreddit, req.Limit)
	s.respond(w, r, listing, err)
}

func (s *Server) handleSearchPosts(w http.ResponseWriter, r *http.Request) {
	var req SearchPostsRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	listing, err := s.reddit.SearchPosts(r.Context(), req.Subreddit, req.Query, req.Limit)
	s.respond(w, r, listing, err)
}

func (s *Server) handleGetComments(w http.ResponseWriter, r *http.Request) {
	var req GetCommentsRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	thread, err := s.reddit.GetComments(r.Context(), req.PostID)
	s.respond(w, r, thread, err)
}

func (s *Server) handleSubredditInfo(w http.ResponseWriter, r *http.Request) {
	var req SubredditInfoRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	info, err := s.reddit.GetSubredditInfo(r.Context(), req.Subreddit)
	s.respond(w, r, info, err)
}

func (s *Server) handlePostComment(w http.ResponseWriter, r *http.Request) {
	var req PostCommentRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	receipt, err := s.reddit.PostComment(r.Context(), req.PostID, req.CommentText)
	s.respond(w, r, receipt, err)
}

func (s *Server) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	var req CreatePostRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	receipt, err := s.reddit.CreatePost(r.Context(), req.Subreddit, req.Title,
		reddit.PostOptions{Content: req.Content, URL: req.URL})
	s.respond(w, r, receipt, err)
}
