package reddit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// ToolCaller invokes one executor tool and returns its text result.
// [mcp.Client] satisfies it.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
}

// PostOptions is the body of a new post: Content for a text post, URL
// for a link post. At least one must be set.
type PostOptions struct {
	Content string
	URL     string
}

// Service exposes the executor's Reddit tools as typed operations.
// Inputs are cleaned and validated before any call is made; outputs are
// decoded strictly.
type Service struct {
	caller ToolCaller
	logger *slog.Logger
}

// NewService returns a Service calling tools through caller.
func NewService(caller ToolCaller, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		caller: caller,
		logger: logger,
	}
}

// FetchPosts returns up to limit hot posts from subreddit. A zero limit
// means [DefaultLimit].
func (s *Service) FetchPosts(ctx context.Context, subreddit string, limit int) (*Listing, error) {
	name, err := CleanSubreddit(subreddit)
	if err != nil {
		return nil, err
	}
	if limit, err = checkLimit(limit); err != nil {
		return nil, err
	}

	listing, raw, err := call[Listing](ctx, s, ToolFetchPosts, fetchPostsArgs(name, limit))
	if err != nil {
		return nil, err
	}
	listing.Raw = raw
	return listing, nil
}

// SearchPosts searches subreddit for query.
func (s *Service) SearchPosts(ctx context.Context, subreddit, query string, limit int) (*Listing, error) {
	name, err := CleanSubreddit(subreddit)
	if err != nil {
		return nil, err
	}
	if query, err = requireText("query", query); err != nil {
		return nil, err
	}
	if limit, err = checkLimit(limit); err != nil {
		return nil, err
	}

	listing, raw, err := call[Listing](ctx, s, ToolSearchPosts, searchPostsArgs(name, query, limit))
	if err != nil {
		return nil, err
	}
	listing.Raw = raw
	return listing, nil
}

// GetComments returns a post and its comments.
func (s *Service) GetComments(ctx context.Context, postID string) (*Thread, error) {
	id, err := CleanPostID(postID)
	if err != nil {
		return nil, err
	}

	thread, raw, err := call[Thread](ctx, s, ToolGetComments, getCommentsArgs(id))
	if err != nil {
		return nil, err
	}
	thread.Raw = raw
	return thread, nil
}

// GetSubredditInfo returns subreddit metadata and rules.
func (s *Service) GetSubredditInfo(ctx context.Context, subreddit string) (*SubredditInfo, error) {
	name, err := CleanSubreddit(subreddit)
	if err != nil {
		return nil, err
	}

	info, raw, err := call[SubredditInfo](ctx, s, ToolGetSubredditInfo, getSubredditInfoArgs(name))
	if err != nil {
		return nil, err
	}
	info.Raw = raw
	return info, nil
}

// PostComment replies to a post.
func (s *Service) PostComment(ctx context.Context, postID, text string) (*CommentReceipt, error) {
	id, err := CleanPostID(postID)
	if err != nil {
		return nil, err
	}
	if text, err = requireText("comment_text", text); err != nil {
		return nil, err
	}

	receipt, raw, err := call[CommentReceipt](ctx, s, ToolPostComment, postCommentArgs(id, text))
	if err != nil {
		return nil, err
	}
	receipt.Raw = raw
	return receipt, nil
}

// CreatePost submits a text or link post to subreddit.
func (s *Service) CreatePost(ctx context.Context, subreddit, title string, opts PostOptions) (*PostReceipt, error) {
	name, err := CleanSubreddit(subreddit)
	if err != nil {
		return nil, err
	}
	if title, err = requireText("title", title); err != nil {
		return nil, err
	}
	if opts.Content == "" && opts.URL == "" {
		return nil, &InvalidArgumentError{Field: "content", Reason: "either content (text post) or url (link post) is required"}
	}

	receipt, raw, err := call[PostReceipt](ctx, s, ToolPostToSubreddit, postToSubredditArgs(name, title, opts))
	if err != nil {
		return nil, err
	}
	receipt.Raw = raw
	return receipt, nil
}

// call invokes tool and decodes its text into T, returning the text as
// well so callers can keep the executor's payload unmodified.
func call[T any](ctx context.Context, s *Service, tool string, args map[string]any) (*T, json.RawMessage, error) {
	start := time.Now()
	text, err := s.caller.CallTool(ctx, tool, args)
	if err != nil {
		s.logger.Debug("tool call failed",
			"tool", tool,
			"elapsed", time.Since(start),
			"error", err,
		)
		return nil, nil, err
	}

	v, err := Decode[T](tool, text)
	if err != nil {
		s.logger.Warn("undecodable tool payload",
			"tool", tool,
			"error", err,
		)
		return nil, nil, err
	}

	s.logger.Debug("tool call decoded",
		"tool", tool,
		"elapsed", time.Since(start),
		"bytes", len(text),
	)
	return v, json.RawMessage(text), nil
}
