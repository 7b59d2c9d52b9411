// Package reddit defines the Reddit tools offered by the executor, the
// payloads they return, and a typed [Service] over them.
package reddit

// Tool names understood by the executor.
const (
	ToolFetchPosts       = "fetchPosts"
	ToolSearchPosts      = "searchPosts"
	ToolGetComments      = "getComments"
	ToolGetSubredditInfo = "getSubredditInfo"
	ToolPostComment      = "postComment"
	ToolPostToSubreddit  = "postToSubreddit"
)

// Listing size bounds accepted by fetchPosts and searchPosts.
const (
	DefaultLimit = 10
	MaxLimit     = 100
)

func fetchPostsArgs(subreddit string, limit int) map[string]any {
	return map[string]any{
		"subreddit": subreddit,
		"limit":     limit,
	}
}

func searchPostsArgs(subreddit, query string, limit int) map[string]any {
	return map[string]any{
		"subreddit": subreddit,
		"query":     query,
		"limit":     limit,
	}
}

func getCommentsArgs(postID string) map[string]any {
	return map[string]any{"post_id": postID}
}

func getSubredditInfoArgs(subreddit string) map[string]any {
	return map[string]any{"subreddit": subreddit}
}

func postCommentArgs(postID, text string) map[string]any {
	return map[string]any{
		"post_id":      postID,
		"comment_text": text,
	}
}

// postToSubredditArgs omits content and url when they are empty; the
// executor treats a present-but-empty field differently from an absent
// one.
func postToSubredditArgs(subreddit, title string, opts PostOptions) map[string]any {
	args := map[string]any{
		"subreddit": subreddit,
		"title":     title,
	}
	if opts.Content != "" {
		args["content"] = opts.Content
	}
	if opts.URL != "" {
		args["url"] = opts.URL
	}
	return args
}
