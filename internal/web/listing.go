package web

import (
	"cmp"
	"slices"

	"github.com/nugget/reddit-agent/internal/reddit"
)

// ListingStats summarizes one page of posts.
type ListingStats struct {
	AvgScore      float64
	TotalComments int
	AvgUpvotePct  float64
	TopScore      int
}

// listingStats returns nil for an empty listing.
func listingStats(posts []reddit.Post) *ListingStats {
	if len(posts) == 0 {
		return nil
	}

	st := &ListingStats{TopScore: posts[0].Score}
	var score int
	var ratio float64
	for _, p := range posts {
		score += p.Score
		ratio += p.UpvoteRatio
		st.TotalComments += p.NumComments
		st.TopScore = max(st.TopScore, p.Score)
	}
	n := float64(len(posts))
	st.AvgScore = float64(score) / n
	st.AvgUpvotePct = ratio / n * 100
	return st
}

// Comment sort orders accepted by the comments page.
const (
	sortTop = "top"
	sortLow = "low"
	sortNew = "new"
	sortOld = "old"
)

// sortComments orders a flattened thread by its top-level comments.
// Each reply stays under the comment it belongs to. An unknown order
// keeps the executor's order.
func sortComments(comments []reddit.Comment, order string) []reddit.Comment {
	var byRoot func(a, b reddit.Comment) int
	switch order {
	case sortTop:
		byRoot = func(a, b reddit.Comment) int { return cmp.Compare(b.Score, a.Score) }
	case sortLow:
		byRoot = func(a, b reddit.Comment) int { return cmp.Compare(a.Score, b.Score) }
	case sortNew:
		byRoot = func(a, b reddit.Comment) int { return cmp.Compare(b.CreatedUTC, a.CreatedUTC) }
	case sortOld:
		byRoot = func(a, b reddit.Comment) int { return cmp.Compare(a.CreatedUTC, b.CreatedUTC) }
	default:
		return comments
	}

	// Split into subtrees, each headed by a top-level comment.
	var trees [][]reddit.Comment
	for _, c := range comments {
		if c.Depth == 0 || len(trees) == 0 {
			trees = append(trees, []reddit.Comment{c})
			continue
		}
		last := len(trees) - 1
		trees[last] = append(trees[last], c)
	}

	slices.SortStableFunc(trees, func(a, b []reddit.Comment) int { return byRoot(a[0], b[0]) })

	out := make([]reddit.Comment, 0, len(comments))
	for _, tree := range trees {
		out = append(out, tree...)
	}
	return out
}
