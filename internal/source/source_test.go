package source

import (
	"testing"

	"github.com/product-insights/backend/internal/storage/models"
)

func TestMergePostsDeduplicates(t *testing.T) {
	listing := []*models.Post{
		{ID: "a", Comments: []*models.Comment{{ID: "c1"}}},
		{ID: "b"},
	}
	search := []*models.Post{
		{ID: "a", Comments: []*models.Comment{{ID: "c1"}, {ID: "c2"}}},
		{ID: "c"},
	}

	merged := MergePosts(listing, search)
	if len(merged) != 3 {
		t.Fatalf("merged %d posts, want 3", len(merged))
	}
	// First-seen instance wins; its comment set is the union.
	if merged[0].ID != "a" || merged[1].ID != "b" || merged[2].ID != "c" {
		t.Errorf("unexpected order: %s %s %s", merged[0].ID, merged[1].ID, merged[2].ID)
	}
	if len(merged[0].Comments) != 2 {
		t.Errorf("post a has %d comments, want union of 2", len(merged[0].Comments))
	}
}

func TestMergePostsEmpty(t *testing.T) {
	if got := MergePosts(nil, nil); len(got) != 0 {
		t.Errorf("MergePosts(nil, nil) returned %d posts", len(got))
	}
}
