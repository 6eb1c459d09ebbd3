package filter

import (
	"context"
	"errors"
	"testing"

	"github.com/product-insights/backend/internal/storage/models"
)

// fakeRecords is an in-memory RecordStore that can be switched to fail.
type fakeRecords struct {
	fingerprints map[string]string
	lastCrawls   map[string]bool
	failing      bool
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{
		fingerprints: map[string]string{},
		lastCrawls:   map[string]bool{},
	}
}

func (s *fakeRecords) GetFingerprint(_ context.Context, bucket, itemID string) (string, bool, error) {
	if s.failing {
		return "", false, errors.New("store down")
	}
	h, ok := s.fingerprints[bucket+"/"+itemID]
	return h, ok, nil
}

func (s *fakeRecords) PutFingerprint(_ context.Context, bucket, itemID, hash string) error {
	if s.failing {
		return errors.New("store down")
	}
	s.fingerprints[bucket+"/"+itemID] = hash
	return nil
}

func (s *fakeRecords) SetLastCrawl(_ context.Context, bucket string) error {
	if s.failing {
		return errors.New("store down")
	}
	s.lastCrawls[bucket] = true
	return nil
}

func TestChangeDetectorIncremental(t *testing.T) {
	ctx := context.Background()
	records := newFakeRecords()
	d := NewChangeDetector(records, true)

	if d.Unchanged(ctx, "sub", "p1", "hash1") {
		t.Error("unseen item reported unchanged")
	}
	d.Remember(ctx, "sub", "p1", "hash1")

	if !d.Unchanged(ctx, "sub", "p1", "hash1") {
		t.Error("remembered item not reported unchanged")
	}
	if d.Unchanged(ctx, "sub", "p1", "hash2") {
		t.Error("item with new fingerprint reported unchanged")
	}
	// Same item under another bucket tracks independently.
	if d.Unchanged(ctx, "sub_search", "p1", "hash1") {
		t.Error("bucket isolation violated")
	}
}

func TestChangeDetectorFullMode(t *testing.T) {
	ctx := context.Background()
	records := newFakeRecords()
	records.fingerprints["sub/p1"] = "hash1"
	d := NewChangeDetector(records, false)

	if d.Unchanged(ctx, "sub", "p1", "hash1") {
		t.Error("full mode must treat every item as new")
	}
}

func TestChangeDetectorDegradesOnStoreFailure(t *testing.T) {
	ctx := context.Background()
	records := newFakeRecords()
	records.fingerprints["sub/p1"] = "hash1"
	d := NewChangeDetector(records, true)

	records.failing = true
	if d.Unchanged(ctx, "sub", "p1", "hash1") {
		t.Error("failing store must fall back to full mode")
	}

	// Once degraded, the store is not consulted again even if it recovers.
	records.failing = false
	if d.Unchanged(ctx, "sub", "p1", "hash1") {
		t.Error("degraded detector consulted the store again")
	}
	d.Remember(ctx, "sub", "p2", "hash2")
	if _, ok := records.fingerprints["sub/p2"]; ok {
		t.Error("degraded detector wrote a fingerprint")
	}
}

func TestChangeDetectorNilStore(t *testing.T) {
	ctx := context.Background()
	d := NewChangeDetector(nil, true)

	if d.Unchanged(ctx, "sub", "p1", "h") {
		t.Error("nil store reported unchanged")
	}
	// Must not panic.
	d.Remember(ctx, "sub", "p1", "h")
	d.MarkCrawled(ctx, "sub")
}

func TestPostFingerprintChanges(t *testing.T) {
	post := &models.Post{ID: "p1", Score: 10, Edited: false, NumComments: 3}
	base := PostFingerprint(post)

	same := &models.Post{ID: "p1", Score: 10, Edited: false, NumComments: 3, Title: "title changed"}
	if PostFingerprint(same) != base {
		t.Error("fingerprint changed on a field it does not cover")
	}

	for name, changed := range map[string]*models.Post{
		"score":        {ID: "p1", Score: 11, Edited: false, NumComments: 3},
		"edited":       {ID: "p1", Score: 10, Edited: true, NumComments: 3},
		"num_comments": {ID: "p1", Score: 10, Edited: false, NumComments: 4},
	} {
		if PostFingerprint(changed) == base {
			t.Errorf("fingerprint unchanged after %s change", name)
		}
	}
}

func TestCommentFingerprintChanges(t *testing.T) {
	c := &models.Comment{ID: "c1", Score: 5, Edited: false}
	base := CommentFingerprint(c)

	if CommentFingerprint(&models.Comment{ID: "c1", Score: 5, Edited: false, Body: "other"}) != base {
		t.Error("comment fingerprint covers the body")
	}
	if CommentFingerprint(&models.Comment{ID: "c1", Score: 6, Edited: false}) == base {
		t.Error("comment fingerprint unchanged after score change")
	}
}

func TestNormalizeBody(t *testing.T) {
	got := NormalizeBody("<p>Hello   <b>world</b></p>\n\n  ")
	if got != "Hello world" {
		t.Errorf("NormalizeBody = %q, want %q", got, "Hello world")
	}

	// Plain text with odd whitespace, no markup.
	if got := NormalizeBody("a\tb\n c"); got != "a b c" {
		t.Errorf("NormalizeBody = %q", got)
	}
}

func TestBodyFingerprintIgnoresMarkup(t *testing.T) {
	if BodyFingerprint("<p>same  text</p>") != BodyFingerprint("same text") {
		t.Error("markup-only difference changed the body fingerprint")
	}
	if BodyFingerprint("one") == BodyFingerprint("two") {
		t.Error("different bodies share a fingerprint")
	}
}
