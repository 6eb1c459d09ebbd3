package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/product-insights/backend/internal/storage/models"
	"github.com/product-insights/backend/pkg/apierr"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	if err := c.InitSchema(); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
	return c
}

func testInsight(postID string, priority int, analyzedAt time.Time) *models.Insight {
	return &models.Insight{
		InsightID:      models.BuildInsightID(models.DateBucket(analyzedAt), priority, postID),
		SourceType:     models.PlatformReddit,
		SourcePostID:   postID,
		SourceURL:      "https://reddit.com/r/x/" + postID,
		FeatureSummary: "summary for " + postID,
		PriorityScore:  priority,
		AnalyzedAt:     analyzedAt,
		CollectedAt:    analyzedAt,
		TTL:            analyzedAt.Add(90 * 24 * time.Hour).Unix(),
	}
}

func TestPutInsightIdempotent(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	now := time.Now().UTC()

	in := testInsight("p1", 7, now)
	if err := c.PutInsight(ctx, in); err != nil {
		t.Fatalf("PutInsight: %v", err)
	}
	if err := c.PutInsight(ctx, in); err != nil {
		t.Fatalf("replayed PutInsight: %v", err)
	}

	rows, err := c.ListInsights(ctx, InsightFilters{PriorityMin: 0, PriorityMax: 10}, 50)
	if err != nil {
		t.Fatalf("ListInsights: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("store holds %d rows after replay, want 1", len(rows))
	}
}

func TestGetInsight(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	now := time.Now().UTC()

	in := testInsight("p1", 8, now)
	in.CompetitorsMentioned = []string{"Clio", "MyCase"}
	in.PainPoints = []string{"manual export"}
	in.ActionRequired = true
	if err := c.PutInsight(ctx, in); err != nil {
		t.Fatalf("PutInsight: %v", err)
	}

	got, err := c.GetInsight(ctx, in.InsightID)
	if err != nil {
		t.Fatalf("GetInsight: %v", err)
	}
	if got.SourcePostID != "p1" || got.PriorityScore != 8 || !got.ActionRequired {
		t.Errorf("got = %+v", got)
	}
	if len(got.CompetitorsMentioned) != 2 || got.CompetitorsMentioned[0] != "Clio" {
		t.Errorf("competitors = %v", got.CompetitorsMentioned)
	}
	if len(got.PainPoints) != 1 {
		t.Errorf("pain points = %v", got.PainPoints)
	}
}

func TestGetInsightNotFound(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	_, err := c.GetInsight(ctx, models.BuildInsightID("2025-09-23", 8, "missing"))
	if !apierr.IsKind(err, apierr.KindNotFound) {
		t.Errorf("err = %v, want not-found", err)
	}
}

func TestGetInsightExpired(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	now := time.Now().UTC()

	in := testInsight("p1", 8, now)
	in.TTL = now.Add(-time.Hour).Unix()
	if err := c.PutInsight(ctx, in); err != nil {
		t.Fatalf("PutInsight: %v", err)
	}
	if _, err := c.GetInsight(ctx, in.InsightID); !apierr.IsKind(err, apierr.KindNotFound) {
		t.Errorf("expired insight err = %v, want not-found", err)
	}
}

func TestListInsightsFilters(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	midday := time.Now().UTC().Truncate(24 * time.Hour).Add(10 * time.Hour)
	day1 := midday.AddDate(0, 0, -1)
	day2 := midday

	a := testInsight("a", 9, day1)
	a.FeatureCategory = "workflow"
	b := testInsight("b", 3, day2)
	b.FeatureCategory = "integration"
	cIn := testInsight("c", 6, day2)
	cIn.SourceType = models.PlatformSlack
	cIn.FeatureCategory = "workflow"
	for _, in := range []*models.Insight{a, b, cIn} {
		if err := c.PutInsight(ctx, in); err != nil {
			t.Fatalf("PutInsight: %v", err)
		}
	}

	rows, err := c.ListInsights(ctx, InsightFilters{PriorityMin: 5, PriorityMax: 10}, 50)
	if err != nil {
		t.Fatalf("ListInsights: %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("priority filter returned %d rows, want 2", len(rows))
	}

	rows, err = c.ListInsights(ctx, InsightFilters{
		PriorityMin: 0, PriorityMax: 10, Category: "workflow", Platform: "reddit",
	}, 50)
	if err != nil {
		t.Fatalf("ListInsights: %v", err)
	}
	if len(rows) != 1 || rows[0].SourcePostID != "a" {
		t.Errorf("combined filter rows = %+v", rows)
	}

	rows, err = c.ListInsights(ctx, InsightFilters{
		PriorityMin: 0, PriorityMax: 10,
		DateFrom: models.DateBucket(day2), DateTo: models.DateBucket(day2),
	}, 50)
	if err != nil {
		t.Fatalf("ListInsights: %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("date filter returned %d rows, want 2", len(rows))
	}
}

func TestListInsightsReturnsExtraRowForPaging(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	now := time.Now().UTC()

	for i := 0; i < 5; i++ {
		in := testInsight(string(rune('a'+i)), 7, now.Add(time.Duration(i)*time.Minute))
		if err := c.PutInsight(ctx, in); err != nil {
			t.Fatalf("PutInsight: %v", err)
		}
	}

	rows, err := c.ListInsights(ctx, InsightFilters{PriorityMin: 0, PriorityMax: 10}, 3)
	if err != nil {
		t.Fatalf("ListInsights: %v", err)
	}
	// limit+1 rows signal another page to the caller.
	if len(rows) != 4 {
		t.Errorf("got %d rows for limit 3, want 4", len(rows))
	}
	// Newest first.
	if rows[0].SourcePostID != "e" {
		t.Errorf("first row = %s, want most recently analyzed", rows[0].SourcePostID)
	}
}

func TestPurgeExpired(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	now := time.Now().UTC()

	live := testInsight("live", 7, now)
	dead := testInsight("dead", 7, now.Add(-time.Hour))
	dead.TTL = now.Add(-time.Minute).Unix()
	for _, in := range []*models.Insight{live, dead} {
		if err := c.PutInsight(ctx, in); err != nil {
			t.Fatalf("PutInsight: %v", err)
		}
	}

	purged, err := c.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if purged != 1 {
		t.Errorf("purged %d rows, want 1", purged)
	}
	if _, err := c.GetInsight(ctx, live.InsightID); err != nil {
		t.Errorf("live insight gone after purge: %v", err)
	}
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	run := &models.Run{
		Name:        "run-test-1",
		Status:      models.RunStatusRunning,
		TriggerTime: time.Now().UTC(),
		Source:      "manual",
		Input:       models.RunInput{CrawlType: "listing", DaysBack: 3},
	}
	if err := c.InsertRun(ctx, run); err != nil {
		t.Fatalf("InsertRun: %v", err)
	}

	got, err := c.GetRun(ctx, "run-test-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != models.RunStatusRunning || got.Input.CrawlType != "listing" {
		t.Errorf("got = %+v", got)
	}

	output := &models.RunOutput{PostsCollected: 12, InsightsStored: 4}
	if err := c.FinishRun(ctx, "run-test-1", models.RunStatusSucceeded, output, ""); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	got, err = c.GetRun(ctx, "run-test-1")
	if err != nil {
		t.Fatalf("GetRun after finish: %v", err)
	}
	if got.Status != models.RunStatusSucceeded || got.StopTime == nil {
		t.Errorf("finished run = %+v", got)
	}
	if got.Output == nil || got.Output.PostsCollected != 12 {
		t.Errorf("output = %+v", got.Output)
	}
}

func TestGetRunNotFound(t *testing.T) {
	c := newTestClient(t)
	if _, err := c.GetRun(context.Background(), "run-missing"); !apierr.IsKind(err, apierr.KindNotFound) {
		t.Errorf("err = %v, want not-found", err)
	}
}

func TestFingerprintRecords(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	if _, ok, err := c.GetFingerprint(ctx, "golang", "p1"); err != nil || ok {
		t.Fatalf("unseen fingerprint = (%v, %v)", ok, err)
	}
	if err := c.PutFingerprint(ctx, "golang", "p1", "h1"); err != nil {
		t.Fatalf("PutFingerprint: %v", err)
	}
	// Upsert on re-crawl.
	if err := c.PutFingerprint(ctx, "golang", "p1", "h2"); err != nil {
		t.Fatalf("PutFingerprint update: %v", err)
	}

	h, ok, err := c.GetFingerprint(ctx, "golang", "p1")
	if err != nil || !ok || h != "h2" {
		t.Errorf("fingerprint = (%q, %v, %v)", h, ok, err)
	}
	if err := c.SetLastCrawl(ctx, "golang"); err != nil {
		t.Errorf("SetLastCrawl: %v", err)
	}
}

func TestConfigOverrides(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	if err := c.PutOverride(ctx, "collector.days_back", "14"); err != nil {
		t.Fatalf("PutOverride: %v", err)
	}
	if err := c.PutOverride(ctx, "collector.days_back", "30"); err != nil {
		t.Fatalf("PutOverride update: %v", err)
	}

	v, ok, err := c.GetOverride(ctx, "collector.days_back")
	if err != nil || !ok || v != "30" {
		t.Errorf("override = (%q, %v, %v)", v, ok, err)
	}

	all, err := c.ListOverrides(ctx)
	if err != nil {
		t.Fatalf("ListOverrides: %v", err)
	}
	if len(all) != 1 || all["collector.days_back"] != "30" {
		t.Errorf("overrides = %v", all)
	}
}

func TestSnapshots(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	body := []byte(`{"posts": []}`)
	key := "reddit/2025-09-23/crawl_1758600000"
	if err := c.PutSnapshot(ctx, key, models.PlatformReddit, "2025-09-23", body, 3, 17); err != nil {
		t.Fatalf("PutSnapshot: %v", err)
	}

	got, err := c.GetSnapshot(ctx, key)
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if string(got) != string(body) {
		t.Errorf("snapshot body = %s", got)
	}

	if _, err := c.GetSnapshot(ctx, "reddit/2025-09-23/crawl_0"); !apierr.IsKind(err, apierr.KindNotFound) {
		t.Errorf("missing snapshot err = %v, want not-found", err)
	}
}
