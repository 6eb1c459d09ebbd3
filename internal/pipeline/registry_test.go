package pipeline

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/product-insights/backend/internal/source"
	"github.com/product-insights/backend/internal/storage/models"
	"github.com/product-insights/backend/internal/storage/sqlite"
	"github.com/product-insights/backend/pkg/apierr"
)

// gateFetcher blocks until released so tests control when a run finishes.
type gateFetcher struct {
	release chan struct{}
	posts   []*models.Post
}

func (f *gateFetcher) Platform() models.Platform { return models.PlatformReddit }

func (f *gateFetcher) Fetch(ctx context.Context, _ source.Options) (*source.Result, error) {
	select {
	case <-f.release:
		return &source.Result{Posts: f.posts}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func newTestRegistry(t *testing.T, fetcher source.Fetcher) (*Registry, *sqlite.Client) {
	t.Helper()
	db := newTestDB(t)
	extractor := &stubExtractor{fields: map[string]models.InsightFields{
		"p1": {FeatureSummary: "ask", PriorityScore: 7},
	}}
	runner := newTestRunner(db, []source.Fetcher{fetcher}, extractor)
	return NewRegistry(db, runner), db
}

func waitForRun(t *testing.T, ch <-chan models.Run) models.Run {
	t.Helper()
	select {
	case run := <-ch:
		return run
	case <-time.After(10 * time.Second):
		t.Fatal("run did not reach a terminal state")
		return models.Run{}
	}
}

func TestTriggerRunsToCompletion(t *testing.T) {
	fetcher := &gateFetcher{release: make(chan struct{}), posts: []*models.Post{post("p1", 0)}}
	registry, db := newTestRegistry(t, fetcher)

	var finished []models.Run
	registry.OnFinish(func(r models.Run) { finished = append(finished, r) })

	run, err := registry.Trigger(context.Background(), models.RunInput{CrawlType: "listing"}, "manual")
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if !strings.HasPrefix(run.Name, "run-") || run.Status != models.RunStatusRunning {
		t.Errorf("run = %+v", run)
	}

	ch := registry.Watch(run.Name)
	close(fetcher.release)

	final := waitForRun(t, ch)
	if final.Status != models.RunStatusSucceeded {
		t.Errorf("status = %s, want SUCCEEDED", final.Status)
	}
	if final.Output == nil || final.Output.InsightsStored != 1 {
		t.Errorf("output = %+v", final.Output)
	}

	stored, err := db.GetRun(context.Background(), run.Name)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if stored.Status != models.RunStatusSucceeded || stored.StopTime == nil {
		t.Errorf("stored run = %+v", stored)
	}
	if len(finished) != 1 || finished[0].Name != run.Name {
		t.Errorf("finish hooks saw %+v", finished)
	}

	// A finished run can no longer be cancelled.
	if err := registry.Cancel(context.Background(), run.Name); !apierr.IsKind(err, apierr.KindConflict) {
		t.Errorf("cancel terminal run err = %v, want conflict", err)
	}
}

func TestCancelAbortsRunningRun(t *testing.T) {
	fetcher := &gateFetcher{release: make(chan struct{})}
	registry, db := newTestRegistry(t, fetcher)

	run, err := registry.Trigger(context.Background(), models.RunInput{}, "manual")
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	ch := registry.Watch(run.Name)

	if err := registry.Cancel(context.Background(), run.Name); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	final := waitForRun(t, ch)
	if final.Status != models.RunStatusAborted {
		t.Errorf("status = %s, want ABORTED", final.Status)
	}

	stored, err := db.GetRun(context.Background(), run.Name)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if stored.Status != models.RunStatusAborted {
		t.Errorf("stored status = %s", stored.Status)
	}
}

func TestCancelUnknownRun(t *testing.T) {
	registry, _ := newTestRegistry(t, &gateFetcher{release: make(chan struct{})})

	err := registry.Cancel(context.Background(), "run-missing")
	if !apierr.IsKind(err, apierr.KindNotFound) {
		t.Errorf("err = %v, want not-found", err)
	}
}

func TestCancelUnownedRunningRun(t *testing.T) {
	registry, db := newTestRegistry(t, &gateFetcher{release: make(chan struct{})})

	// A run left RUNNING by a previous process; this registry holds no
	// cancel handle for it.
	orphan := &models.Run{
		Name:        "run-orphan",
		Status:      models.RunStatusRunning,
		TriggerTime: time.Now().UTC(),
		Source:      "manual",
	}
	if err := db.InsertRun(context.Background(), orphan); err != nil {
		t.Fatalf("InsertRun: %v", err)
	}

	if err := registry.Cancel(context.Background(), "run-orphan"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	stored, err := db.GetRun(context.Background(), "run-orphan")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if stored.Status != models.RunStatusAborted {
		t.Errorf("orphan status = %s, want ABORTED", stored.Status)
	}
}

func TestTriggerValidation(t *testing.T) {
	registry, _ := newTestRegistry(t, &gateFetcher{release: make(chan struct{})})
	ctx := context.Background()

	if _, err := registry.Trigger(ctx, models.RunInput{CrawlType: "firehose"}, "manual"); !apierr.IsKind(err, apierr.KindValidation) {
		t.Errorf("crawl_type err = %v, want validation", err)
	}
	if _, err := registry.Trigger(ctx, models.RunInput{DaysBack: -1}, "manual"); !apierr.IsKind(err, apierr.KindValidation) {
		t.Errorf("days_back err = %v, want validation", err)
	}
}
