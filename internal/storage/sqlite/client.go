package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/product-insights/backend/internal/storage/models"
	"github.com/product-insights/backend/pkg/apierr"
	"github.com/product-insights/backend/pkg/logger"
)

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS insights (
		insight_id TEXT PRIMARY KEY,
		date_bucket TEXT NOT NULL,
		priority_score INTEGER NOT NULL,
		source_type TEXT NOT NULL,
		source_post_id TEXT NOT NULL,
		source_url TEXT,
		subreddit TEXT,
		feature_summary TEXT,
		feature_category TEXT,
		user_segment TEXT,
		competitors_mentioned TEXT,
		sentiment TEXT,
		action_required INTEGER DEFAULT 0,
		suggested_action TEXT,
		pain_points TEXT,
		implementation_size TEXT,
		ai_readiness TEXT,
		post_score INTEGER DEFAULT 0,
		num_comments INTEGER DEFAULT 0,
		analyzed_at INTEGER NOT NULL,
		collected_at INTEGER NOT NULL,
		ttl INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_insights_rank ON insights(date_bucket, priority_score DESC);
	CREATE INDEX IF NOT EXISTS idx_insights_analyzed ON insights(analyzed_at);
	CREATE INDEX IF NOT EXISTS idx_insights_category ON insights(feature_category);
	CREATE INDEX IF NOT EXISTS idx_insights_segment ON insights(user_segment);

	CREATE TABLE IF NOT EXISTS raw_snapshots (
		snapshot_key TEXT PRIMARY KEY,
		platform TEXT NOT NULL,
		date_bucket TEXT NOT NULL,
		body TEXT NOT NULL,
		posts_count INTEGER DEFAULT 0,
		comments_count INTEGER DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_date ON raw_snapshots(platform, date_bucket);

	CREATE TABLE IF NOT EXISTS runs (
		name TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		trigger_source TEXT,
		trigger_time INTEGER NOT NULL,
		stop_time INTEGER,
		input TEXT,
		output TEXT,
		error TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_runs_time ON runs(trigger_time);

	CREATE TABLE IF NOT EXISTS crawl_records (
		bucket TEXT NOT NULL,
		item_id TEXT NOT NULL,
		hash TEXT NOT NULL,
		last_seen INTEGER NOT NULL,
		PRIMARY KEY (bucket, item_id)
	);

	CREATE TABLE IF NOT EXISTS crawl_buckets (
		bucket TEXT PRIMARY KEY,
		last_crawl INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS config_overrides (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

// PutInsight writes one insight. Idempotent on insight_id: replaying the same
// record is a no-op. Expired or sub-threshold records are the caller's problem;
// the store only persists what it is given.
func (c *Client) PutInsight(ctx context.Context, in *models.Insight) error {
	competitors, _ := json.Marshal(in.CompetitorsMentioned)
	painPoints, _ := json.Marshal(in.PainPoints)

	query := `
		INSERT INTO insights (insight_id, date_bucket, priority_score, source_type,
			source_post_id, source_url, subreddit, feature_summary, feature_category,
			user_segment, competitors_mentioned, sentiment, action_required,
			suggested_action, pain_points, implementation_size, ai_readiness,
			post_score, num_comments, analyzed_at, collected_at, ttl)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(insight_id) DO NOTHING
	`

	actionRequired := 0
	if in.ActionRequired {
		actionRequired = 1
	}

	_, err := c.db.ExecContext(ctx, query,
		in.InsightID,
		models.DateBucket(in.AnalyzedAt),
		in.PriorityScore,
		string(in.SourceType),
		in.SourcePostID,
		in.SourceURL,
		in.Subreddit,
		in.FeatureSummary,
		in.FeatureCategory,
		in.UserSegment,
		string(competitors),
		in.Sentiment,
		actionRequired,
		in.SuggestedAction,
		string(painPoints),
		in.ImplementationSize,
		in.AIReadiness,
		in.PostScore,
		in.NumComments,
		in.AnalyzedAt.Unix(),
		in.CollectedAt.Unix(),
		in.TTL,
	)
	if err != nil {
		return apierr.Storage("Failed to store insight", err)
	}

	logger.Debug("Insight stored",
		zap.String("insight_id", in.InsightID),
		zap.Int("priority", in.PriorityScore),
	)
	return nil
}

// GetInsight fetches one insight by its composite id. Expired records are
// treated as gone.
func (c *Client) GetInsight(ctx context.Context, insightID string) (*models.Insight, error) {
	query := insightColumns + ` FROM insights WHERE insight_id = ? AND ttl > ?`

	row := c.db.QueryRowContext(ctx, query, insightID, time.Now().Unix())
	in, err := scanInsight(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.NotFound("Insight not found")
	}
	if err != nil {
		return nil, apierr.Storage("Failed to get insight", err)
	}
	return in, nil
}

// InsightFilters are the AND-combined predicates for ListInsights.
type InsightFilters struct {
	PriorityMin int
	PriorityMax int
	Category    string
	UserSegment string
	DateFrom    string
	DateTo      string
	Platform    string
}

// ListInsights returns up to limit+1 matching insights ordered by analyzed_at
// descending. The caller uses the extra row to compute hasMore.
func (c *Client) ListInsights(ctx context.Context, f InsightFilters, limit int) ([]models.Insight, error) {
	where := []string{"ttl > ?", "priority_score >= ?", "priority_score <= ?"}
	args := []interface{}{time.Now().Unix(), f.PriorityMin, f.PriorityMax}

	if f.Category != "" {
		where = append(where, "feature_category = ?")
		args = append(args, f.Category)
	}
	if f.UserSegment != "" {
		where = append(where, "user_segment = ?")
		args = append(args, f.UserSegment)
	}
	if f.DateFrom != "" {
		where = append(where, "date_bucket >= ?")
		args = append(args, f.DateFrom)
	}
	if f.DateTo != "" {
		where = append(where, "date_bucket <= ?")
		args = append(args, f.DateTo)
	}
	if f.Platform != "" {
		where = append(where, "source_type = ?")
		args = append(args, f.Platform)
	}

	query := insightColumns + ` FROM insights WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY analyzed_at DESC, insight_id LIMIT ?`
	args = append(args, limit+1)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apierr.Storage("Failed to list insights", err)
	}
	defer rows.Close()

	return collectInsights(rows)
}

// QueryWindow returns all live insights analyzed within [from, to], in
// analyzed_at ascending order. Used by the analytics aggregator.
func (c *Client) QueryWindow(ctx context.Context, from, to time.Time) ([]models.Insight, error) {
	query := insightColumns + ` FROM insights
		WHERE ttl > ? AND analyzed_at >= ? AND analyzed_at <= ?
		ORDER BY analyzed_at ASC`

	rows, err := c.db.QueryContext(ctx, query, time.Now().Unix(), from.Unix(), to.Unix())
	if err != nil {
		return nil, apierr.Storage("Failed to query window", err)
	}
	defer rows.Close()

	return collectInsights(rows)
}

// TopByPriority returns the n highest-priority insights in the window, ties
// broken by most recent analyzed_at. Backed by the (date_bucket, priority)
// index rather than the composite key string, whose unpadded priority
// component does not sort numerically.
func (c *Client) TopByPriority(ctx context.Context, from, to time.Time, n int) ([]models.Insight, error) {
	query := insightColumns + ` FROM insights
		WHERE ttl > ? AND analyzed_at >= ? AND analyzed_at <= ?
		ORDER BY priority_score DESC, analyzed_at DESC
		LIMIT ?`

	rows, err := c.db.QueryContext(ctx, query, time.Now().Unix(), from.Unix(), to.Unix(), n)
	if err != nil {
		return nil, apierr.Storage("Failed to query top insights", err)
	}
	defer rows.Close()

	return collectInsights(rows)
}

// PurgeExpired deletes insights past their TTL. Returns the number removed.
func (c *Client) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM insights WHERE ttl <= ?`, time.Now().Unix())
	if err != nil {
		return 0, apierr.Storage("Failed to purge expired insights", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logger.Info("Expired insights purged", zap.Int64("count", n))
	}
	return n, nil
}

const insightColumns = `SELECT insight_id, priority_score, source_type, source_post_id,
	source_url, subreddit, feature_summary, feature_category, user_segment,
	competitors_mentioned, sentiment, action_required, suggested_action,
	pain_points, implementation_size, ai_readiness, post_score, num_comments,
	analyzed_at, collected_at, ttl`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInsight(row rowScanner) (*models.Insight, error) {
	var in models.Insight
	var sourceType, competitors, painPoints string
	var actionRequired int
	var analyzedAt, collectedAt int64

	err := row.Scan(
		&in.InsightID,
		&in.PriorityScore,
		&sourceType,
		&in.SourcePostID,
		&in.SourceURL,
		&in.Subreddit,
		&in.FeatureSummary,
		&in.FeatureCategory,
		&in.UserSegment,
		&competitors,
		&in.Sentiment,
		&actionRequired,
		&in.SuggestedAction,
		&painPoints,
		&in.ImplementationSize,
		&in.AIReadiness,
		&in.PostScore,
		&in.NumComments,
		&analyzedAt,
		&collectedAt,
		&in.TTL,
	)
	if err != nil {
		return nil, err
	}

	in.SourceType = models.Platform(sourceType)
	in.ActionRequired = actionRequired != 0
	in.AnalyzedAt = time.Unix(analyzedAt, 0).UTC()
	in.CollectedAt = time.Unix(collectedAt, 0).UTC()
	json.Unmarshal([]byte(competitors), &in.CompetitorsMentioned)
	json.Unmarshal([]byte(painPoints), &in.PainPoints)

	return &in, nil
}

func collectInsights(rows *sql.Rows) ([]models.Insight, error) {
	var out []models.Insight
	for rows.Next() {
		in, err := scanInsight(rows)
		if err != nil {
			return nil, apierr.Storage("Failed to scan insight row", err)
		}
		out = append(out, *in)
	}
	if err := rows.Err(); err != nil {
		return nil, apierr.Storage("Failed to iterate insight rows", err)
	}
	return out, nil
}

// PutSnapshot archives one raw collection blob. Snapshots are immutable; a
// duplicate key is a conflict, never an overwrite.
func (c *Client) PutSnapshot(ctx context.Context, key string, platform models.Platform, dateBucket string, body []byte, posts, comments int) error {
	res, err := c.db.ExecContext(ctx, `
		INSERT INTO raw_snapshots (snapshot_key, platform, date_bucket, body, posts_count, comments_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(snapshot_key) DO NOTHING`,
		key, string(platform), dateBucket, string(body), posts, comments, time.Now().Unix(),
	)
	if err != nil {
		return apierr.Storage("Failed to store raw snapshot", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierr.Conflict("Raw snapshot already exists")
	}
	return nil
}

// GetSnapshot returns the raw blob stored under key.
func (c *Client) GetSnapshot(ctx context.Context, key string) ([]byte, error) {
	var body string
	err := c.db.QueryRowContext(ctx, `SELECT body FROM raw_snapshots WHERE snapshot_key = ?`, key).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.NotFound("Raw snapshot not found")
	}
	if err != nil {
		return nil, apierr.Storage("Failed to get raw snapshot", err)
	}
	return []byte(body), nil
}

// InsertRun registers a new execution. A duplicate name is a conflict, mirroring
// the "execution already exists" failure of the original scheduler.
func (c *Client) InsertRun(ctx context.Context, run *models.Run) error {
	input, _ := json.Marshal(run.Input)

	res, err := c.db.ExecContext(ctx, `
		INSERT INTO runs (name, status, trigger_source, trigger_time, input)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO NOTHING`,
		run.Name, string(run.Status), run.Source, run.TriggerTime.Unix(), string(input),
	)
	if err != nil {
		return apierr.Storage("Failed to insert run", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierr.Conflict("A crawl job with this name already exists")
	}
	return nil
}

// FinishRun records the terminal state of an execution.
func (c *Client) FinishRun(ctx context.Context, name string, status models.RunStatus, output *models.RunOutput, runErr string) error {
	var outputJSON interface{}
	if output != nil {
		b, _ := json.Marshal(output)
		outputJSON = string(b)
	}

	_, err := c.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, stop_time = ?, output = ?, error = ? WHERE name = ?`,
		string(status), time.Now().Unix(), outputJSON, runErr, name,
	)
	if err != nil {
		return apierr.Storage("Failed to update run", err)
	}
	return nil
}

// GetRun fetches one execution by name.
func (c *Client) GetRun(ctx context.Context, name string) (*models.Run, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT name, status, trigger_source, trigger_time, stop_time, input, output, error
		FROM runs WHERE name = ?`, name)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.NotFound("Execution not found")
	}
	if err != nil {
		return nil, apierr.Storage("Failed to get run", err)
	}
	return run, nil
}

// ListRuns returns the most recent executions, newest first.
func (c *Client) ListRuns(ctx context.Context, limit int) ([]models.Run, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT name, status, trigger_source, trigger_time, stop_time, input, output, error
		FROM runs ORDER BY trigger_time DESC LIMIT ?`, limit)
	if err != nil {
		return nil, apierr.Storage("Failed to list runs", err)
	}
	defer rows.Close()

	var out []models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, apierr.Storage("Failed to scan run row", err)
		}
		out = append(out, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, apierr.Storage("Failed to iterate run rows", err)
	}
	return out, nil
}

func scanRun(row rowScanner) (*models.Run, error) {
	var run models.Run
	var status string
	var triggerTime int64
	var stopTime sql.NullInt64
	var input, output, runErr sql.NullString

	err := row.Scan(&run.Name, &status, &run.Source, &triggerTime, &stopTime, &input, &output, &runErr)
	if err != nil {
		return nil, err
	}

	run.Status = models.RunStatus(status)
	run.TriggerTime = time.Unix(triggerTime, 0).UTC()
	if stopTime.Valid {
		t := time.Unix(stopTime.Int64, 0).UTC()
		run.StopTime = &t
	}
	if input.Valid {
		json.Unmarshal([]byte(input.String), &run.Input)
	}
	if output.Valid && output.String != "" {
		var out models.RunOutput
		if json.Unmarshal([]byte(output.String), &out) == nil {
			run.Output = &out
		}
	}
	if runErr.Valid {
		run.Error = runErr.String
	}
	return &run, nil
}

// GetFingerprint implements filter.RecordStore.
func (c *Client) GetFingerprint(ctx context.Context, bucket, itemID string) (string, bool, error) {
	var hash string
	err := c.db.QueryRowContext(ctx,
		`SELECT hash FROM crawl_records WHERE bucket = ? AND item_id = ?`, bucket, itemID,
	).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get fingerprint: %w", err)
	}
	return hash, true, nil
}

// PutFingerprint implements filter.RecordStore.
func (c *Client) PutFingerprint(ctx context.Context, bucket, itemID, hash string) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO crawl_records (bucket, item_id, hash, last_seen)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(bucket, item_id) DO UPDATE SET hash = excluded.hash, last_seen = excluded.last_seen`,
		bucket, itemID, hash, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to put fingerprint: %w", err)
	}
	return nil
}

// SetLastCrawl implements filter.RecordStore.
func (c *Client) SetLastCrawl(ctx context.Context, bucket string) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO crawl_buckets (bucket, last_crawl) VALUES (?, ?)
		ON CONFLICT(bucket) DO UPDATE SET last_crawl = excluded.last_crawl`,
		bucket, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to set last crawl: %w", err)
	}
	return nil
}

// GetOverride returns the config override stored under key, if any.
func (c *Client) GetOverride(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := c.db.QueryRowContext(ctx, `SELECT value FROM config_overrides WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, apierr.Storage("Failed to get config override", err)
	}
	return value, true, nil
}

// PutOverride upserts a config override.
func (c *Client) PutOverride(ctx context.Context, key, value string) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO config_overrides (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().Unix(),
	)
	if err != nil {
		return apierr.Storage("Failed to put config override", err)
	}
	return nil
}

// ListOverrides returns all stored overrides.
func (c *Client) ListOverrides(ctx context.Context) (map[string]string, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT key, value FROM config_overrides`)
	if err != nil {
		return nil, apierr.Storage("Failed to list config overrides", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, apierr.Storage("Failed to scan config override", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// Ping verifies the database is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}
