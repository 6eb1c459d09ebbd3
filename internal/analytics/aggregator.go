package analytics

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/product-insights/backend/internal/storage/models"
	"github.com/product-insights/backend/internal/storage/sqlite"
	"github.com/product-insights/backend/pkg/apierr"
	"github.com/product-insights/backend/pkg/config"
)

// recentHighPriorityCount is how many top insights the summary echoes back.
const recentHighPriorityCount = 5

// Aggregator derives rollups over the live insight window. Stateless; any
// number of concurrent calls are safe.
type Aggregator struct {
	db   *sqlite.Client
	high int
	now  func() time.Time
}

func NewAggregator(db *sqlite.Client, cfg config.InsightsConfig) *Aggregator {
	return &Aggregator{db: db, high: cfg.HighPriorityScore, now: time.Now}
}

// WithClock pins the aggregation window. Used by tests.
func (a *Aggregator) WithClock(fn func() time.Time) *Aggregator {
	a.now = fn
	return a
}

func periodWindow(period string, now time.Time) (time.Time, time.Time, error) {
	var days int
	switch period {
	case "", "30d":
		days = 30
	case "7d":
		days = 7
	case "90d":
		days = 90
	default:
		return time.Time{}, time.Time{}, apierr.Validation("Invalid period", "must be 7d, 30d or 90d")
	}
	return now.AddDate(0, 0, -days), now, nil
}

// GroupStats is the per-value breakdown when the summary is grouped.
type GroupStats struct {
	Count       int     `json:"count"`
	AvgPriority float64 `json:"avg_priority"`
}

// Summary is the aggregate rollup for one period.
type Summary struct {
	Period             string                `json:"period"`
	TotalInsights      int                   `json:"total_insights"`
	HighPriorityCount  int                   `json:"high_priority_count"`
	ActionRequired     int                   `json:"action_required_count"`
	AvgPriorityScore   float64               `json:"avg_priority_score"`
	ByCategory         map[string]GroupStats `json:"by_category,omitempty"`
	ByUserSegment      map[string]GroupStats `json:"by_user_segment,omitempty"`
	RecentHighPriority []models.Insight      `json:"recent_high_priority"`
}

// Summarize computes the aggregate rollup over the period ending now. An
// empty window yields zero counts, a zero average and empty groupings,
// never an error.
func (a *Aggregator) Summarize(ctx context.Context, period string, groupBy []string) (*Summary, error) {
	if period == "" {
		period = "30d"
	}
	from, to, err := periodWindow(period, a.now().UTC())
	if err != nil {
		return nil, err
	}
	for _, g := range groupBy {
		if g != "category" && g != "user_segment" {
			return nil, apierr.Validation("Invalid group_by", "must be category or user_segment")
		}
	}

	insights, err := a.db.QueryWindow(ctx, from, to)
	if err != nil {
		return nil, err
	}

	s := &Summary{Period: period, RecentHighPriority: []models.Insight{}}
	prioritySum := 0
	for _, in := range insights {
		s.TotalInsights++
		prioritySum += in.PriorityScore
		if in.PriorityScore >= a.high {
			s.HighPriorityCount++
		}
		if in.ActionRequired {
			s.ActionRequired++
		}
	}
	if s.TotalInsights > 0 {
		s.AvgPriorityScore = round2(float64(prioritySum) / float64(s.TotalInsights))
	}

	for _, g := range groupBy {
		grouped := groupStats(insights, func(in models.Insight) string {
			if g == "category" {
				return in.FeatureCategory
			}
			return in.UserSegment
		})
		if g == "category" {
			s.ByCategory = grouped
		} else {
			s.ByUserSegment = grouped
		}
	}

	top, err := a.db.TopByPriority(ctx, from, to, recentHighPriorityCount)
	if err != nil {
		return nil, err
	}
	if top != nil {
		s.RecentHighPriority = top
	}
	return s, nil
}

func groupStats(insights []models.Insight, key func(models.Insight) string) map[string]GroupStats {
	sums := map[string]int{}
	counts := map[string]int{}
	for _, in := range insights {
		k := key(in)
		if k == "" {
			continue
		}
		counts[k]++
		sums[k] += in.PriorityScore
	}
	out := make(map[string]GroupStats, len(counts))
	for k, n := range counts {
		out[k] = GroupStats{Count: n, AvgPriority: round2(float64(sums[k]) / float64(n))}
	}
	return out
}

// TrendPoint is one bucket of a trend series.
type TrendPoint struct {
	Bucket string  `json:"bucket"`
	Value  float64 `json:"value"`
	Count  int     `json:"count"`
}

// Trends is a bucketed time series with its direction and spread.
type Trends struct {
	Metric         string       `json:"metric"`
	Period         string       `json:"period"`
	Interval       string       `json:"interval"`
	Series         []TrendPoint `json:"series"`
	TrendDirection string       `json:"trend_direction"`
	Volatility     float64      `json:"volatility"`
}

// Trend buckets the window into day/week/month intervals and computes the
// metric per bucket. Direction is a plain endpoint comparison; volatility is
// the standard deviation of bucket values, zero for short series.
func (a *Aggregator) Trend(ctx context.Context, metric, period, interval string) (*Trends, error) {
	switch metric {
	case "":
		metric = "insights_count"
	case "insights_count", "avg_priority":
	default:
		return nil, apierr.Validation("Invalid metric", "must be insights_count or avg_priority")
	}
	if period == "" {
		period = "30d"
	}
	from, to, err := periodWindow(period, a.now().UTC())
	if err != nil {
		return nil, err
	}
	switch interval {
	case "":
		interval = "day"
	case "day", "week", "month":
	default:
		return nil, apierr.Validation("Invalid group_by", "must be day, week or month")
	}

	insights, err := a.db.QueryWindow(ctx, from, to)
	if err != nil {
		return nil, err
	}

	counts := map[string]int{}
	sums := map[string]int{}
	for _, in := range insights {
		b := bucketKey(in.AnalyzedAt, interval)
		counts[b]++
		sums[b] += in.PriorityScore
	}

	// The series covers every bucket in the window; an interval with no
	// insights is an explicit zero point, not a gap.
	keys := bucketRange(from, to, interval)

	series := make([]TrendPoint, 0, len(keys))
	for _, k := range keys {
		value := float64(counts[k])
		if metric == "avg_priority" {
			value = 0
			if counts[k] > 0 {
				value = round2(float64(sums[k]) / float64(counts[k]))
			}
		}
		series = append(series, TrendPoint{Bucket: k, Value: value, Count: counts[k]})
	}

	return &Trends{
		Metric:         metric,
		Period:         period,
		Interval:       interval,
		Series:         series,
		TrendDirection: direction(series),
		Volatility:     round2(stddev(series)),
	}, nil
}

// bucketRange lists the bucket keys of [from, to] in order. Stepping a day
// at a time and de-duplicating covers the week and month intervals too.
func bucketRange(from, to time.Time, interval string) []string {
	var keys []string
	last := ""
	for t := from.UTC(); !t.After(to.UTC()); t = t.AddDate(0, 0, 1) {
		if k := bucketKey(t, interval); k != last {
			keys = append(keys, k)
			last = k
		}
	}
	return keys
}

func bucketKey(t time.Time, interval string) string {
	t = t.UTC()
	switch interval {
	case "week":
		// ISO week, keyed by its Monday.
		monday := t.AddDate(0, 0, -int((t.Weekday()+6)%7))
		return monday.Format("2006-01-02")
	case "month":
		return t.Format("2006-01")
	default:
		return t.Format("2006-01-02")
	}
}

func direction(series []TrendPoint) string {
	if len(series) < 2 {
		return "stable"
	}
	first, last := series[0].Value, series[len(series)-1].Value
	switch {
	case last > first:
		return "increasing"
	case last < first:
		return "decreasing"
	default:
		return "stable"
	}
}

func stddev(series []TrendPoint) float64 {
	if len(series) < 2 {
		return 0
	}
	mean := 0.0
	for _, p := range series {
		mean += p.Value
	}
	mean /= float64(len(series))

	variance := 0.0
	for _, p := range series {
		d := p.Value - mean
		variance += d * d
	}
	variance /= float64(len(series))
	return math.Sqrt(variance)
}

// CompetitorStats is the per-competitor rollup.
type CompetitorStats struct {
	Name        string         `json:"name"`
	Mentions    int            `json:"mentions"`
	AvgPriority float64        `json:"avg_priority"`
	ByCategory  map[string]int `json:"by_category"`
	BySegment   map[string]int `json:"by_segment"`
	Sentiment   map[string]int `json:"sentiment,omitempty"`
}

// CompetitorReport groups mentioning insights by competitor name.
type CompetitorReport struct {
	Competitors   []CompetitorStats `json:"competitors"`
	MarketLeader  string            `json:"market_leader,omitempty"`
	TotalMentions int               `json:"total_mentions"`
}

// CompetitorFilter narrows the competitor rollup.
type CompetitorFilter struct {
	Competitor string
	Sentiment  string
	Limit      int
}

// Competitors scans insights with a non-empty competitors_mentioned set over
// the 90-day window and rolls them up per competitor. The market leader is
// the most-mentioned competitor, ties broken lexicographically by name.
func (a *Aggregator) Competitors(ctx context.Context, f CompetitorFilter) (*CompetitorReport, error) {
	if f.Sentiment != "" && f.Sentiment != "positive" && f.Sentiment != "neutral" && f.Sentiment != "negative" {
		return nil, apierr.Validation("Invalid sentiment", "must be positive, neutral or negative")
	}

	from, to, _ := periodWindow("90d", a.now().UTC())
	insights, err := a.db.QueryWindow(ctx, from, to)
	if err != nil {
		return nil, err
	}

	stats := map[string]*CompetitorStats{}
	prioritySums := map[string]int{}
	for _, in := range insights {
		if len(in.CompetitorsMentioned) == 0 {
			continue
		}
		if f.Sentiment != "" && in.Sentiment != f.Sentiment {
			continue
		}
		for _, name := range in.CompetitorsMentioned {
			if f.Competitor != "" && name != f.Competitor {
				continue
			}
			cs, ok := stats[name]
			if !ok {
				cs = &CompetitorStats{
					Name:       name,
					ByCategory: map[string]int{},
					BySegment:  map[string]int{},
				}
				stats[name] = cs
			}
			cs.Mentions++
			prioritySums[name] += in.PriorityScore
			if in.FeatureCategory != "" {
				cs.ByCategory[in.FeatureCategory]++
			}
			if in.UserSegment != "" {
				cs.BySegment[in.UserSegment]++
			}
			if in.Sentiment != "" {
				if cs.Sentiment == nil {
					cs.Sentiment = map[string]int{}
				}
				cs.Sentiment[in.Sentiment]++
			}
		}
	}

	report := &CompetitorReport{Competitors: []CompetitorStats{}}
	for name, cs := range stats {
		cs.AvgPriority = round2(float64(prioritySums[name]) / float64(cs.Mentions))
		report.Competitors = append(report.Competitors, *cs)
		report.TotalMentions += cs.Mentions
	}

	// Most mentioned first; name ascending on ties so the ordering and the
	// market leader are deterministic.
	sort.Slice(report.Competitors, func(i, j int) bool {
		a, b := report.Competitors[i], report.Competitors[j]
		if a.Mentions != b.Mentions {
			return a.Mentions > b.Mentions
		}
		return a.Name < b.Name
	})
	if len(report.Competitors) > 0 {
		report.MarketLeader = report.Competitors[0].Name
	}
	if f.Limit > 0 && len(report.Competitors) > f.Limit {
		report.Competitors = report.Competitors[:f.Limit]
	}
	return report, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
