package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	SQLite    SQLiteConfig
	Redis     RedisConfig
	Reddit    RedditConfig
	Twitter   TwitterConfig
	Slack     SlackConfig
	LLM       LLMConfig
	Collector CollectorConfig
	Insights  InsightsConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
	BodyLimit    int
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
	CacheTTL int
}

type RedditConfig struct {
	BaseURL      string
	UserAgent    string
	ClientID     string
	ClientSecret string
}

type TwitterConfig struct {
	Enabled     bool
	BaseURL     string
	BearerToken string
	APITier     string
}

type SlackConfig struct {
	Enabled  bool
	BaseURL  string
	BotToken string
	Channels []string
}

type LLMConfig struct {
	APIKey      string
	Model       string
	Temperature float32
	MaxTokens   int
	TimeoutSec  int
}

// CollectorConfig holds the ingestion tunables. It is passed explicitly to the
// fetchers and the pipeline so a single run can override any of it.
type CollectorConfig struct {
	Subreddits           []string
	Keywords             []string
	DaysBack             int
	MinScore             int
	PostsPerListing      int
	CommentsPerPost      int
	SearchLimit          int
	SearchCommentsLimit  int
	MaxCommentDepth      int
	MaxRepliesPerComment int
	MinCommentScore      int
	PreserveContext      bool
	AlwaysIncludeAuthor  bool
	Incremental          bool
}

type InsightsConfig struct {
	StorageThreshold  int
	HighPriorityScore int
	RetentionDays     int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/product-insights")

	viper.SetEnvPrefix("PI")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readTimeout", 30)
	viper.SetDefault("server.writeTimeout", 30)
	viper.SetDefault("server.bodyLimit", 10485760)

	viper.SetDefault("sqlite.path", "./data/insights.db")

	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.cacheTTL", 300)

	viper.SetDefault("reddit.baseURL", "https://www.reddit.com")
	viper.SetDefault("reddit.userAgent", "product-insights/1.0")

	viper.SetDefault("twitter.enabled", false)
	viper.SetDefault("twitter.baseURL", "https://api.twitter.com")
	viper.SetDefault("twitter.apiTier", "basic")

	viper.SetDefault("slack.enabled", false)
	viper.SetDefault("slack.baseURL", "https://slack.com/api")

	viper.SetDefault("llm.model", "gpt-4")
	viper.SetDefault("llm.temperature", 0.3)
	viper.SetDefault("llm.maxTokens", 1000)
	viper.SetDefault("llm.timeoutSec", 60)

	viper.SetDefault("collector.subreddits", []string{"LawFirm", "Lawyertalk", "legaltech"})
	viper.SetDefault("collector.keywords", []string{
		"AI", "automation", "document review", "contract analysis",
	})
	viper.SetDefault("collector.daysBack", 3)
	viper.SetDefault("collector.minScore", 10)
	viper.SetDefault("collector.postsPerListing", 25)
	viper.SetDefault("collector.commentsPerPost", 20)
	viper.SetDefault("collector.searchLimit", 10)
	viper.SetDefault("collector.searchCommentsLimit", 10)
	viper.SetDefault("collector.maxCommentDepth", 4)
	viper.SetDefault("collector.maxRepliesPerComment", 10)
	viper.SetDefault("collector.minCommentScore", -5)
	viper.SetDefault("collector.preserveContext", true)
	viper.SetDefault("collector.alwaysIncludeAuthor", true)
	viper.SetDefault("collector.incremental", false)

	viper.SetDefault("insights.storageThreshold", 5)
	viper.SetDefault("insights.highPriorityScore", 8)
	viper.SetDefault("insights.retentionDays", 90)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.outputPath", "stdout")
}
