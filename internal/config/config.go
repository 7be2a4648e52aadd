// Package config loads and validates spider configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Ops       OpsConfig       `mapstructure:"ops"`
	DB        DBConfig        `mapstructure:"db"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Download  DownloadConfig  `mapstructure:"download"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Task      TaskConfig      `mapstructure:"task"`
}

// TaskConfig describes the paging task the service runs.
type TaskConfig struct {
	Name            string       `mapstructure:"name"`
	URLPattern      string       `mapstructure:"url_pattern"`
	TotalCount      int64        `mapstructure:"total_count"`
	UserAgent       string       `mapstructure:"user_agent"`
	EncodingName    string       `mapstructure:"encoding"`
	CycleRetryTimes int          `mapstructure:"cycle_retry_times"`
	DownloadFiles   bool         `mapstructure:"download_files"`
	Cookies         []TaskCookie `mapstructure:"cookies"`
}

// TaskCookie seeds one cookie into every client jar used by the task.
type TaskCookie struct {
	URL   string `mapstructure:"url"`
	Name  string `mapstructure:"name"`
	Value string `mapstructure:"value"`
}

// OpsConfig controls the operational HTTP endpoint.
type OpsConfig struct {
	Port int `mapstructure:"port"`
}

// DBConfig controls access to the relational page store.
type DBConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxConns        int32  `mapstructure:"max_conns"`
	MinConns        int32  `mapstructure:"min_conns"`
	ConnLifetimeMin int    `mapstructure:"conn_lifetime_minutes"`
}

// SchedulerConfig governs page partitioning and seeding.
type SchedulerConfig struct {
	TaskIdentity       string `mapstructure:"task_identity"`
	PageSize           int    `mapstructure:"page_size"`
	Reset              bool   `mapstructure:"reset"`
	StoreRetryAttempts int    `mapstructure:"store_retry_attempts"`
}

// HTTPConfig configures the fetch client.
type HTTPConfig struct {
	TimeoutSeconds int  `mapstructure:"timeout_seconds"`
	AllowRedirect  bool `mapstructure:"allow_redirect"`
	DecodeContent  bool `mapstructure:"decode_content"`
}

// DownloadConfig sets the directory for persisted binary responses.
type DownloadConfig struct {
	Dir string `mapstructure:"dir"`
}

// WorkerConfig governs the fetch loop.
type WorkerConfig struct {
	Concurrency   int `mapstructure:"concurrency"`
	EmptySleepMs  int `mapstructure:"empty_sleep_ms"`
	MaxEmptyPolls int `mapstructure:"max_empty_polls"`
}

// PubSubConfig holds metadata for page result notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SPIDER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ops.port", 8080)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.conn_lifetime_minutes", 30)
	v.SetDefault("scheduler.page_size", 1000)
	v.SetDefault("scheduler.reset", true)
	v.SetDefault("scheduler.store_retry_attempts", 10000)
	v.SetDefault("http.timeout_seconds", 8)
	v.SetDefault("http.allow_redirect", true)
	v.SetDefault("http.decode_content", false)
	v.SetDefault("download.dir", "data/downloads")
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.empty_sleep_ms", 500)
	v.SetDefault("worker.max_empty_polls", 3)
	v.SetDefault("logging.development", true)
	v.SetDefault("task.name", "spider-task")
	v.SetDefault("task.cycle_retry_times", 3)
	v.SetDefault("task.user_agent", "spiderframe/1.0 (+https://github.com/spiderframe/spiderframe)")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Ops.Port <= 0 {
		return fmt.Errorf("ops.port must be > 0")
	}
	if c.DB.DSN == "" {
		return fmt.Errorf("db.dsn must be set")
	}
	if c.Scheduler.PageSize <= 0 {
		return fmt.Errorf("scheduler.page_size must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.PubSub.ProjectID != "" && c.PubSub.TopicName == "" {
		return fmt.Errorf("pubsub.topic_name must be set when pubsub.project_id is set")
	}
	if c.Task.URLPattern == "" {
		return fmt.Errorf("task.url_pattern must be set")
	}
	if c.Task.TotalCount < 0 {
		return fmt.Errorf("task.total_count must be >= 0")
	}
	for i, cookie := range c.Task.Cookies {
		if cookie.URL == "" || cookie.Name == "" {
			return fmt.Errorf("task.cookies[%d] must set url and name", i)
		}
	}
	return nil
}

// RequestTimeout converts the HTTP timeout config into a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// EmptySleep converts the idle poll backoff into a duration.
func (c Config) EmptySleep() time.Duration {
	return time.Duration(c.Worker.EmptySleepMs) * time.Millisecond
}
