package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the indicator agents service
type Config struct {
	General       GeneralConfig       `mapstructure:"general"`
	Server        ServerConfig        `mapstructure:"server"`
	Orchestration OrchestrationConfig `mapstructure:"orchestration"`
	Budget        BudgetConfig        `mapstructure:"budget"`
	Retry         RetryConfig         `mapstructure:"retry"`
	Identity      IdentityConfig      `mapstructure:"identity"`
	Extraction    ExtractionConfig    `mapstructure:"extraction"`
	Discovery     DiscoveryConfig     `mapstructure:"discovery"`
	Analysis      AnalysisConfig      `mapstructure:"analysis"`
	Aggregation   AggregationConfig   `mapstructure:"aggregation"`
	CrawlPolicy   CrawlPolicyConfig   `mapstructure:"crawl_policy"`
	Telemetry     TelemetryConfig     `mapstructure:"telemetry"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Queue         QueueConfig         `mapstructure:"queue"`
	Schedules     []ScheduleConfig    `mapstructure:"schedules"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address   string `mapstructure:"address"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// OrchestrationConfig bounds how much work the orchestrator accepts and runs at once.
type OrchestrationConfig struct {
	WorkerConcurrency int           `mapstructure:"worker_concurrency"`
	MaxConcurrentJobs int           `mapstructure:"max_concurrent_jobs"`
	MaxURLsPerJob     int           `mapstructure:"max_urls_per_job"`
	JobRetention      time.Duration `mapstructure:"job_retention"`
}

func (o OrchestrationConfig) Normalize() OrchestrationConfig {
	if o.WorkerConcurrency <= 0 {
		o.WorkerConcurrency = 4
	}
	if o.MaxConcurrentJobs <= 0 {
		o.MaxConcurrentJobs = 8
	}
	if o.MaxURLsPerJob <= 0 {
		o.MaxURLsPerJob = 10
	}
	if o.JobRetention <= 0 {
		o.JobRetention = time.Hour
	}
	return o
}

// BudgetConfig drives the per-job time allowance handed to the coordinator.
type BudgetConfig struct {
	Total             time.Duration `mapstructure:"total"`
	DiscoveryShare    float64       `mapstructure:"discovery_share"`
	MinURLTimeout     time.Duration `mapstructure:"min_url_timeout"`
	AnalysisThreshold time.Duration `mapstructure:"analysis_threshold"`
}

func (b BudgetConfig) Validate() error {
	if b.Total <= 0 {
		return fmt.Errorf("budget.total must be > 0")
	}
	if b.DiscoveryShare < 0 || b.DiscoveryShare >= 1 {
		return fmt.Errorf("budget.discovery_share must be in [0,1)")
	}
	if b.MinURLTimeout <= 0 {
		return fmt.Errorf("budget.min_url_timeout must be > 0")
	}
	if b.AnalysisThreshold < 0 {
		return fmt.Errorf("budget.analysis_threshold cannot be negative")
	}
	return nil
}

// RetryConfig controls per-URL extraction retries.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

func (r RetryConfig) Validate() error {
	if r.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if r.BaseDelay < 0 || r.MaxDelay < 0 {
		return fmt.Errorf("retry delays cannot be negative")
	}
	if r.MaxDelay > 0 && r.BaseDelay > r.MaxDelay {
		return fmt.Errorf("retry.base_delay cannot exceed retry.max_delay")
	}
	return nil
}

// IdentityProfile is one outbound request fingerprint.
type IdentityProfile struct {
	Name           string            `mapstructure:"name" yaml:"name"`
	UserAgent      string            `mapstructure:"user_agent" yaml:"user_agent"`
	AcceptLanguage string            `mapstructure:"accept_language" yaml:"accept_language"`
	Headers        map[string]string `mapstructure:"headers" yaml:"headers"`
}

// IdentityConfig lists the profiles rotated by the strategy selector.
type IdentityConfig struct {
	Profiles []IdentityProfile `mapstructure:"profiles"`
}

func (i IdentityConfig) Normalize() IdentityConfig {
	var out []IdentityProfile
	seen := make(map[string]struct{}, len(i.Profiles))
	for idx, p := range i.Profiles {
		p.UserAgent = strings.TrimSpace(p.UserAgent)
		if p.UserAgent == "" {
			continue
		}
		p.Name = strings.TrimSpace(p.Name)
		if p.Name == "" {
			p.Name = fmt.Sprintf("profile-%d", idx+1)
		}
		if _, ok := seen[p.Name]; ok {
			continue
		}
		seen[p.Name] = struct{}{}
		out = append(out, p)
	}
	if len(out) == 0 {
		out = DefaultIdentityProfiles()
	}
	i.Profiles = out
	return i
}

// DefaultIdentityProfiles mirrors common desktop browsers.
func DefaultIdentityProfiles() []IdentityProfile {
	return []IdentityProfile{
		{
			Name:           "chrome-win",
			UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
			AcceptLanguage: "fr-FR,fr;q=0.9,en;q=0.8",
		},
		{
			Name:           "firefox-linux",
			UserAgent:      "Mozilla/5.0 (X11; Linux x86_64; rv:125.0) Gecko/20100101 Firefox/125.0",
			AcceptLanguage: "en-US,en;q=0.7,fr;q=0.3",
		},
		{
			Name:           "safari-mac",
			UserAgent:      "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_4) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
			AcceptLanguage: "fr-TN,fr;q=0.9,ar;q=0.6",
		},
	}
}

// ExtractionConfig tunes the fetchers used by the extraction agent.
type ExtractionConfig struct {
	MinContentLength int      `mapstructure:"min_content_length"`
	MaxBodyBytes     int64    `mapstructure:"max_body_bytes"`
	MaxChars         int      `mapstructure:"max_chars"`
	DomainRPS        float64  `mapstructure:"domain_rps"`
	DomainBurst      int      `mapstructure:"domain_burst"`
	RenderingHints   []string `mapstructure:"rendering_hints"`
	ChromePath       string   `mapstructure:"chrome_path"`
}

func (e ExtractionConfig) Normalize() ExtractionConfig {
	if e.MinContentLength <= 0 {
		e.MinContentLength = 50
	}
	if e.MaxBodyBytes <= 0 {
		e.MaxBodyBytes = 5 << 20
	}
	if e.MaxChars <= 0 {
		e.MaxChars = 200000
	}
	if e.DomainRPS <= 0 {
		e.DomainRPS = 1
	}
	if e.DomainBurst <= 0 {
		e.DomainBurst = 2
	}
	return e
}

// DiscoveryConfig drives seed expansion.
type DiscoveryConfig struct {
	CatalogFile      string        `mapstructure:"catalog_file"`
	MaxDepth         int           `mapstructure:"max_depth"`
	MaxPages         int           `mapstructure:"max_pages"`
	MaxURLs          int           `mapstructure:"max_urls"`
	Timeout          time.Duration `mapstructure:"timeout"`
	PriorityKeywords []string      `mapstructure:"priority_keywords"`
	ExcludePatterns  []string      `mapstructure:"exclude_patterns"`
}

func (d DiscoveryConfig) Normalize() DiscoveryConfig {
	if d.MaxDepth <= 0 {
		d.MaxDepth = 3
	}
	if d.MaxPages <= 0 {
		d.MaxPages = 50
	}
	if d.MaxURLs <= 0 {
		d.MaxURLs = 10
	}
	if d.Timeout <= 0 {
		d.Timeout = 20 * time.Second
	}
	d.PriorityKeywords = lowerTrimmed(d.PriorityKeywords)
	d.ExcludePatterns = lowerTrimmed(d.ExcludePatterns)
	return d
}

// AnalysisConfig points at the semantic-enrichment service.
type AnalysisConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Temperature float64       `mapstructure:"temperature"`
	MaxPrompt   int           `mapstructure:"max_prompt_chars"`
}

func (a AnalysisConfig) Normalize() AnalysisConfig {
	a.BaseURL = strings.TrimRight(strings.TrimSpace(a.BaseURL), "/")
	if a.BaseURL == "" {
		a.BaseURL = "http://localhost:11434"
	}
	if strings.TrimSpace(a.Model) == "" {
		a.Model = "mistral:7b-instruct"
	}
	if a.Timeout <= 0 {
		a.Timeout = 60 * time.Second
	}
	if a.MaxPrompt <= 0 {
		a.MaxPrompt = 6000
	}
	return a
}

// AggregationConfig controls result filtering before handoff to storage.
type AggregationConfig struct {
	StartYear     int     `mapstructure:"start_year"`
	EndYear       int     `mapstructure:"end_year"`
	MinConfidence float64 `mapstructure:"min_confidence"`
}

func (a AggregationConfig) Validate() error {
	if a.StartYear > 0 && a.EndYear > 0 && a.StartYear > a.EndYear {
		return fmt.Errorf("aggregation.start_year cannot be after end_year")
	}
	if a.MinConfidence < 0 || a.MinConfidence > 1 {
		return fmt.Errorf("aggregation.min_confidence must be in [0,1]")
	}
	return nil
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	MetricsPort  int    `mapstructure:"metrics_port"`
	PeriodicLogs bool   `mapstructure:"periodic_logs"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort < 0 {
		return fmt.Errorf("telemetry.metrics_port cannot be negative")
	}
	return nil
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// Addr returns host:port for the redis client.
func (r RedisConfig) Addr() string {
	return r.Host + ":" + r.Port
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN builds a connection string, preferring an explicit URL.
func (p PostgresConfig) DSN() (string, error) {
	if p.URL != "" {
		return p.URL, nil
	}
	if p.Host == "" || p.DBName == "" {
		return "", fmt.Errorf("postgres not configured (storage.postgres.host/dbname or url)")
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

// QueueConfig names the Redis streams used for queue-driven admission.
type QueueConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	RequestedStream string `mapstructure:"requested_stream"`
	CompletedStream string `mapstructure:"completed_stream"`
	Group           string `mapstructure:"group"`
	Consumer        string `mapstructure:"consumer"`
	MaxLen          int64  `mapstructure:"max_len"`
}

func (q QueueConfig) Normalize() QueueConfig {
	if q.RequestedStream == "" {
		q.RequestedStream = "jobs.requested"
	}
	if q.CompletedStream == "" {
		q.CompletedStream = "jobs.completed"
	}
	if q.Group == "" {
		q.Group = "ecoagent-workers"
	}
	if q.Consumer == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "worker"
		}
		q.Consumer = host
	}
	if q.MaxLen <= 0 {
		q.MaxLen = 10000
	}
	return q
}

// ScheduleConfig fires a source job on a cron expression.
type ScheduleConfig struct {
	Name         string `mapstructure:"name"`
	Source       string `mapstructure:"source"`
	Cron         string `mapstructure:"cron"`
	AnalysisMode string `mapstructure:"analysis_mode"`
}

func lowerTrimmed(values []string) []string {
	var out []string
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":10001")
	v.SetDefault("orchestration.worker_concurrency", 4)
	v.SetDefault("orchestration.max_concurrent_jobs", 8)
	v.SetDefault("orchestration.max_urls_per_job", 10)
	v.SetDefault("orchestration.job_retention", "1h")
	v.SetDefault("budget.total", "5m")
	v.SetDefault("budget.discovery_share", 0.2)
	v.SetDefault("budget.min_url_timeout", "15s")
	v.SetDefault("budget.analysis_threshold", "20s")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", "1s")
	v.SetDefault("retry.max_delay", "10s")
	v.SetDefault("extraction.min_content_length", 50)
	v.SetDefault("extraction.rendering_hints", []string{".jsp", ".asp", "tableau"})
	v.SetDefault("discovery.max_depth", 3)
	v.SetDefault("discovery.max_pages", 50)
	v.SetDefault("discovery.max_urls", 10)
	v.SetDefault("discovery.priority_keywords", []string{"statistique", "indicateur", "taux", "inflation", "pib", "gdp", "monetaire", "conjoncture"})
	v.SetDefault("discovery.exclude_patterns", []string{"login", "logout", "contact", "rss", "print"})
	v.SetDefault("analysis.base_url", "http://localhost:11434")
	v.SetDefault("analysis.model", "mistral:7b-instruct")
	v.SetDefault("analysis.timeout", "60s")
	v.SetDefault("analysis.temperature", 0.1)
	v.SetDefault("aggregation.start_year", 2018)
	v.SetDefault("aggregation.end_year", 2025)
	v.SetDefault("aggregation.min_confidence", 0.3)
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", "6379")
	v.SetDefault("storage.postgres.host", "localhost")
	v.SetDefault("storage.postgres.port", "5432")
	v.SetDefault("storage.postgres.dbname", "ecoagent")
}

// LoadConfig loads config from file. It panics when the file cannot be read or is invalid.
func LoadConfig(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	return cfg
}

// Load reads, normalizes and validates the configuration.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config") // name of config file (without extension)
	v.SetConfigType("json")
	setDefaults(v)

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		v.AddConfigPath(exeDir)                                // bin/
		v.AddConfigPath(filepath.Join(exeDir, "..", "config")) // repo root/config
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("ECOAGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv() // read in environment variables that match (ECOAGENT_*)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}
	config.normalize()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) normalize() {
	c.Orchestration = c.Orchestration.Normalize()
	c.Identity = c.Identity.Normalize()
	c.Extraction = c.Extraction.Normalize()
	c.Discovery = c.Discovery.Normalize()
	c.Analysis = c.Analysis.Normalize()
	c.CrawlPolicy = c.CrawlPolicy.Normalize()
	c.Queue = c.Queue.Normalize()
}

// Validate checks every section that carries constraints.
func (c *Config) Validate() error {
	if err := c.Budget.Validate(); err != nil {
		return err
	}
	if err := c.Retry.Validate(); err != nil {
		return err
	}
	if err := c.Aggregation.Validate(); err != nil {
		return err
	}
	if err := c.CrawlPolicy.Validate(); err != nil {
		return err
	}
	if err := c.Telemetry.Validate(); err != nil {
		return err
	}
	if err := c.Storage.Redis.Validate(); err != nil {
		return err
	}
	if err := c.Storage.Postgres.Validate(); err != nil {
		return err
	}
	for _, s := range c.Schedules {
		if strings.TrimSpace(s.Source) == "" || strings.TrimSpace(s.Cron) == "" {
			return fmt.Errorf("schedules entries require source and cron")
		}
	}
	return nil
}
