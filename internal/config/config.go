package config

import (
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/kubev2v/heap-monitor/internal/validator"
)

var singleConfig *Config = nil

type Config struct {
	Service    *svcConfig        `validate:"required"`
	Watcher    *watcherConfig    `validate:"required"`
	Processing *processingConfig `validate:"required"`
	Analyzer   *analyzerConfig   `validate:"required"`
	S3         *s3Config         `validate:"required"`
}

type svcConfig struct {
	Address        string        `envconfig:"HEAP_MONITOR_ADDRESS" default:":8080" validate:"listen_address"`
	MetricsAddress string        `envconfig:"HEAP_MONITOR_METRICS_ADDRESS" default:":8081" validate:"listen_address"`
	LogLevel       string        `envconfig:"HEAP_MONITOR_LOG_LEVEL" default:"info" validate:"log_level"`
	ShutdownGrace  time.Duration `envconfig:"HEAP_MONITOR_SHUTDOWN_GRACE" default:"30s" validate:"gte=0"`
	CorsOrigins    []string      `envconfig:"HEAP_MONITOR_CORS_ORIGINS" default:"*"`
	EventsSink     string        `envconfig:"HEAP_MONITOR_EVENTS_SINK" default:"" validate:"omitempty,eq=stdout|http_url"`
}

type watcherConfig struct {
	Dir         string        `envconfig:"HEAP_MONITOR_WATCH_DIR" default:"/dumps" validate:"required"`
	Extensions  []string      `envconfig:"HEAP_MONITOR_EXTENSIONS" default:".hprof,.dump,.bin" validate:"min=1,dive,extension"`
	Debounce    time.Duration `envconfig:"HEAP_MONITOR_DEBOUNCE" default:"2s" validate:"gt=0"`
	InitialScan bool          `envconfig:"HEAP_MONITOR_INITIAL_SCAN" default:"true"`
	Horizon     time.Duration `envconfig:"HEAP_MONITOR_TRACKING_HORIZON" default:"24h" validate:"gt=0"`
	MaxTracked  int           `envconfig:"HEAP_MONITOR_MAX_TRACKED" default:"10000" validate:"min=1"`
	RulesFile   string        `envconfig:"HEAP_MONITOR_METADATA_RULES" default:""`
}

type processingConfig struct {
	Workers        int           `envconfig:"HEAP_MONITOR_WORKERS" default:"2" validate:"min=1"`
	Timeout        time.Duration `envconfig:"HEAP_MONITOR_ANALYZER_TIMEOUT" default:"10m" validate:"gt=0"`
	MaxRetries     int           `envconfig:"HEAP_MONITOR_MAX_RETRIES" default:"0" validate:"min=0"`
	BackoffBase    time.Duration `envconfig:"HEAP_MONITOR_RETRY_BACKOFF" default:"5s" validate:"gte=0"`
	BackoffCap     time.Duration `envconfig:"HEAP_MONITOR_RETRY_BACKOFF_CAP" default:"5m" validate:"gte=0"`
	ArchiveTimeout time.Duration `envconfig:"HEAP_MONITOR_ARCHIVE_TIMEOUT" default:"5m" validate:"gt=0"`
	AllowReprocess bool          `envconfig:"HEAP_MONITOR_ALLOW_REPROCESS" default:"false"`
	ScratchDir     string        `envconfig:"HEAP_MONITOR_REPORTS_DIR" default:"/var/lib/heap-monitor/reports" validate:"required"`
}

type analyzerConfig struct {
	Command   string            `envconfig:"HEAP_MONITOR_ANALYZER_COMMAND" default:"analyze {input} {output_dir}" validate:"command"`
	Outputs   map[string]string `envconfig:"HEAP_MONITOR_ANALYZER_OUTPUTS" default:"suspects:{base}_Leak_Suspects.html,overview:{base}_System_Overview.html" validate:"min=1,dive,file_template"`
	TailSize  int               `envconfig:"HEAP_MONITOR_ANALYZER_TAIL_SIZE" default:"4096" validate:"min=1"`
	KillGrace time.Duration     `envconfig:"HEAP_MONITOR_ANALYZER_KILL_GRACE" default:"2s" validate:"gte=0"`
}

type s3Config struct {
	Endpoint  string `envconfig:"HEAP_MONITOR_S3_ENDPOINT" default:""`
	Bucket    string `envconfig:"HEAP_MONITOR_S3_BUCKET" default:"heap-reports" validate:"required_with=Endpoint"`
	AccessKey string `envconfig:"HEAP_MONITOR_S3_ACCESS_KEY" default:""`
	SecretKey string `envconfig:"HEAP_MONITOR_S3_SECRET_KEY" default:""`
	Prefix    string `envconfig:"HEAP_MONITOR_S3_PREFIX" default:"reports"`
	UseSSL    bool   `envconfig:"HEAP_MONITOR_S3_USE_SSL" default:"false"`
}

// AnalyzerCommand splits the configured command line into program and arguments.
func (c *Config) AnalyzerCommand() []string {
	return strings.Fields(c.Analyzer.Command)
}

func (c *Config) ArchiveEnabled() bool {
	return c.S3.Endpoint != ""
}

func (c *Config) EventsEnabled() bool {
	return c.Service.EventsSink != ""
}

// New loads the configuration once per process.
func New() (*Config, error) {
	if singleConfig == nil {
		cfg, err := Load()
		if err != nil {
			return nil, err
		}
		singleConfig = cfg
	}
	return singleConfig, nil
}

// Load reads and validates the configuration from the environment.
func Load() (*Config, error) {
	cfg := new(Config)
	if err := envconfig.Process("", cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	v := validator.NewValidator()
	v.Register(validator.NewConfigValidationRules()...)
	return v.Struct(c)
}
