package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/destinylab/destiny/pkg/types"
)

// Config holds the full runtime configuration of a Destiny node.
type Config struct {
	DataDir    string `yaml:"data_dir"`
	ListenAddr string `yaml:"listen_addr"`

	Log struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"log"`

	Blob struct {
		BaseURL    string        `yaml:"base_url"`
		SigningKey string        `yaml:"signing_key"`
		URLTTL     time.Duration `yaml:"url_ttl"`
	} `yaml:"blob"`

	Ingest struct {
		// FanOut bounds how many entries of one batch are processed
		// concurrently.
		FanOut int `yaml:"fan_out"`
	} `yaml:"ingest"`

	Dedup struct {
		TrustedIdentifierTypes []types.IdentifierType `yaml:"trusted_identifier_types"`
		CandidateK             int                    `yaml:"candidate_k"`
		TitleDuplicateJaccard  float64                `yaml:"title_duplicate_jaccard"`
		TitleFloorJaccard      float64                `yaml:"title_floor_jaccard"`
		AuthorSaturation       int                    `yaml:"author_saturation"`
		MaxPromoteRetries      int                    `yaml:"max_promote_retries"`
	} `yaml:"dedup"`

	Worker struct {
		// Slots is the number of concurrent task slots per worker process.
		Slots    int           `yaml:"slots"`
		LockTTL  time.Duration `yaml:"lock_ttl"`
		MaxRetry int           `yaml:"max_retry"`
	} `yaml:"worker"`

	Robot struct {
		ReplayWindow   time.Duration `yaml:"replay_window"`
		BatchTTL       time.Duration `yaml:"batch_ttl"`
		RequestTimeout time.Duration `yaml:"request_timeout"`
		SecretKey      string        `yaml:"secret_key"`
	} `yaml:"robot"`

	Automation struct {
		// Window bounds how long matched (robot, reference) pairs are
		// aggregated before one request per robot is created.
		Window time.Duration `yaml:"window"`
	} `yaml:"automation"`
}

// Default returns the configuration with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.DataDir = "/var/lib/destiny"
	cfg.ListenAddr = ":8550"
	cfg.Log.Level = "info"
	cfg.Log.JSON = true
	cfg.Blob.BaseURL = "http://localhost:8550"
	cfg.Blob.URLTTL = time.Hour
	cfg.Ingest.FanOut = 32
	cfg.Dedup.TrustedIdentifierTypes = []types.IdentifierType{types.IdentifierDOI, types.IdentifierOpenAlex, types.IdentifierPMID}
	cfg.Dedup.CandidateK = 25
	cfg.Dedup.TitleDuplicateJaccard = 0.5
	cfg.Dedup.TitleFloorJaccard = 0.3
	cfg.Dedup.AuthorSaturation = 10
	cfg.Dedup.MaxPromoteRetries = 3
	cfg.Worker.Slots = 4
	cfg.Worker.LockTTL = 30 * time.Second
	cfg.Worker.MaxRetry = 5
	cfg.Robot.ReplayWindow = 5 * time.Minute
	cfg.Robot.BatchTTL = 4 * time.Hour
	cfg.Robot.RequestTimeout = 60 * time.Second
	cfg.Automation.Window = 5 * time.Second
	return cfg
}

// Load reads a YAML config file over the defaults. A missing path returns the
// defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.Ingest.FanOut <= 0 {
		return fmt.Errorf("ingest.fan_out must be positive")
	}
	if c.Worker.Slots <= 0 {
		return fmt.Errorf("worker.slots must be positive")
	}
	if c.Dedup.CandidateK < 0 {
		return fmt.Errorf("dedup.candidate_k must not be negative")
	}
	if c.Dedup.TitleFloorJaccard > c.Dedup.TitleDuplicateJaccard {
		return fmt.Errorf("dedup.title_floor_jaccard must not exceed dedup.title_duplicate_jaccard")
	}
	for _, t := range c.Dedup.TrustedIdentifierTypes {
		if !types.KnownIdentifierType(t) {
			return fmt.Errorf("unknown trusted identifier type %q", t)
		}
	}
	return nil
}
