package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	DefaultListenAddress = ":8080"
	DefaultQueueSize     = 1000
	DefaultMaxRetries    = 5
	DefaultRetryBackoff  = 10 * time.Second
	DefaultSendTimeout   = 30 * time.Second
	DefaultSendRate      = 5.0
	DefaultSendBurst     = 10
	DefaultAPIRate       = 20.0
	DefaultAPIBurst      = 50
)

type Server struct {
	ListenAddress string `yaml:"listenAddress"`
	TLSCertFile   string `yaml:"tlsCertFile"`
	TLSKeyFile    string `yaml:"tlsKeyFile"`
	// AllowedOrigins enables CORS for the hospital dashboard. Empty disables CORS.
	AllowedOrigins []string  `yaml:"allowedOrigins"`
	RateLimit      RateLimit `yaml:"rateLimit"`
}

type RateLimit struct {
	// Rate is requests per second per client IP. Zero selects the default.
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
}

type Notifications struct {
	QueueSize  int `yaml:"queueSize"`
	MaxRetries int `yaml:"maxRetries"`
	// RetryBackoff is the first retry delay, e.g. "10s". Doubles per attempt.
	RetryBackoff string `yaml:"retryBackoff"`
	// SendTimeout bounds a single send or verify when the caller sets no deadline.
	SendTimeout string  `yaml:"sendTimeout"`
	SendRate    float64 `yaml:"sendRate"`
	SendBurst   int     `yaml:"sendBurst"`
}

type Kafka struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type Audit struct {
	Kafka Kafka `yaml:"kafka"`
}

type Config struct {
	Server        Server        `yaml:"server"`
	Notifications Notifications `yaml:"notifications"`
	Audit         Audit         `yaml:"audit"`
}

// Load loads the notifier settings from a file path.
// If configPath is empty, defaults to "./config.yaml". A missing file yields
// the defaults; a malformed one is an error.
func Load(configPath ...string) (Config, error) {
	path := "./config.yaml"
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	var config Config

	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			config.applyDefaults()
			return config, nil
		}
		return config, fmt.Errorf("trying to open notifier config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(content, &config); err != nil {
		return config, fmt.Errorf("error unmarshaling YAML %s: %w", path, err)
	}
	if err := config.validate(); err != nil {
		return config, fmt.Errorf("invalid notifier config %s: %w", path, err)
	}
	config.applyDefaults()
	return config, nil
}

func (c *Config) validate() error {
	if _, err := parseDuration(c.Notifications.RetryBackoff, DefaultRetryBackoff); err != nil {
		return fmt.Errorf("notifications.retryBackoff: %w", err)
	}
	if _, err := parseDuration(c.Notifications.SendTimeout, DefaultSendTimeout); err != nil {
		return fmt.Errorf("notifications.sendTimeout: %w", err)
	}
	if len(c.Audit.Kafka.Brokers) > 0 && c.Audit.Kafka.Topic == "" {
		return errors.New("audit.kafka.topic is required when brokers are set")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = DefaultListenAddress
	}
	if c.Server.RateLimit.Rate <= 0 {
		c.Server.RateLimit.Rate = DefaultAPIRate
	}
	if c.Server.RateLimit.Burst <= 0 {
		c.Server.RateLimit.Burst = DefaultAPIBurst
	}
	n := &c.Notifications
	if n.QueueSize <= 0 {
		n.QueueSize = DefaultQueueSize
	}
	if n.MaxRetries <= 0 {
		n.MaxRetries = DefaultMaxRetries
	}
	if n.SendRate <= 0 {
		n.SendRate = DefaultSendRate
	}
	if n.SendBurst <= 0 {
		n.SendBurst = DefaultSendBurst
	}
}

// RetryBackoffDuration returns the parsed first retry delay.
func (n Notifications) RetryBackoffDuration() time.Duration {
	d, _ := parseDuration(n.RetryBackoff, DefaultRetryBackoff)
	return d
}

// SendTimeoutDuration returns the parsed per-call send timeout.
func (n Notifications) SendTimeoutDuration() time.Duration {
	d, _ := parseDuration(n.SendTimeout, DefaultSendTimeout)
	return d
}

func parseDuration(v string, fallback time.Duration) (time.Duration, error) {
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback, err
	}
	if d <= 0 {
		return fallback, fmt.Errorf("duration must be positive, got %s", v)
	}
	return d, nil
}
