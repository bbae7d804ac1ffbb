// Package config loads runtime configuration from environment variables.
// In development a .env file in the working directory is honoured; in
// production the environment is the single source of truth.
package config

import (
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds settings shared by the chatserver, sweeper, and classifier
// binaries. Each binary reads the subset it needs.
type Config struct {
	Env string `envconfig:"env" default:"development"`

	// Transport
	ListenAddr     string        `envconfig:"listen_addr" default:":8080"`
	MetricsAddr    string        `envconfig:"metrics_addr" default:":9100"`
	WorkerPoolSize int           `envconfig:"worker_pool_size" default:"256"`
	MaxConnections int           `envconfig:"max_connections" default:"100000"`
	ReadTimeout    time.Duration `envconfig:"read_timeout" default:"10s"`
	WriteTimeout   time.Duration `envconfig:"write_timeout" default:"10s"`

	// Backing services
	DatabaseURL string `envconfig:"database_url" default:"postgres://localhost:5432/campuschat?sslmode=disable"`
	RedisAddr   string `envconfig:"redis_addr" default:"localhost:6379"`
	NATSURL     string `envconfig:"nats_url" default:"nats://localhost:4222"`

	// Moderation classifier
	ClassifierURL     string        `envconfig:"classifier_url" default:"http://localhost:9090/v1/classify"`
	ClassifierTimeout time.Duration `envconfig:"classifier_timeout" default:"2s"`

	// Expiry sweep
	SweepInterval time.Duration `envconfig:"sweep_interval" default:"1m"`

	// Trust action deltas. Policy values, not logic; override per deployment.
	DeltaMessageSent   int `envconfig:"delta_message_sent" default:"1"`
	DeltaToxicContent  int `envconfig:"delta_toxic_content" default:"-50"`
	DeltaUserReported  int `envconfig:"delta_user_reported" default:"-20"`
	DeltaPostUpvoted   int `envconfig:"delta_post_upvoted" default:"5"`
	DeltaPostDownvoted int `envconfig:"delta_post_downvoted" default:"-5"`
	DeltaHelpfulAnswer int `envconfig:"delta_helpful_answer" default:"20"`
}

// Load reads configuration from the environment. A missing .env file is not
// an error outside development.
func Load() (*Config, error) {
	if os.Getenv("CHATCORE_ENV") != "production" {
		if err := godotenv.Load(); err != nil {
			log.Printf("[config] no .env loaded: %v", err)
		}
	}

	c := &Config{}
	if err := envconfig.Process("chatcore", c); err != nil {
		return nil, err
	}
	return c, nil
}

// IsDevelopment reports whether the process runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}
