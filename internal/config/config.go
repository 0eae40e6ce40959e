package config

import (
	"fmt"
	"time"

	"github.com/Netflix/go-env"
)

type Config struct {
	DatabaseDSN    string `env:"DATABASE_DSN,required=true"`
	RabbitMQURL    string `env:"RABBITMQ_URL,required=true"`
	RedisURL       string `env:"REDIS_URL,required=true"`
	VoiceAPIURL    string `env:"VOICE_API_URL,required=true"`
	VoiceAPIKey    string `env:"VOICE_API_KEY"`
	WorkflowAPIURL string `env:"WORKFLOW_API_URL,required=true"`
	SMSAPIURL      string `env:"SMS_API_URL,required=true"`
	CRMAPIURL      string `env:"CRM_API_URL,required=true"`
	CRMAPIKey      string `env:"CRM_API_KEY"`
	CallbackSecret string `env:"CALLBACK_SECRET"`
	CampaignsFile  string `env:"CAMPAIGNS_FILE"`

	MaxConcurrentCalls     int `env:"MAX_CONCURRENT_CALLS,default=8"`
	CallRatePerSec         int `env:"CALL_RATE_PER_SEC,default=5"`
	CallOutcomeTimeoutSec  int `env:"CALL_OUTCOME_TIMEOUT_SEC,default=900"`
	PlaceCallTimeoutSec    int `env:"PLACE_CALL_TIMEOUT_SEC,default=15"`
	CollaboratorTimeoutSec int `env:"COLLABORATOR_TIMEOUT_SEC,default=10"`
	LeaseTTLSec            int `env:"LEASE_TTL_SEC,default=1200"`
	LeaseAcquireTimeoutSec int `env:"LEASE_ACQUIRE_TIMEOUT_SEC,default=2"`
	ScanIntervalSec        int `env:"SCAN_INTERVAL_SEC,default=15"`
	RequeueAfterSec        int `env:"REQUEUE_AFTER_SEC,default=600"`
	RecoveryIntervalSec    int `env:"RECOVERY_INTERVAL_SEC,default=60"`
	RecoveryGraceSec       int `env:"RECOVERY_GRACE_SEC,default=120"`
	DispatchMaxAttempts    int `env:"DISPATCH_MAX_ATTEMPTS,default=3"`
	DispatchBackoffMillis  int `env:"DISPATCH_BACKOFF_MS,default=500"`

	APIPort   int    `env:"API_PORT,default=8080"`
	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=json"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	positive := map[string]int{
		"MAX_CONCURRENT_CALLS":      c.MaxConcurrentCalls,
		"CALL_RATE_PER_SEC":         c.CallRatePerSec,
		"CALL_OUTCOME_TIMEOUT_SEC":  c.CallOutcomeTimeoutSec,
		"PLACE_CALL_TIMEOUT_SEC":    c.PlaceCallTimeoutSec,
		"COLLABORATOR_TIMEOUT_SEC":  c.CollaboratorTimeoutSec,
		"LEASE_TTL_SEC":             c.LeaseTTLSec,
		"LEASE_ACQUIRE_TIMEOUT_SEC": c.LeaseAcquireTimeoutSec,
		"SCAN_INTERVAL_SEC":         c.ScanIntervalSec,
		"REQUEUE_AFTER_SEC":         c.RequeueAfterSec,
		"RECOVERY_INTERVAL_SEC":     c.RecoveryIntervalSec,
		"DISPATCH_MAX_ATTEMPTS":     c.DispatchMaxAttempts,
	}
	for name, v := range positive {
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, v)
		}
	}
	if c.LeaseTTLSec <= c.CallOutcomeTimeoutSec {
		return fmt.Errorf("LEASE_TTL_SEC (%d) must exceed CALL_OUTCOME_TIMEOUT_SEC (%d)", c.LeaseTTLSec, c.CallOutcomeTimeoutSec)
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.LogFormat)
	}
	return nil
}

func (c *Config) CallOutcomeTimeout() time.Duration {
	return seconds(c.CallOutcomeTimeoutSec)
}

func (c *Config) PlaceCallTimeout() time.Duration {
	return seconds(c.PlaceCallTimeoutSec)
}

func (c *Config) CollaboratorTimeout() time.Duration {
	return seconds(c.CollaboratorTimeoutSec)
}

func (c *Config) LeaseTTL() time.Duration {
	return seconds(c.LeaseTTLSec)
}

func (c *Config) LeaseAcquireTimeout() time.Duration {
	return seconds(c.LeaseAcquireTimeoutSec)
}

func (c *Config) ScanInterval() time.Duration {
	return seconds(c.ScanIntervalSec)
}

func (c *Config) RequeueAfter() time.Duration {
	return seconds(c.RequeueAfterSec)
}

func (c *Config) RecoveryInterval() time.Duration {
	return seconds(c.RecoveryIntervalSec)
}

// StuckAttemptAfter is how long an attempt may stay open before recovery takes it over.
func (c *Config) StuckAttemptAfter() time.Duration {
	return c.CallOutcomeTimeout() + seconds(c.RecoveryGraceSec)
}

func (c *Config) DispatchBackoff() time.Duration {
	return time.Duration(c.DispatchBackoffMillis) * time.Millisecond
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
