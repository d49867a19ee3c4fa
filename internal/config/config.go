package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/viper"
)

// DurationStep maps a call day threshold to an allowed call length.
// The step with the largest Day <= callDay wins.
type DurationStep struct {
	Day     int `mapstructure:"day"`
	Seconds int `mapstructure:"seconds"`
}

type Config struct {
	Mode      string `mapstructure:"mode"`
	Port      int    `mapstructure:"port"`
	ServerURL string `mapstructure:"server_url"`
	ReadLimit int64  `mapstructure:"read_limit"`
	Secret    string `mapstructure:"secret"`

	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval"`
	BackoffBase        time.Duration `mapstructure:"backoff_base"`
	BackoffCap         time.Duration `mapstructure:"backoff_cap"`
	JoinTimeout        time.Duration `mapstructure:"join_timeout"`
	NegotiationTimeout time.Duration `mapstructure:"negotiation_timeout"`
	DisconnectGrace    time.Duration `mapstructure:"disconnect_grace"`

	STUNServers      []string       `mapstructure:"stun_servers"`
	DurationSchedule []DurationStep `mapstructure:"duration_schedule"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("server_url", "ws://localhost:8080")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("heartbeat_interval", "15s")
	v.SetDefault("backoff_base", "1s")
	v.SetDefault("backoff_cap", "30s")
	v.SetDefault("join_timeout", "5s")
	v.SetDefault("negotiation_timeout", "30s")
	v.SetDefault("disconnect_grace", "10s")
	v.SetDefault("stun_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("duration_schedule", []map[string]any{
		{"day": 1, "seconds": 300},
		{"day": 2, "seconds": 420},
		{"day": 3, "seconds": 600},
		{"day": 5, "seconds": 900},
		{"day": 7, "seconds": 1800},
	})

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validateSchedule(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// validateSchedule keeps the duration table sorted and non-decreasing so
// later call days are never shorter than earlier ones.
func (c *Config) validateSchedule() error {
	if len(c.DurationSchedule) == 0 {
		return fmt.Errorf("duration_schedule must have at least one step")
	}
	sort.Slice(c.DurationSchedule, func(i, j int) bool {
		return c.DurationSchedule[i].Day < c.DurationSchedule[j].Day
	})
	prev := 0
	for _, s := range c.DurationSchedule {
		if s.Day < 1 || s.Seconds <= 0 {
			return fmt.Errorf("duration_schedule step day=%d seconds=%d out of range", s.Day, s.Seconds)
		}
		if s.Seconds < prev {
			return fmt.Errorf("duration_schedule must be non-decreasing (day=%d)", s.Day)
		}
		prev = s.Seconds
	}
	return nil
}
