package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/sirupsen/logrus"

	"github.com/advbet/ssesignal"
)

// Duration is a time.Duration read from strings like "1s" or "250ms".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type SSEConfig struct {
	Reconnect   Duration `yaml:"reconnect"`
	KeepAlive   Duration `yaml:"keepalive"`
	Lifetime    Duration `yaml:"lifetime"`
	QueueLength int      `yaml:"queue"`
	HistorySize int      `yaml:"history"`
	HistoryTTL  Duration `yaml:"history_ttl"`
}

// FileConfig is the configuration read from the YAML file. Environment
// variables prefixed with SSESIGNAL_ override file values.
type FileConfig struct {
	Addr     string    `yaml:"addr"`
	Origin   string    `yaml:"origin"`
	Interval Duration  `yaml:"interval"`
	Database string    `yaml:"database"`
	Log      LogConfig `yaml:"log"`
	SSE      SSEConfig `yaml:"sse"`
}

func defaultFileConfig() *FileConfig {
	def := ssesignal.DefaultConfig
	return &FileConfig{
		Addr:     ":3000",
		Origin:   "*",
		Interval: Duration(time.Second),
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		SSE: SSEConfig{
			Reconnect:   Duration(def.Reconnect),
			KeepAlive:   Duration(def.KeepAlive),
			Lifetime:    Duration(def.Lifetime),
			QueueLength: def.QueueLength,
			HistorySize: def.HistorySize,
			HistoryTTL:  Duration(def.HistoryTTL),
		},
	}
}

// loadConfig reads path on top of the defaults, an empty path uses defaults
// only. Environment overrides are looked up with lookup.
func loadConfig(path string, lookup func(string) (string, bool)) (*FileConfig, error) {
	cfg := defaultFileConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *FileConfig) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"SSESIGNAL_ADDR":       &c.Addr,
		"SSESIGNAL_ORIGIN":     &c.Origin,
		"SSESIGNAL_DATABASE":   &c.Database,
		"SSESIGNAL_LOG_LEVEL":  &c.Log.Level,
		"SSESIGNAL_LOG_FORMAT": &c.Log.Format,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}

	durations := map[string]*Duration{
		"SSESIGNAL_INTERVAL":     &c.Interval,
		"SSESIGNAL_SSE_LIFETIME": &c.SSE.Lifetime,
	}
	for key, dst := range durations {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = Duration(d)
		}
	}

	if v, ok := lookup("SSESIGNAL_SSE_HISTORY"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SSESIGNAL_SSE_HISTORY: %w", err)
		}
		c.SSE.HistorySize = n
	}
	return nil
}

func (c *FileConfig) hubConfig() ssesignal.Config {
	return ssesignal.Config{
		Reconnect:   time.Duration(c.SSE.Reconnect),
		KeepAlive:   time.Duration(c.SSE.KeepAlive),
		Lifetime:    time.Duration(c.SSE.Lifetime),
		QueueLength: c.SSE.QueueLength,
		HistorySize: c.SSE.HistorySize,
		HistoryTTL:  time.Duration(c.SSE.HistoryTTL),
	}
}

func (c *FileConfig) logger(out io.Writer) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}

	log := logrus.New()
	log.SetOutput(out)
	log.SetLevel(level)
	switch c.Log.Format {
	case "", "text":
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return log, nil
}
