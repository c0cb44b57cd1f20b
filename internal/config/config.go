package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

type Config struct {
	DataDir       string `json:"data_dir"`
	LogLevel      string `json:"log_level"`
	MaxConcurrent int    `json:"max_concurrent"`
	HTTP          struct {
		Enabled bool   `json:"enabled"`
		Listen  string `json:"listen"`
	} `json:"http"`
	Upstream struct {
		BaseURL   string `json:"base_url"`
		APIKey    string `json:"api_key"`
		StreamURL string `json:"stream_url"`
	} `json:"upstream"`
	Snapshot struct {
		Backend  string `json:"backend"`
		RedisURL string `json:"redis_url"`
		TTLHours int    `json:"ttl_hours"`
	} `json:"snapshot"`
	Resume struct {
		TimeoutSeconds int `json:"timeout_seconds"`
	} `json:"resume"`
	Janitor struct {
		Schedule    string `json:"schedule"`
		MaxAgeHours int    `json:"max_age_hours"`
	} `json:"janitor"`
}

func Load(path string) (*Config, error) {
	cfg := &Config{
		DataDir:       filepath.Join(os.Getenv("HOME"), ".wealthflow"),
		MaxConcurrent: 4,
	}
	cfg.LogLevel = "info"
	cfg.HTTP.Enabled = true
	cfg.HTTP.Listen = "127.0.0.1:8574"
	cfg.Upstream.BaseURL = "https://api.example-wealth.com"
	cfg.Upstream.StreamURL = "wss://stream.example-wealth.com/v1/assessments/events"
	cfg.Snapshot.Backend = "file"
	cfg.Snapshot.TTLHours = 72
	cfg.Resume.TimeoutSeconds = 3
	cfg.Janitor.Schedule = "@hourly"
	cfg.Janitor.MaxAgeHours = 72

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if apiKey := os.Getenv("WEALTHFLOW_API_KEY"); apiKey != "" {
		cfg.Upstream.APIKey = apiKey
	}
	if baseURL := os.Getenv("WEALTHFLOW_BASE_URL"); baseURL != "" {
		cfg.Upstream.BaseURL = baseURL
	}
	if streamURL := os.Getenv("WEALTHFLOW_STREAM_URL"); streamURL != "" {
		cfg.Upstream.StreamURL = streamURL
	}
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		cfg.Snapshot.RedisURL = redisURL
	}

	return cfg, nil
}

// Save writes the config atomically (temp file + rename).
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}
