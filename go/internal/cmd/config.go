package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	API struct {
		BaseURL string `yaml:"base_url"`
		Token   string `yaml:"token"`
	} `yaml:"api"`
	Realtime struct {
		URL string `yaml:"url"`
	} `yaml:"realtime"`
	Bidder struct {
		ID string `yaml:"id"`
	} `yaml:"bidder"`
	Bid struct {
		ConfirmTimeoutSec int `yaml:"confirm_timeout_sec"`
	} `yaml:"bid"`
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func loadConfig(path string) (*Config, error) {
	var config Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	// Environment overrides the file.
	config.API.BaseURL = getEnv("VELORA_API_URL", config.API.BaseURL)
	config.API.Token = getEnv("VELORA_API_TOKEN", config.API.Token)
	config.Realtime.URL = getEnv("VELORA_REALTIME_URL", config.Realtime.URL)
	config.Bidder.ID = getEnv("VELORA_BIDDER_ID", config.Bidder.ID)

	if config.API.BaseURL == "" {
		return nil, fmt.Errorf("api base URL is required (VELORA_API_URL)")
	}
	if config.Realtime.URL == "" {
		return nil, fmt.Errorf("realtime URL is required (VELORA_REALTIME_URL)")
	}

	return &config, nil
}

func (c *Config) confirmTimeout() time.Duration {
	if c.Bid.ConfirmTimeoutSec <= 0 {
		return 0 // Flow default
	}
	return time.Duration(c.Bid.ConfirmTimeoutSec) * time.Second
}
