/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
// Package config loads and saves the tree's tuning constants, adapted
// from freyjadb's pkg/config (yaml.v3 load/save, restrictive file
// permissions) — now configuring SPAN_I/SPAN_L/H/cache sizes and the
// demo transport's sizing instead of a Bitcask data directory and HTTP
// bind address.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds the wire-contract tuning constants (spec section 6)
// and the demo transport's sizing. Tree's fields map onto
// rtree.Options of the same shape; pkg/config exists only so these
// values can live in a checked-in yaml file instead of being
// recompiled.
type Config struct {
	Tree      Tree      `yaml:"tree"`
	Transport Transport `yaml:"transport"`
	Logging   Logging   `yaml:"logging"`
}

// Tree mirrors the wire-contract constants of spec section 6.
type Tree struct {
	SpanInternal  int `yaml:"span_internal"`
	SpanLeaf      int `yaml:"span_leaf"`
	Neighborhood  int `yaml:"neighborhood"`
	CacheLine     int `yaml:"cache_line"`
	TreeCacheSize int `yaml:"tree_cache_size"`
	HotspotSize   int `yaml:"hotspot_size"`
}

// Transport sizes the in-process remote.Simulator standing in for the
// real RDMA transport (spec section 1's explicit external collaborator).
type Transport struct {
	NodeCount int `yaml:"node_count"`
	ArenaMB   int `yaml:"arena_mb"`
}

// Logging mirrors freyjadb's Logging block.
type Logging struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns the package defaults, matching rnode's own
// package-level SpanInternal/SpanLeaf/Neighborhood vars.
func DefaultConfig() *Config {
	return &Config{
		Tree: Tree{
			SpanInternal:  64,
			SpanLeaf:      64,
			Neighborhood:  8,
			CacheLine:     64,
			TreeCacheSize: 1024,
			HotspotSize:   4096,
		},
		Transport: Transport{
			NodeCount: 4,
			ArenaMB:   64,
		},
		Logging: Logging{Level: "info"},
	}
}

// LoadConfig loads configuration from the specified path.
func LoadConfig(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", configPath)
	}

	if !filepath.IsAbs(configPath) {
		absPath, err := filepath.Abs(configPath)
		if err != nil {
			return nil, fmt.Errorf("invalid config path: %w", err)
		}
		configPath = absPath
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// SaveConfig saves the configuration to the specified path with
// restrictive permissions, matching freyjadb's own convention of
// treating its config file as sensitive even though this one no
// longer carries API keys.
func SaveConfig(config *Config, configPath string) error {
	configDir := filepath.Dir(configPath)
	if err := os.MkdirAll(configDir, 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// GetDefaultConfigPath returns the default configuration path for the
// current platform.
func GetDefaultConfigPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "./rtreectl.yaml"
	}
	return filepath.Join(homeDir, ".config", "rtreectl", "config.yaml")
}

// ConfigExists checks if a configuration file exists.
func ConfigExists(configPath string) bool {
	_, err := os.Stat(configPath)
	return !os.IsNotExist(err)
}
