// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Server.APIAddr != ":8080" {
		t.Errorf("expected default API addr :8080, got %s", cfg.Server.APIAddr)
	}
	if cfg.Delivery.DispatchMode != "failover" {
		t.Errorf("expected failover dispatch, got %s", cfg.Delivery.DispatchMode)
	}
	if cfg.Connection.RetryDelay != 5*time.Second {
		t.Errorf("expected retry delay 5s, got %v", cfg.Connection.RetryDelay)
	}
	if cfg.Queue.OverflowPolicy != OverflowDeadLetter {
		t.Errorf("expected dead_letter overflow policy, got %s", cfg.Queue.OverflowPolicy)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Log.Level)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config must be valid: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "default config is valid",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "unlimited retries",
			modify:  func(c *Config) { c.Connection.MaxRetries = -1 },
			wantErr: false,
		},
		{
			name:    "retries below unlimited",
			modify:  func(c *Config) { c.Connection.MaxRetries = -2 },
			wantErr: true,
		},
		{
			name:    "no workers",
			modify:  func(c *Config) { c.Delivery.MaxWorkers = 0 },
			wantErr: true,
		},
		{
			name:    "unknown dispatch mode",
			modify:  func(c *Config) { c.Delivery.DispatchMode = "roundrobin" },
			wantErr: true,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.Log.Level = "invalid" },
			wantErr: true,
		},
		{
			name:    "unknown overflow policy",
			modify:  func(c *Config) { c.Queue.OverflowPolicy = "drop" },
			wantErr: true,
		},
		{
			name: "postgres without dsn",
			modify: func(c *Config) {
				c.Storage.Type = StoragePostgres
				c.Storage.PostgresDSN = ""
			},
			wantErr: true,
		},
		{
			name:    "memory storage",
			modify:  func(c *Config) { c.Storage.Type = StorageMemory },
			wantErr: false,
		},
		{
			name:    "unknown transport",
			modify:  func(c *Config) { c.Transports.Enabled = []string{"http", "smtp"} },
			wantErr: true,
		},
		{
			name:    "no transports",
			modify:  func(c *Config) { c.Transports.Enabled = nil },
			wantErr: true,
		},
		{
			name: "webhook endpoint without url",
			modify: func(c *Config) {
				c.Webhook.Enabled = true
				c.Webhook.Endpoints = []WebhookEndpoint{{Name: "ops", Type: "http"}}
			},
			wantErr: true,
		},
		{
			name: "webhook endpoint",
			modify: func(c *Config) {
				c.Webhook.Enabled = true
				c.Webhook.Endpoints = []WebhookEndpoint{{Name: "ops", Type: "http", URL: "https://ops.example.com/hook"}}
			},
			wantErr: false,
		},
		{
			name: "negative webhook compression threshold",
			modify: func(c *Config) {
				c.Webhook.Enabled = true
				c.Webhook.CompressMinSize = -1
				c.Webhook.Endpoints = []WebhookEndpoint{{Name: "ops", Type: "http", URL: "https://ops.example.com/hook"}}
			},
			wantErr: true,
		},
		{
			name:    "retry delay too short",
			modify:  func(c *Config) { c.Connection.RetryDelay = time.Millisecond },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadNonExistent(t *testing.T) {
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatalf("Load() should return default config and no error when file doesn't exist, got error: %v", err)
	}
	if cfg == nil {
		t.Fatal("Load() should return a default config, got nil")
	}
	if cfg.Server.APIAddr != ":8080" {
		t.Errorf("expected default config, got API addr %s", cfg.Server.APIAddr)
	}
}

func TestLoadPartial(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
connection:
  max_retries: 2
  retry_delay: 250ms
storage:
  type: memory
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Connection.MaxRetries != 2 {
		t.Errorf("expected max retries 2, got %d", cfg.Connection.MaxRetries)
	}
	if cfg.Connection.RetryDelay != 250*time.Millisecond {
		t.Errorf("expected retry delay 250ms, got %v", cfg.Connection.RetryDelay)
	}
	if cfg.Connection.PingInterval != 30*time.Second {
		t.Errorf("unset fields keep defaults, got ping interval %v", cfg.Connection.PingInterval)
	}
}

func TestLoadInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("log:\n  level: loud\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load() should reject an invalid log level")
	}
}

func TestSaveLoad(t *testing.T) {
	tmpfile := t.TempDir() + "/config.yaml"

	cfg := Default()
	cfg.Server.APIAddr = ":9090"
	cfg.Delivery.BatchSize = 7
	cfg.Connection.RetryDelay = 30 * time.Second
	cfg.Log.Level = "debug"

	if err := cfg.Save(tmpfile); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(tmpfile)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if loaded.Server.APIAddr != ":9090" {
		t.Errorf("expected API addr :9090, got %s", loaded.Server.APIAddr)
	}
	if loaded.Delivery.BatchSize != 7 {
		t.Errorf("expected batch size 7, got %d", loaded.Delivery.BatchSize)
	}
	if loaded.Connection.RetryDelay != 30*time.Second {
		t.Errorf("expected retry delay 30s, got %v", loaded.Connection.RetryDelay)
	}
	if loaded.Log.Level != "debug" {
		t.Errorf("expected log level debug, got %s", loaded.Log.Level)
	}
}
