// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	// Test server defaults
	if cfg.Server.TCPAddr != ":1883" {
		t.Errorf("expected default TCP addr :1883, got %s", cfg.Server.TCPAddr)
	}
	if cfg.Server.MaxConnections != 10000 {
		t.Errorf("expected default max connections 10000, got %d", cfg.Server.MaxConnections)
	}

	// Test broker defaults
	if cfg.Broker.MaxPacketSize != 1024*1024 {
		t.Errorf("expected max packet size 1MB, got %d", cfg.Broker.MaxPacketSize)
	}
	if cfg.Broker.ConnectTimeout != 10*time.Second {
		t.Errorf("expected connect timeout 10s, got %v", cfg.Broker.ConnectTimeout)
	}

	// Test session defaults
	if cfg.Session.MaxSessions != 10000 {
		t.Errorf("expected max sessions 10000, got %d", cfg.Session.MaxSessions)
	}
	if cfg.Session.ExpiryInterval != 5*time.Minute {
		t.Errorf("expected expiry interval 5m, got %v", cfg.Session.ExpiryInterval)
	}

	// Test log defaults
	if cfg.Log.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Log.Level)
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
			name: "empty TCP addr",
			modify: func(c *Config) {
				c.Server.TCPAddr = ""
			},
			wantErr: true,
		},
		{
			name: "TLS enabled without cert",
			modify: func(c *Config) {
				c.Server.TLSEnabled = true
				c.Server.TLSCertFile = ""
				c.Server.TLSKeyFile = "key.pem"
			},
			wantErr: true,
		},
		{
			name: "TLS client auth without CA",
			modify: func(c *Config) {
				c.Server.TLSEnabled = true
				c.Server.TLSCertFile = "cert.pem"
				c.Server.TLSKeyFile = "key.pem"
				c.Server.TLSClientAuth = "require"
				c.Server.TLSCAFile = ""
			},
			wantErr: true,
		},
		{
			name: "rate limiting without burst",
			modify: func(c *Config) {
				c.Server.ConnectRate = 5
				c.Server.ConnectBurst = 0
			},
			wantErr: true,
		},
		{
			name: "packet size too small",
			modify: func(c *Config) {
				c.Broker.MaxPacketSize = 100
			},
			wantErr: true,
		},
		{
			name: "connect timeout too short",
			modify: func(c *Config) {
				c.Broker.ConnectTimeout = 500 * time.Millisecond
			},
			wantErr: true,
		},
		{
			name: "invalid log level",
			modify: func(c *Config) {
				c.Log.Level = "invalid"
			},
			wantErr: true,
		},
		{
			name: "invalid storage type",
			modify: func(c *Config) {
				c.Storage.Type = "postgres"
			},
			wantErr: true,
		},
		{
			name: "badger without dir",
			modify: func(c *Config) {
				c.Storage.Type = "badger"
				c.Storage.BadgerDir = ""
			},
			wantErr: true,
		},
		{
			name: "webhook with invalid drop policy",
			modify: func(c *Config) {
				c.Webhook.Enabled = true
				c.Webhook.DropPolicy = "random"
			},
			wantErr: true,
		},
		{
			name: "webhook endpoint without url",
			modify: func(c *Config) {
				c.Webhook.Enabled = true
				c.Webhook.Endpoints = []WebhookEndpoint{
					{Name: "audit", Type: "http", URL: ""},
				}
			},
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

	if cfg.Server.TCPAddr != ":1883" {
		t.Errorf("expected default config, got TCP addr %s", cfg.Server.TCPAddr)
	}
}

func TestSaveLoad(t *testing.T) {
	tmpfile := t.TempDir() + "/config.yaml"

	// Create custom config
	cfg := Default()
	cfg.Server.TCPAddr = ":11883"
	cfg.Session.ExpiryInterval = 10 * time.Minute
	cfg.Log.Level = "debug"

	// Save
	if err := cfg.Save(tmpfile); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	// Load
	loaded, err := Load(tmpfile)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Verify
	if loaded.Server.TCPAddr != ":11883" {
		t.Errorf("expected TCP addr :11883, got %s", loaded.Server.TCPAddr)
	}
	if loaded.Session.ExpiryInterval != 10*time.Minute {
		t.Errorf("expected expiry interval 10m, got %v", loaded.Session.ExpiryInterval)
	}
	if loaded.Log.Level != "debug" {
		t.Errorf("expected log level debug, got %s", loaded.Log.Level)
	}
}
