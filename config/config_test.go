package config

import (
	"strings"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("VSWAP_DB_URL", "sqlite:file:test?mode=memory")
	t.Setenv("VSWAP_CHAIN_ID", "1337")
	t.Setenv("VSWAP_RPC_URL", "http://localhost:8545")
	t.Setenv("VSWAP_ESCROW_ADDRESS", "0x00000000000000000000000000000000000000ee")
}

func TestFromEnvDefaults(t *testing.T) {
	setRequired(t)
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	if cfg.Port != "8080" {
		t.Fatalf("expected default port, got %q", cfg.Port)
	}
	if cfg.ChainID != 1337 {
		t.Fatalf("expected chain id 1337, got %d", cfg.ChainID)
	}
	if cfg.PollInterval != 3*time.Second {
		t.Fatalf("expected 3s poll interval, got %s", cfg.PollInterval)
	}
	if cfg.RelayInterval != 30*time.Second {
		t.Fatalf("expected 30s relay interval, got %s", cfg.RelayInterval)
	}
	if cfg.OrderTTL != 24*time.Hour {
		t.Fatalf("expected 24h order ttl, got %s", cfg.OrderTTL)
	}
	if cfg.ImageTokenTTL != 30*time.Second {
		t.Fatalf("expected 30s token ttl, got %s", cfg.ImageTokenTTL)
	}
	if cfg.RevealChainTimeout != 10*time.Second {
		t.Fatalf("expected 10s reveal timeout, got %s", cfg.RevealChainTimeout)
	}
	// Escrow addresses are normalized on load.
	if !strings.EqualFold(cfg.EscrowAddress, "0x00000000000000000000000000000000000000ee") {
		t.Fatalf("unexpected escrow address %q", cfg.EscrowAddress)
	}
}

func TestFromEnvMissingRequired(t *testing.T) {
	t.Setenv("VSWAP_DB_URL", "")
	if _, err := FromEnv(); err == nil {
		t.Fatal("expected error without database url")
	}
}

func TestFromEnvRejectsBadChainID(t *testing.T) {
	setRequired(t)
	t.Setenv("VSWAP_CHAIN_ID", "mainnet")
	if _, err := FromEnv(); err == nil {
		t.Fatal("expected error for non-numeric chain id")
	}
}

func TestFromEnvRejectsBadEscrow(t *testing.T) {
	setRequired(t)
	t.Setenv("VSWAP_ESCROW_ADDRESS", "not-an-address")
	if _, err := FromEnv(); err == nil {
		t.Fatal("expected error for malformed escrow address")
	}
}

func TestFromEnvPortNormalization(t *testing.T) {
	setRequired(t)
	t.Setenv("VSWAP_PORT", ":9090")
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	if cfg.Port != "9090" {
		t.Fatalf("expected normalized port, got %q", cfg.Port)
	}
}
