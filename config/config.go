package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config represents runtime configuration for the voucher swap service.
type Config struct {
	Port               string
	DatabaseURL        string
	ChainID            uint64
	ChainName          string
	NativeSymbol       string
	NativeDecimals     int
	RPCURL             string
	ExplorerURL        string
	EscrowAddress      string
	WalletBridgeURL    string
	PollInterval       time.Duration
	RelayInterval      time.Duration
	Retention          time.Duration
	OrderTTL           time.Duration
	ImageTokenTTL      time.Duration
	RevealChainTimeout time.Duration
	LogFile            string
	Env                string
}

// FromEnv loads configuration from environment variables required by the service.
func FromEnv() (*Config, error) {
	dbURL := os.Getenv("VSWAP_DB_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("VSWAP_DB_URL is required")
	}

	chainIDRaw := strings.TrimSpace(os.Getenv("VSWAP_CHAIN_ID"))
	if chainIDRaw == "" {
		return nil, fmt.Errorf("VSWAP_CHAIN_ID is required")
	}
	chainID, err := strconv.ParseUint(chainIDRaw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("VSWAP_CHAIN_ID must be a decimal chain identifier: %w", err)
	}

	rpcURL := strings.TrimSpace(os.Getenv("VSWAP_RPC_URL"))
	if rpcURL == "" {
		return nil, fmt.Errorf("VSWAP_RPC_URL is required")
	}

	escrow := strings.TrimSpace(os.Getenv("VSWAP_ESCROW_ADDRESS"))
	if escrow == "" {
		return nil, fmt.Errorf("VSWAP_ESCROW_ADDRESS is required")
	}
	if !common.IsHexAddress(escrow) {
		return nil, fmt.Errorf("VSWAP_ESCROW_ADDRESS is not a valid address")
	}

	cfg := &Config{
		Port:               normalizePort(getEnvDefault("VSWAP_PORT", "8080")),
		DatabaseURL:        dbURL,
		ChainID:            chainID,
		ChainName:          getEnvDefault("VSWAP_CHAIN_NAME", "localnet"),
		NativeSymbol:       getEnvDefault("VSWAP_NATIVE_SYMBOL", "ETH"),
		NativeDecimals:     parseIntEnv("VSWAP_NATIVE_DECIMALS", 18),
		RPCURL:             rpcURL,
		ExplorerURL:        strings.TrimSpace(os.Getenv("VSWAP_EXPLORER_URL")),
		EscrowAddress:      common.HexToAddress(escrow).Hex(),
		WalletBridgeURL:    strings.TrimSpace(os.Getenv("VSWAP_WALLET_BRIDGE_URL")),
		PollInterval:       secondsEnv("VSWAP_POLL_INTERVAL_SECONDS", 3),
		RelayInterval:      secondsEnv("VSWAP_RELAY_INTERVAL_SECONDS", 30),
		Retention:          secondsEnv("VSWAP_RETENTION_SECONDS", 60),
		OrderTTL:           time.Duration(parseIntEnv("VSWAP_ORDER_TTL_HOURS", 24)) * time.Hour,
		ImageTokenTTL:      secondsEnv("VSWAP_IMAGE_TOKEN_TTL_SECONDS", 30),
		RevealChainTimeout: secondsEnv("VSWAP_REVEAL_CHAIN_TIMEOUT_SECONDS", 10),
		LogFile:            strings.TrimSpace(os.Getenv("VSWAP_LOG_FILE")),
		Env:                getEnvDefault("VSWAP_ENV", "dev"),
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("VSWAP_POLL_INTERVAL_SECONDS must be positive")
	}
	if cfg.RelayInterval <= 0 {
		return nil, fmt.Errorf("VSWAP_RELAY_INTERVAL_SECONDS must be positive")
	}
	if cfg.OrderTTL <= 0 {
		return nil, fmt.Errorf("VSWAP_ORDER_TTL_HOURS must be positive")
	}
	return cfg, nil
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func normalizePort(port string) string {
	if port == "" {
		return "8080"
	}
	if _, err := strconv.Atoi(port); err == nil {
		return port
	}
	// Allow values like ":8080".
	return strings.TrimPrefix(port, ":")
}

func parseIntEnv(key string, def int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return def
}

func secondsEnv(key string, def int) time.Duration {
	return time.Duration(parseIntEnv(key, def)) * time.Second
}
