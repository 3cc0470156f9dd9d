package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrNoAPIKey is returned when the api backend has no credentials.
var ErrNoAPIKey = errors.New("no Anthropic API key configured")

// KeySource says where the api backend's credentials come from.
type KeySource string

const (
	KeySourceEnv     KeySource = "environment"
	KeySourceConfig  KeySource = "config_file"
	KeySourceBedrock KeySource = "aws_bedrock"
	KeySourceNone    KeySource = "none"
)

// Credentials are the resolved api backend credentials.
type Credentials struct {
	APIKey string
	Source KeySource
}

// ResolveCredentials picks the api backend's credentials. Bedrock uses the
// AWS credential chain and needs no key; otherwise ANTHROPIC_API_KEY wins
// over the config file.
func ResolveCredentials(cfg *Config) (Credentials, error) {
	if cfg != nil && cfg.Anthropic.UseBedrock {
		return Credentials{Source: KeySourceBedrock}, nil
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		return Credentials{APIKey: key, Source: KeySourceEnv}, nil
	}
	if cfg != nil {
		if key := os.ExpandEnv(cfg.Anthropic.APIKey); key != "" && !strings.HasPrefix(key, "${") {
			return Credentials{APIKey: key, Source: KeySourceConfig}, nil
		}
	}
	return Credentials{Source: KeySourceNone}, ErrNoAPIKey
}

// ValidateAPIKey checks the key's shape without contacting the API.
func ValidateAPIKey(key string) error {
	switch {
	case key == "":
		return ErrNoAPIKey
	case !strings.HasPrefix(key, "sk-ant-"):
		return fmt.Errorf("invalid API key format: expected 'sk-ant-' prefix")
	case len(key) < 20:
		return fmt.Errorf("invalid API key format: key too short")
	}
	return nil
}

// MaskAPIKey shows the key prefix and last four characters.
func MaskAPIKey(key string) string {
	if key == "" {
		return "(not set)"
	}
	if len(key) <= 15 {
		return "***"
	}
	return key[:7] + "..." + key[len(key)-4:]
}
