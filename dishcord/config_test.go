package dishcord

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func validTestConfig() *Config {
	cfg := DefaultConfig()
	cfg.OpenAI.Token = "openai-token"
	cfg.Discord.Token = "discord-token"
	cfg.Discord.ApplicationID = "app"
	return cfg
}

func TestValidateConfig(t *testing.T) {
	require.NoError(t, structValidator.Struct(validTestConfig()))

	testCases := []struct {
		name   string
		modify func(cfg *Config)
	}{
		{
			name: "missing discord token",
			modify: func(cfg *Config) {
				cfg.Discord.Token = ""
			},
		},
		{
			name: "missing openai token",
			modify: func(cfg *Config) {
				cfg.OpenAI.Token = ""
			},
		},
		{
			name: "invalid state backend",
			modify: func(cfg *Config) {
				cfg.State.Backend = "redis"
			},
		},
		{
			name: "json backend without file",
			modify: func(cfg *Config) {
				cfg.State.File = ""
			},
		},
		{
			name: "api cert without key",
			modify: func(cfg *Config) {
				cfg.API.SSL.CertFile = "cert.pem"
			},
		},
		{
			name: "webhook key without cert",
			modify: func(cfg *Config) {
				cfg.Discord.WebhookServer.SSL.KeyFile = "key.pem"
			},
		},
		{
			name: "webhook server without public key",
			modify: func(cfg *Config) {
				cfg.Discord.WebhookServer.Enabled = true
			},
		},
		{
			name: "zero request rate",
			modify: func(cfg *Config) {
				cfg.OpenAI.MaxRequestsPerSecond = 0
			},
		},
		{
			name: "invalid base url",
			modify: func(cfg *Config) {
				cfg.OpenAI.BaseURL = "not a url"
			},
		},
	}

	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				cfg := validTestConfig()
				tc.modify(cfg)
				assert.Error(t, structValidator.Struct(cfg))
			},
		)
	}

	t.Run(
		"database backend without file", func(t *testing.T) {
			cfg := validTestConfig()
			cfg.State.Backend = stateBackendDatabase
			cfg.State.File = ""
			assert.NoError(t, structValidator.Struct(cfg))
		},
	)
}

func TestConfig_LogValueRedactsSecrets(t *testing.T) {
	cfg := validTestConfig()
	cfg.API.Secret = "super-secret"
	v := cfg.LogValue().String()
	assert.NotContains(t, v, "super-secret")
	assert.NotContains(t, v, "discord-token")
	assert.NotContains(t, v, "openai-token")
}
