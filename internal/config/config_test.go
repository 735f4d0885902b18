package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "CLIENT_ID", "client123")
	setEnv(t, "CLIENT_SECRET", "shpss_secret")
	setEnv(t, "PORT", "9090")
	setEnv(t, "ALLOWED_SHOP", "  JouetMalins.MyShopify.com ")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultPlayCost, cfg.PlayCost)
	assert.Equal(t, DefaultWinOdds, cfg.WinOdds)
	assert.Equal(t, DefaultAPIVersion, cfg.APIVersion)
	assert.Equal(t, "jouetmalins.myshopify.com", cfg.AllowedShop)
}

func TestLoad_ProxySecretDefaultsToClientSecret(t *testing.T) {
	setEnv(t, "CLIENT_ID", "client123")
	setEnv(t, "CLIENT_SECRET", "shpss_secret")
	setEnv(t, "PROXY_SECRET", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "shpss_secret", cfg.ProxySecret)

	setEnv(t, "PROXY_SECRET", "dedicated")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, "dedicated", cfg.ProxySecret)
}

func TestLoad_MissingClientSecret(t *testing.T) {
	setEnv(t, "CLIENT_ID", "client123")
	setEnv(t, "CLIENT_SECRET", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "CLIENT_SECRET is required")
}

func TestLoad_BadPlaySettingsFallBack(t *testing.T) {
	setEnv(t, "CLIENT_ID", "client123")
	setEnv(t, "CLIENT_SECRET", "shpss_secret")
	setEnv(t, "PLAY_COST", "banana")
	setEnv(t, "WIN_ODDS", "-5")
	setEnv(t, "JACKPOT_ADD_CENTS", "0")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPlayCost, cfg.PlayCost)
	assert.Equal(t, DefaultWinOdds, cfg.WinOdds)
	assert.Equal(t, DefaultJackpotAddCents, cfg.JackpotAddCents)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name:    "valid config",
			config:  Config{ClientID: "id", ClientSecret: "secret", CreditsKey: "credits"},
			wantErr: "",
		},
		{
			name:    "plays variant",
			config:  Config{ClientID: "id", ClientSecret: "secret", CreditsKey: "plays"},
			wantErr: "",
		},
		{
			name:    "missing client id",
			config:  Config{ClientSecret: "secret", CreditsKey: "credits"},
			wantErr: "CLIENT_ID is required",
		},
		{
			name:    "bad counter key",
			config:  Config{ClientID: "id", ClientSecret: "secret", CreditsKey: "tickets"},
			wantErr: "CREDITS_METAFIELD_KEY",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
