package config

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnv(t *testing.T) {
	t.Setenv("GOPHAUTH_TOKEN_STORE", "redis")
	t.Setenv("GOPHAUTH_REDIS_ADDR", "cache:6379")
	t.Setenv("GOPHAUTH_REDIS_DB", "3")
	t.Setenv("GOPHAUTH_BCRYPT_COST", "10")
	t.Setenv("GOPHAUTH_RESET_TOKEN_TTL", "30m")

	cfg := defaults()
	require.NoError(t, parseEnv(cfg))

	expected := defaults()
	expected.TokenStore = StoreRedis
	expected.RedisAddr = "cache:6379"
	expected.RedisDB = 3
	expected.BcryptCost = 10
	expected.ResetTokenTTL = 30 * time.Minute

	assert.Empty(t, cmp.Diff(expected, cfg))
}

func TestParseEnv_InvalidValue(t *testing.T) {
	t.Setenv("GOPHAUTH_BCRYPT_COST", "lots")

	err := parseEnv(defaults())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse env")
}
