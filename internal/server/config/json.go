package config

import (
	"encoding/json"
	"os"

	"github.com/dmitrijs2005/gophauth/internal/flagx"
	"github.com/dmitrijs2005/gophauth/internal/timex"
)

// JsonConfig is the on-disk shape of the configuration file. Durations
// accept "1h" style strings or integer nanoseconds. Absent keys keep the
// value the config already has.
type JsonConfig struct {
	EndpointAddrGRPC     string         `json:"endpoint_addr_grpc"`
	EndpointAddrHTTP     string         `json:"endpoint_addr_http"`
	DatabaseDSN          string         `json:"database_dsn"`
	TokenStore           string         `json:"token_store"`
	RedisAddr            string         `json:"redis_addr"`
	RedisPassword        string         `json:"redis_password"`
	RedisDB              *int           `json:"redis_db"`
	AccessSecret         string         `json:"access_secret"`
	RefreshSecret        string         `json:"refresh_secret"`
	AccessExpiry         string         `json:"access_expiry"`
	RefreshExpiry        string         `json:"refresh_expiry"`
	Issuer               string         `json:"issuer"`
	Audience             string         `json:"audience"`
	BcryptCost           int            `json:"bcrypt_cost"`
	ResetTokenTTL        timex.Duration `json:"reset_token_ttl"`
	VerificationTokenTTL timex.Duration `json:"verification_token_ttl"`
	GoogleUserInfoURL    string         `json:"google_userinfo_url"`
	DefaultAvatarURL     string         `json:"default_avatar_url"`
	LogLevel             string         `json:"log_level"`
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// parseJson loads configuration values from the file named by -c/-config.
// Without the flag nothing is loaded. An unreadable file or invalid JSON
// panics.
func parseJson(config *Config) {

	// try flags
	jsonConfigFile := flagx.ConfigFileFlag(os.Args[1:])

	// nothing to load
	if jsonConfigFile == "" {
		return
	}

	c := &JsonConfig{}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	err = json.Unmarshal(file, c)
	if err != nil {
		panic(err)
	}

	setString(&config.EndpointAddrGRPC, c.EndpointAddrGRPC)
	setString(&config.EndpointAddrHTTP, c.EndpointAddrHTTP)
	setString(&config.DatabaseDSN, c.DatabaseDSN)
	setString(&config.TokenStore, c.TokenStore)
	setString(&config.RedisAddr, c.RedisAddr)
	setString(&config.RedisPassword, c.RedisPassword)
	if c.RedisDB != nil {
		config.RedisDB = *c.RedisDB
	}
	setString(&config.AccessSecret, c.AccessSecret)
	setString(&config.RefreshSecret, c.RefreshSecret)
	setString(&config.AccessExpiry, c.AccessExpiry)
	setString(&config.RefreshExpiry, c.RefreshExpiry)
	setString(&config.Issuer, c.Issuer)
	setString(&config.Audience, c.Audience)
	if c.BcryptCost != 0 {
		config.BcryptCost = c.BcryptCost
	}
	if c.ResetTokenTTL.Duration != 0 {
		config.ResetTokenTTL = c.ResetTokenTTL.Duration
	}
	if c.VerificationTokenTTL.Duration != 0 {
		config.VerificationTokenTTL = c.VerificationTokenTTL.Duration
	}
	setString(&config.GoogleUserInfoURL, c.GoogleUserInfoURL)
	setString(&config.DefaultAvatarURL, c.DefaultAvatarURL)
	setString(&config.LogLevel, c.LogLevel)
}
