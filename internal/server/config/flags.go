package config

import (
	"flag"
	"os"

	"github.com/dmitrijs2005/gophauth/internal/flagx"
)

var serverFlags = []string{"-a", "-o", "-d", "-store", "-redis", "-s", "-rs", "-t", "-r", "-l"}

// parseFlags populates selected server Config fields from command-line flags.
//
// Supported flags:
//
//	-a string      gRPC bind address (e.g., ":50051")
//	-o string      ops HTTP bind address for /healthz and /metrics
//	-d string      PostgreSQL DSN
//	-store string  refresh token store: postgres, redis or memory
//	-redis string  Redis address
//	-s string      access token secret
//	-rs string     refresh token secret
//	-t string      access token lifetime, e.g. 15m
//	-r string      refresh token lifetime, e.g. 7d
//	-l string      log level
//
// os.Args is filtered first so flags owned by other components are ignored.
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], serverFlags)

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.EndpointAddrGRPC, "a", config.EndpointAddrGRPC, "address and port to run gRPC server")
	fs.StringVar(&config.EndpointAddrHTTP, "o", config.EndpointAddrHTTP, "address and port for health and metrics")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.TokenStore, "store", config.TokenStore, "refresh token store (postgres|redis|memory)")
	fs.StringVar(&config.RedisAddr, "redis", config.RedisAddr, "redis address")
	fs.StringVar(&config.AccessSecret, "s", config.AccessSecret, "access token secret")
	fs.StringVar(&config.RefreshSecret, "rs", config.RefreshSecret, "refresh token secret")
	fs.StringVar(&config.AccessExpiry, "t", config.AccessExpiry, "access token lifetime (e.g. 15m)")
	fs.StringVar(&config.RefreshExpiry, "r", config.RefreshExpiry, "refresh token lifetime (e.g. 7d)")
	fs.StringVar(&config.LogLevel, "l", config.LogLevel, "log level (debug|info|warn|error)")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}
}
