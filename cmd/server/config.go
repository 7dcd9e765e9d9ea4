package main

import (
	"strings"
	"time"

	"github.com/samber/lo"
)

// Config defines the server-side environment variables.
type Config struct {
	Address      string        `env:"RELAY_ADDR,default=:4000"`
	SocketPath   string        `env:"RELAY_SOCKET_PATH,default=/socket"`
	Topics       string        `env:"RELAY_TOPICS,default=Ricotta"`
	Tokens       string        `env:"RELAY_TOKENS"`
	JWTSecret    string        `env:"RELAY_JWT_SECRET"`
	JWTIssuer    string        `env:"RELAY_JWT_ISSUER,default=channel-relay"`
	TokenTTL     time.Duration `env:"RELAY_TOKEN_TTL,default=24h"`
	OutgoingSize int           `env:"RELAY_OUTGOING_SIZE,default=64"`
	RedisAddr    string        `env:"REDIS_ADDR"`
	RedisPrefix  string        `env:"REDIS_PREFIX,default=relay:"`
	LogLevel     string        `env:"LOG_LEVEL,default=INFO"`
}

// splitList parses a comma separated variable, dropping blanks.
func splitList(s string) []string {
	return lo.Compact(lo.Map(strings.Split(s, ","), func(item string, _ int) string {
		return strings.TrimSpace(item)
	}))
}
