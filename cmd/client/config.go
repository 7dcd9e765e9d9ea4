package main

import "time"

// Config defines the client-side environment variables. Flags override
// the endpoint, token, topic and username.
type Config struct {
	Endpoint          string        `env:"RELAY_ENDPOINT,default=ws://localhost:4000/socket"`
	Token             string        `env:"RELAY_TOKEN"`
	Topic             string        `env:"RELAY_TOPIC,default=Ricotta"`
	Username          string        `env:"RELAY_USERNAME"`
	HeartbeatInterval time.Duration `env:"RELAY_HEARTBEAT_INTERVAL,default=30s"`
	JoinTimeout       time.Duration `env:"RELAY_JOIN_TIMEOUT,default=10s"`
	LogLevel          string        `env:"LOG_LEVEL,default=WARN"`
}
