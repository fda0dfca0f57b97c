// Package config loads server settings from the environment, with an
// optional .env file for local runs.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8080"`
	PostgresDSN string `env:"POSTGRES_DSN" envDefault:"host=localhost user=tactics dbname=tactics sslmode=disable"`
	RedisURL    string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	Debug       bool   `env:"DEBUG" envDefault:"false"`

	TurnSeconds  int           `env:"TURN_SECONDS" envDefault:"30"`
	TimerGrace   time.Duration `env:"TIMER_GRACE" envDefault:"5s"`
	FireBuffer   time.Duration `env:"TIMER_FIRE_BUFFER" envDefault:"1s"`
	ChangeWindow int           `env:"CHANGE_WINDOW" envDefault:"256"`

	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"20s"`
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"5s"`

	HostBots         int           `env:"HOST_BOTS" envDefault:"1"`
	PlayerBots       int           `env:"PLAYER_BOTS" envDefault:"0"`
	HostBotTick      time.Duration `env:"HOST_BOT_TICK" envDefault:"5s"`
	PlayerBotTick    time.Duration `env:"PLAYER_BOT_TICK" envDefault:"2s"`
	MinPublicLobbies int           `env:"MIN_PUBLIC_LOBBIES" envDefault:"1"`
}

func Load() (*Config, error) {
	// A missing .env just means the environment is already set.
	_ = godotenv.Load()

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	return &cfg, nil
}
