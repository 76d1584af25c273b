// Package testenv loads the environment of the integration tests that talk to
// Discord. Those tests are skipped when it is incomplete.
package testenv

import (
	"context"
	"sync"
	"testing"

	"github.com/sethvargo/go-envconfig"

	"github.com/diamondburned/arikawa-voice/discord"
)

// Env is the integration test environment.
type Env struct {
	BotToken  string            `env:"BOT_TOKEN, required"`
	GuildID   discord.GuildID   `env:"GUILD_ID, required"`
	VoiceChID discord.ChannelID `env:"VOICE_ID, required"`
}

var (
	globalEnv Env
	globalErr error
	once      sync.Once
)

// Must returns the environment or skips the test.
func Must(t *testing.T) Env {
	e, err := GetEnv()
	if err != nil {
		t.Skip("integration test variables missing:", err)
	}
	return e
}

// GetEnv loads the environment once.
func GetEnv() (Env, error) {
	once.Do(func() {
		globalErr = envconfig.Process(context.Background(), &globalEnv)
	})
	return globalEnv, globalErr
}
