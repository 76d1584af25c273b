package main

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("DISCORD_TOKEN", "token")
	t.Setenv("VOICE_GUILD_ID", "1")
	t.Setenv("VOICE_CHANNEL_ID", "2")

	cfg, err := loadConfig(context.Background())
	if err != nil {
		t.Fatal("failed to load config:", err)
	}

	expect := &config{
		Token:          "token",
		GuildID:        "1",
		ChannelID:      "2",
		ConnectTimeout: 10 * time.Second,
		LogLevel:       "info",
	}

	if diff := cmp.Diff(expect, cfg); diff != "" {
		t.Fatalf("unexpected config (-want +got):\n%s", diff)
	}
}

func TestLoadConfigMissing(t *testing.T) {
	// Registers the restore of the variable before removing it.
	t.Setenv("DISCORD_TOKEN", "")
	os.Unsetenv("DISCORD_TOKEN")
	t.Setenv("VOICE_GUILD_ID", "1")
	t.Setenv("VOICE_CHANNEL_ID", "2")

	if _, err := loadConfig(context.Background()); err == nil {
		t.Fatal("expected an error without DISCORD_TOKEN")
	}
}
