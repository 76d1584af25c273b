// Package dgvoice bootstraps voice sessions over a discordgo main gateway
// connection. The main gateway owns joining and leaving; this package only
// collects the voice state and voice server updates a voice.Session needs.
package dgvoice

import (
	"context"

	"github.com/bwmarrin/discordgo"
	"github.com/pkg/errors"

	"github.com/diamondburned/arikawa-voice/discord"
	"github.com/diamondburned/arikawa-voice/voice"
)

// ErrNoSelf is returned when the discordgo session has no state to read our
// own user ID from.
var ErrNoSelf = errors.New("discordgo session has no current user")

// Gateway is the part of *discordgo.Session used to join a channel.
type Gateway interface {
	AddHandler(handler interface{}) func()
	ChannelVoiceJoinManual(guildID, channelID string, mute, deaf bool) error
}

var _ Gateway = (*discordgo.Session)(nil)

// SelfID returns the user ID of the discordgo session.
func SelfID(s *discordgo.Session) (discord.UserID, error) {
	if s.State == nil || s.State.User == nil {
		return 0, ErrNoSelf
	}

	id, err := discord.ParseSnowflake(s.State.User.ID)
	if err != nil {
		return 0, errors.Wrap(err, "invalid user ID")
	}

	return discord.UserID(id), nil
}

// Join asks the main gateway to move us into the channel and waits for both
// updates that follow.
func Join(
	ctx context.Context, s *discordgo.Session,
	guildID discord.GuildID, channelID discord.ChannelID, mute, deaf bool) (discord.VoiceState, discord.VoiceServer, error) {

	self, err := SelfID(s)
	if err != nil {
		return discord.VoiceState{}, discord.VoiceServer{}, err
	}

	return JoinGateway(ctx, s, self, guildID, channelID, mute, deaf)
}

// JoinGateway is Join for any Gateway. self filters out voice state updates of
// other users.
func JoinGateway(
	ctx context.Context, g Gateway, self discord.UserID,
	guildID discord.GuildID, channelID discord.ChannelID, mute, deaf bool) (discord.VoiceState, discord.VoiceServer, error) {

	states := make(chan discord.VoiceState, 1)
	servers := make(chan discord.VoiceServer, 1)

	rmState := g.AddHandler(func(_ *discordgo.Session, ev *discordgo.VoiceStateUpdate) {
		if ev.VoiceState == nil {
			return
		}

		vs, err := ConvertVoiceState(ev.VoiceState)
		if err != nil || vs.UserID != self || vs.GuildID != guildID {
			return
		}

		replace(states, vs)
	})
	defer rmState()

	rmServer := g.AddHandler(func(_ *discordgo.Session, ev *discordgo.VoiceServerUpdate) {
		srv, err := ConvertVoiceServer(ev)
		// An empty endpoint means the server is being reallocated.
		if err != nil || srv.GuildID != guildID || srv.Endpoint == "" {
			return
		}

		replace(servers, srv)
	})
	defer rmServer()

	if err := g.ChannelVoiceJoinManual(guildID.String(), channelID.String(), mute, deaf); err != nil {
		return discord.VoiceState{}, discord.VoiceServer{}, errors.Wrap(err, "failed to send voice state update")
	}

	var (
		vs  discord.VoiceState
		srv discord.VoiceServer
	)

	for gotState, gotServer := false, false; !gotState || !gotServer; {
		select {
		case vs = <-states:
			gotState = vs.ChannelID == channelID
		case srv = <-servers:
			gotServer = true
		case <-ctx.Done():
			return vs, srv, errors.Wrap(ctx.Err(), "failed to wait for voice updates")
		}
	}

	return vs, srv, nil
}

// replace sends v into a channel of one, replacing whatever is in it.
func replace[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}

		select {
		case <-ch:
		default:
		}
	}
}

// Connect joins the channel and connects a new voice session to it.
func Connect(
	ctx context.Context, s *discordgo.Session,
	guildID discord.GuildID, channelID discord.ChannelID, opts *voice.Opts) (*voice.Session, error) {

	self, err := SelfID(s)
	if err != nil {
		return nil, err
	}

	vs, srv, err := JoinGateway(ctx, s, self, guildID, channelID, false, false)
	if err != nil {
		return nil, err
	}

	v := voice.NewSession(self, opts)
	if err := v.Connect(ctx, vs, srv); err != nil {
		Leave(s, guildID)
		return nil, err
	}

	return v, nil
}

// Leave asks the main gateway to leave the guild's voice channel. The voice
// session should be disconnected first.
func Leave(g Gateway, guildID discord.GuildID) error {
	return errors.Wrap(
		g.ChannelVoiceJoinManual(guildID.String(), "", false, false),
		"failed to leave voice channel",
	)
}

// ConvertVoiceState converts a discordgo voice state.
func ConvertVoiceState(vs *discordgo.VoiceState) (discord.VoiceState, error) {
	guildID, err := parseID(vs.GuildID)
	if err != nil {
		return discord.VoiceState{}, errors.Wrap(err, "invalid guild ID")
	}

	channelID, err := parseID(vs.ChannelID)
	if err != nil {
		return discord.VoiceState{}, errors.Wrap(err, "invalid channel ID")
	}

	userID, err := parseID(vs.UserID)
	if err != nil {
		return discord.VoiceState{}, errors.Wrap(err, "invalid user ID")
	}

	return discord.VoiceState{
		GuildID:   discord.GuildID(guildID),
		ChannelID: discord.ChannelID(channelID),
		UserID:    discord.UserID(userID),
		SessionID: vs.SessionID,
		Deaf:      vs.Deaf,
		Mute:      vs.Mute,
		SelfDeaf:  vs.SelfDeaf,
		SelfMute:  vs.SelfMute,
	}, nil
}

// ConvertVoiceServer converts a discordgo voice server update.
func ConvertVoiceServer(ev *discordgo.VoiceServerUpdate) (discord.VoiceServer, error) {
	guildID, err := parseID(ev.GuildID)
	if err != nil {
		return discord.VoiceServer{}, errors.Wrap(err, "invalid guild ID")
	}

	return discord.VoiceServer{
		Token:    ev.Token,
		GuildID:  discord.GuildID(guildID),
		Endpoint: ev.Endpoint,
	}, nil
}

// parseID parses an optional ID. Empty IDs, such as the channel of a user who
// left, are zero.
func parseID(id string) (discord.Snowflake, error) {
	if id == "" {
		return 0, nil
	}
	return discord.ParseSnowflake(id)
}
