package discord

// VoiceState is the payload of a voice state update dispatched by the main
// gateway. Only the fields the voice connection needs are kept.
type VoiceState struct {
	GuildID   GuildID   `json:"guild_id"`
	ChannelID ChannelID `json:"channel_id"`
	UserID    UserID    `json:"user_id"`
	SessionID string    `json:"session_id"`

	Deaf     bool `json:"deaf"`
	Mute     bool `json:"mute"`
	SelfDeaf bool `json:"self_deaf"`
	SelfMute bool `json:"self_mute"`
}

// VoiceServer is the payload of a voice server update dispatched by the main
// gateway. Endpoint may be empty if the voice server went away, in which case
// a new update follows once a new server is allocated.
type VoiceServer struct {
	Token    string  `json:"token"`
	GuildID  GuildID `json:"guild_id"`
	Endpoint string  `json:"endpoint"`
}
