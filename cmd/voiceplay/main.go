// Command voiceplay joins a voice channel and plays an Ogg/Opus or DCA file
// into it.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/diamondburned/oggreader"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/sethvargo/go-envconfig"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/diamondburned/arikawa-voice/discord"
	"github.com/diamondburned/arikawa-voice/internal/dca"
	"github.com/diamondburned/arikawa-voice/voice"
	"github.com/diamondburned/arikawa-voice/voice/dgvoice"
)

type config struct {
	Token          string        `env:"DISCORD_TOKEN, required"`
	GuildID        string        `env:"VOICE_GUILD_ID, required"`
	ChannelID      string        `env:"VOICE_CHANNEL_ID, required"`
	ConnectTimeout time.Duration `env:"VOICE_CONNECT_TIMEOUT, default=10s"`
	// DecodeOpus decodes what others say into PCM instead of only counting
	// their frames.
	DecodeOpus bool   `env:"VOICE_DECODE_OPUS"`
	LogLevel   string `env:"LOG_LEVEL, default=info"`
}

func loadConfig(ctx context.Context) (*config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, errors.Wrap(err, "failed to load .env")
	}

	var cfg config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func main() {
	flag.Parse()

	file := flag.Arg(0)
	if file == "" {
		fmt.Fprintln(os.Stderr, "usage:", filepath.Base(os.Args[0]), "<file.ogg|file.dca>")
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, file); err != nil {
		// Ignore context canceled errors as they're often intentional.
		if !errors.Is(err, context.Canceled) {
			logrus.Fatalln(err)
		}
	}
}

func run(ctx context.Context, file string) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return errors.Wrap(err, "invalid config")
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return errors.Wrap(err, "invalid LOG_LEVEL")
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	guildID, err := discord.ParseSnowflake(cfg.GuildID)
	if err != nil {
		return errors.Wrap(err, "invalid VOICE_GUILD_ID")
	}

	channelID, err := discord.ParseSnowflake(cfg.ChannelID)
	if err != nil {
		return errors.Wrap(err, "invalid VOICE_CHANNEL_ID")
	}

	s, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return errors.Wrap(err, "failed to create discord session")
	}
	s.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates

	ready := make(chan struct{})
	s.AddHandlerOnce(func(*discordgo.Session, *discordgo.Ready) { close(ready) })

	if err := s.Open(); err != nil {
		return errors.Wrap(err, "failed to open discord session")
	}
	defer s.Close()

	select {
	case <-ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	opts := voice.DefaultOpts()
	opts.ConnectTimeout = cfg.ConnectTimeout
	if cfg.DecodeOpus {
		opts.Registry.NewDecoder = voice.NewOpusDecoder
	}

	v, err := dgvoice.Connect(ctx, s, discord.GuildID(guildID), discord.ChannelID(channelID), &opts)
	if err != nil {
		return errors.Wrap(err, "failed to join channel")
	}

	defer func() {
		// The session context may already be done.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := v.Disconnect(ctx); err != nil {
			logrus.WithError(err).Warn("failed to disconnect voice session")
		}
		if err := dgvoice.Leave(s, discord.GuildID(guildID)); err != nil {
			logrus.WithError(err).Warn("failed to leave voice channel")
		}
	}()

	go listen(v)

	w := newPacedWriter(ctx, v, opts.FrameDuration)

	if err := play(w, file); err != nil {
		return err
	}

	// Let the queued frames drain before leaving.
	select {
	case <-time.After(time.Duration(opts.SendQueueSize) * opts.FrameDuration):
	case <-v.Done():
		return v.Err()
	case <-ctx.Done():
	}

	st := v.Stats()
	logrus.WithFields(logrus.Fields{
		"dropped":  st.SendDropped,
		"received": st.FramesReceived,
		"lost":     st.FramesDropped,
	}).Info("finished playing")
	return nil
}

func play(w io.Writer, file string) error {
	if strings.EqualFold(filepath.Ext(file), ".dca") {
		return dca.DecodeFile(w, file)
	}

	f, err := os.Open(file)
	if err != nil {
		return errors.Wrap(err, "failed to open "+file)
	}
	defer f.Close()

	if err := oggreader.DecodeBuffered(w, f); err != nil {
		return errors.Wrap(err, "failed to decode ogg")
	}

	return nil
}

// pacedWriter feeds frames into the session no faster than it sends them,
// since the session drops the oldest frame once its queue is full.
type pacedWriter struct {
	ctx     context.Context
	v       *voice.Session
	limiter *rate.Limiter
}

func newPacedWriter(ctx context.Context, v *voice.Session, frame time.Duration) *pacedWriter {
	return &pacedWriter{
		ctx:     ctx,
		v:       v,
		limiter: rate.NewLimiter(rate.Every(frame), 4),
	}
}

func (w *pacedWriter) Write(b []byte) (int, error) {
	if err := w.limiter.Wait(w.ctx); err != nil {
		return 0, err
	}
	return w.v.Write(b)
}

// listen logs what happens in the channel until the session stops.
func listen(v *voice.Session) {
	frames := v.Frames()
	events := v.Events()

	counts := make(map[discord.UserID]int)

	for frames != nil || events != nil {
		select {
		case f, ok := <-frames:
			if !ok {
				frames = nil
				continue
			}
			counts[f.UserID]++
			if f.Discontinuity {
				logrus.WithField("user", f.UserID).Debug("frames lost")
			}

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}

			switch ev := ev.(type) {
			case *voice.SpeakingEvent:
				logrus.WithFields(logrus.Fields{
					"user":     ev.UserID,
					"speaking": ev.Speaking,
					"frames":   counts[ev.UserID],
				}).Info("speaking")
			case *voice.ClientDisconnectEvent:
				logrus.WithField("user", ev.UserID).Info("user left")
				delete(counts, ev.UserID)
			case *voice.ReconnectError:
				logrus.WithError(ev).Warn("voice reconnecting")
			}
		}
	}
}
