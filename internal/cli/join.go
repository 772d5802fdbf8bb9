package cli

import (
	"context"
	"time"

	"github.com/dkeye/Mesh/internal/adapters/rtc"
	"github.com/dkeye/Mesh/internal/app/chat"
	"github.com/dkeye/Mesh/internal/app/room"
	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type joinFlags struct {
	muted       bool
	shareScreen time.Duration
	interpreter bool
	language    string
	noDevices   bool
}

func newJoinCmd(opts *options) *cobra.Command {
	f := &joinFlags{}
	cmd := &cobra.Command{
		Use:   "join <room>",
		Short: "Join a room and stay until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := interruptContext(cmd.Context())
			defer stop()
			return runJoin(ctx, opts, f, domain.RoomID(args[0]))
		},
	}
	cmd.Flags().BoolVar(&f.muted, "muted", false, "join with the microphone muted")
	cmd.Flags().DurationVar(&f.shareScreen, "share-screen", 0, "share the screen for this long after joining")
	cmd.Flags().BoolVar(&f.interpreter, "interpreter", false, "announce this member as an interpreter")
	cmd.Flags().StringVar(&f.language, "language", "", "interpretation language")
	cmd.Flags().BoolVar(&f.noDevices, "no-devices", false, "refuse capture, as a denied permission prompt would")
	return cmd
}

func runJoin(ctx context.Context, opts *options, f *joinFlags, id domain.RoomID) error {
	cfg := opts.cfg
	who, err := whoAmI(ctx, cfg.Client)
	if err != nil {
		return err
	}

	var store core.DocumentStore
	if who != nil {
		client, err := dial(ctx, cfg.Client)
		if err != nil {
			return err
		}
		defer client.Close()
		store = client
	}

	factory, err := rtc.NewFactory(cfg.ICE)
	if err != nil {
		return err
	}
	coord := room.New(room.Config{
		Room:          id,
		Identity:      who,
		Store:         store,
		Devices:       &rtc.StaticDevices{Deny: f.noDevices, ShareFor: f.shareScreen},
		Factory:       factory,
		Navigator:     room.NavigatorFunc(func(target string) { log.Info().Str("module", "cli").Str("target", target).Msg("navigate") }),
		IsInterpreter: f.interpreter,
		Language:      f.language,
	})
	if err := coord.Join(ctx); err != nil {
		return err
	}
	log.Info().Str("module", "cli").Str("room", coord.Room().Title).Str("member", string(coord.Self().ID)).Msg("joined room")

	if f.muted {
		if err := coord.Media().SetTrackEnabled(domain.TrackKindAudio, false); err != nil {
			log.Warn().Err(err).Str("module", "cli").Msg("mute")
		}
	}
	if f.shareScreen > 0 {
		if err := coord.Media().StartScreenShare(ctx); err != nil {
			log.Warn().Err(err).Str("module", "cli").Msg("screen share")
		}
	}

	go logStreams(coord)
	if w, err := chat.New(coord.Mailbox(), *who).Watch(ctx); err == nil {
		defer w.Cancel()
		go printChat(w)
	} else {
		log.Warn().Err(err).Str("module", "cli").Msg("chat unavailable")
	}

	select {
	case <-ctx.Done():
		coord.Leave()
	case <-coord.Done():
	}
	return coord.Err()
}

func logStreams(coord *room.Coordinator) {
	for ev := range coord.Mesh().Events() {
		log.Info().
			Str("module", "cli").
			Str("event", ev.Kind.String()).
			Str("peer", string(ev.Stream.PeerID)).
			Int("tracks", len(ev.Stream.Tracks)).
			Msg("remote stream")
	}
}

func printChat(w *chat.Watcher) {
	for t := range w.Updates() {
		for _, m := range t.New {
			log.Info().Str("module", "chat").Str("from", m.SenderName).Time("at", m.SentAt).Msg(m.Text)
		}
	}
}
