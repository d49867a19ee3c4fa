// Demo call client: registers presence, waits for the matched user to
// come online, then runs one time-boxed call.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/parleyapp/parley/internal/call"
	"github.com/parleyapp/parley/internal/config"
	"github.com/parleyapp/parley/internal/domain"
	"github.com/parleyapp/parley/internal/peer"
	"github.com/parleyapp/parley/internal/presence"
	"github.com/parleyapp/parley/internal/signaling"
)

func main() {
	var (
		userID  = flag.Int64("user", 0, "local user id")
		otherID = flag.Int64("peer", 0, "matched user id")
		matchID = flag.Int64("match", 0, "match id")
		callDay = flag.Int("day", 1, "call day")
		caller  = flag.Bool("caller", false, "initiate the call instead of answering")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if *userID <= 0 || *otherID <= 0 || *matchID <= 0 {
		log.Fatal().Msg("-user, -peer and -match are required")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	schedule, err := call.NewSchedule(cfg.DurationSchedule)
	if err != nil {
		log.Fatal().Err(err).Msg("bad duration schedule")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pres := presence.New(cfg)
	if err := pres.Connect(ctx, domain.UserID(*userID)); err != nil {
		log.Fatal().Err(err).Msg("presence connect failed")
	}
	defer pres.Disconnect()

	transport := signaling.New(cfg)
	if err := transport.Connect(ctx, domain.UserID(*userID)); err != nil {
		log.Fatal().Err(err).Msg("signaling connect failed")
	}
	defer transport.Close()

	sess := peer.New(transport, cfg)
	if err := sess.Initialize(ctx, domain.UserID(*userID), *caller); err != nil {
		log.Fatal().Err(err).Msg("peer initialize failed")
	}
	defer sess.Cleanup()

	if *caller {
		waitOnline(ctx, pres, domain.UserID(*otherID))
	}

	mgr := call.NewManager(sess, schedule)
	ended := make(chan domain.EndReason, 1)
	mgr.OnCallStateChange(func(ch call.StateChange) {
		log.Info().Str("phase", ch.Phase.String()).Str("reason", string(ch.Reason)).
			Int("remaining", ch.Session.RemainingSeconds).Msg("call state")
		if ch.Phase == domain.CallEnded {
			ended <- ch.Reason
		}
	})

	start := mgr.AnswerCall
	if *caller {
		start = mgr.StartCall
	}
	if err := start(ctx, domain.MatchID(*matchID), domain.UserID(*otherID), domain.CallDay(*callDay)); err != nil {
		log.Fatal().Err(err).Msg("call failed to start")
	}

	select {
	case reason := <-ended:
		log.Info().Str("reason", string(reason)).Msg("call over")
	case <-ctx.Done():
		mgr.EndCall()
	}
}

// waitOnline polls presence until the matched user is reachable.
func waitOnline(ctx context.Context, pres *presence.Channel, id domain.UserID) {
	for !pres.IsOnline(id) {
		log.Info().Int64("peer", int64(id)).Msg("waiting for peer to come online")
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}
