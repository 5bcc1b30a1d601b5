package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/SulimanRohany/deen-bridge-liveclass/api"
	"github.com/SulimanRohany/deen-bridge-liveclass/chat"
	"github.com/SulimanRohany/deen-bridge-liveclass/lifecycle"
	dummymedia "github.com/SulimanRohany/deen-bridge-liveclass/media/dummy"
	"github.com/SulimanRohany/deen-bridge-liveclass/model"
	"github.com/SulimanRohany/deen-bridge-liveclass/quality"
	"github.com/SulimanRohany/deen-bridge-liveclass/session"
	memorystore "github.com/SulimanRohany/deen-bridge-liveclass/storage/memory"
	redisstore "github.com/SulimanRohany/deen-bridge-liveclass/storage/redis"
)

const joinTimeout = 30 * time.Second

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		apiURL      = fs.StringP("api-url", "a", "http://localhost:8000/api", "backend api base url")
		wsURL       = fs.StringP("ws-url", "w", "ws://localhost:8000/ws/chat", "chat websocket base url")
		sessionID   = fs.StringP("session", "s", "", "live session id")
		userID      = fs.StringP("user-id", "u", "", "authenticated user id")
		displayName = fs.StringP("name", "n", "", "display name")
		token       = fs.StringP("token", "t", "", "bearer token")
		admin       = fs.BoolP("admin", "A", false, "join as super-admin (observe-only monitor seat)")
		redisAddr   = fs.StringP("redis-addr", "r", "", "redis address for persisted preferences (optional)")
		logLevel    = fs.StringP("log-level", "l", "debug", "log level")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	if *sessionID == "" {
		logger.Fatal().Msg("session id is required")
	}

	var prefs session.PrefStore = memorystore.NewStore()
	if *redisAddr != "" {
		rs := redisstore.NewStore(redisstore.Config{Addr: *redisAddr})
		pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err = rs.Ping(pingCtx); err != nil {
			pingCancel()
			logger.Fatal().Err(err).Msg("redis is not reachable")
		}
		pingCancel()
		defer func() {
			_ = rs.Close()
		}()
		prefs = rs
	}

	backend := api.NewClient(api.Config{
		Logger:  &logger,
		BaseURL: *apiURL,
		Token:   *token,
	})
	media := dummymedia.NewAdapter(dummymedia.Config{Logger: &logger})
	tracker := session.NewDurationTracker(session.TrackerConfig{
		Logger: &logger,
		Store:  prefs,
		UserID: *userID,
	})
	coord := session.NewCoordinator(session.Config{
		Logger:      &logger,
		Backend:     backend,
		Media:       media,
		Tracker:     tracker,
		SessionID:   *sessionID,
		UserID:      *userID,
		DisplayName: *displayName,
		Token:       *token,
		SuperAdmin:  *admin,
		OnState: func(s model.ConnectionState) {
			logger.Info().Stringer("state", s).Msg("connection state")
		},
		Navigate: func(route string) {
			logger.Info().Str("route", route).Msg("would navigate")
		},
	})
	channel := chat.NewChannel(chat.Config{
		Logger:   &logger,
		URL:      *wsURL + "/session/" + *sessionID + "/",
		Token:    *token,
		SenderID: *userID,
	})
	monitor := quality.NewMonitor(quality.Config{
		Logger: &logger,
		Stats:  media,
	})

	guard := lifecycle.NewGuard(lifecycle.Config{Logger: &logger})
	guard.Register("chat-channel", func(context.Context) error {
		channel.Close()
		return nil
	})
	guard.Register("session", func(ctx context.Context) error {
		coord.Teardown(ctx)
		return nil
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	joinCtx, joinCancel := context.WithTimeout(ctx, joinTimeout)
	err = coord.Join(joinCtx)
	joinCancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("could not join session")
	}

	if unread, uErr := backend.UnreadCount(ctx, *sessionID); uErr != nil {
		logger.Warn().Err(uErr).Msg("unread bootstrap failed")
	} else {
		channel.SeedUnread(unread)
	}
	if err = channel.Connect(ctx); err != nil {
		logger.Error().Err(err).Msg("chat connect rejected")
	}

	go monitor.Run(ctx)
	go consumeEvents(ctx, channel, &logger)

	<-ctx.Done()
	logger.Warn().Msg("interrupted")

	shCtx, shCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shCancel()
	guard.Unmount(shCtx)
}

func consumeEvents(ctx context.Context, channel *chat.Channel, logger *zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-channel.Events():
			switch ev.Kind {
			case model.EventMessage:
				logger.Info().
					Str("from", ev.Message.SenderName).
					Str("body", ev.Message.Body).
					Msg("chat message")
			case model.EventUnreadChanged:
				logger.Info().Int("unread", ev.Unread).Msg("unread count")
			case model.EventTyping:
				logger.Debug().
					Str("user", ev.UserName).
					Bool("typing", ev.Typing).
					Msg("typing state")
			case model.EventError:
				logger.Error().Err(ev.Err).Msg("chat channel error")
			case model.EventConnected:
				logger.Info().Msg("chat connected")
			case model.EventDisconnected:
				logger.Warn().Msg("chat disconnected")
			}
		}
	}
}
