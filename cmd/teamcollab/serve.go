package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/innova-app/teamcollab/internal/activity"
	"github.com/innova-app/teamcollab/internal/api"
	"github.com/innova-app/teamcollab/internal/auth"
	"github.com/innova-app/teamcollab/internal/chat"
	"github.com/innova-app/teamcollab/internal/config"
	"github.com/innova-app/teamcollab/internal/crypto"
	"github.com/innova-app/teamcollab/internal/file"
	"github.com/innova-app/teamcollab/internal/mail"
	"github.com/innova-app/teamcollab/internal/metrics"
	"github.com/innova-app/teamcollab/internal/ratelimit"
	"github.com/innova-app/teamcollab/internal/realtime"
	"github.com/innova-app/teamcollab/internal/team"
	"github.com/innova-app/teamcollab/internal/user"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the TeamCollab HTTP and realtime server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return err
	}
	slog.Info("connected to database")

	m := metrics.New()
	m.RegisterDBPoolCollector(func() metrics.PoolStats {
		s := pool.Stat()
		return metrics.PoolStats{
			Total:         s.TotalConns(),
			Idle:          s.IdleConns(),
			Acquired:      s.AcquiredConns(),
			Max:           s.MaxConns(),
			EmptyAcquires: s.EmptyAcquireCount(),
		}
	})

	cipher, err := crypto.NewCipher(cfg.Encryption.Key)
	if err != nil {
		return fmt.Errorf("encryption key: %w", err)
	}
	if cipher.Enabled() {
		slog.Info("message content encryption enabled")
	}

	storage, err := file.NewLocalStorage(cfg.Storage.Dir)
	if err != nil {
		return err
	}

	var mailer team.Mailer = mail.LogMailer{}
	if cfg.Mail.Enabled() {
		mailer = mail.NewSMTPMailer(mail.SMTPConfig{
			Host:     cfg.Mail.SMTPHost,
			Port:     cfg.Mail.SMTPPort,
			Username: cfg.Mail.SMTPUsername,
			Password: cfg.Mail.SMTPPassword,
			From:     cfg.Mail.From,
		})
	} else {
		slog.Warn("smtp not configured; invitation emails will only be logged")
	}

	activityStore := activity.NewStore(pool)
	collector := activity.NewCollector(activityStore, cfg.Activity.BatchSize, cfg.Activity.FlushInterval)
	collector.SetFlushHook(m.ObserveActivityFlush)
	go collector.Start(ctx)

	tokens := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, cfg.Auth.Issuer)
	userStore := user.NewStore(pool)
	userService := user.NewService(userStore, tokens)

	teamService := team.NewService(team.ServiceDeps{
		Repo:          team.NewStore(pool),
		Users:         userStore,
		Mailer:        mailer,
		Activity:      collector,
		ClientURL:     cfg.Mail.ClientURL,
		OnMailFailure: m.IncInviteEmailFailure,
	})

	chatService := chat.NewService(chat.ServiceDeps{
		Repo:     chat.NewStore(pool, cipher),
		Members:  teamService,
		Activity: collector,
		OnStored: func(msg *chat.Message) { m.IncMessage(string(msg.Type)) },
	})

	fileService := file.NewService(file.ServiceDeps{
		Repo:          file.NewStore(pool),
		Storage:       storage,
		Members:       teamService,
		Activity:      collector,
		PublicBaseURL: cfg.Storage.PublicBaseURL,
		MaxUploadSize: cfg.Storage.MaxUploadSize,
		OnUploaded:    func(r *file.Record) { m.ObserveUpload(string(r.FileType), r.FileSize) },
	})

	backplane, err := newBackplane(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer backplane.Close()

	hub, err := realtime.NewHub(backplane, realtime.Hooks{
		OnConnect:     m.ConnectionOpened,
		OnDisconnect:  m.ConnectionClosed,
		OnEvent:       m.IncRealtimeEvent,
		OnBroadcast:   m.IncBroadcast,
		OnDrop:        m.IncDropped,
		OnRateLimited: func() { m.IncRateLimitRejection("realtime") },
	})
	if err != nil {
		return err
	}
	chatService.SetBroadcaster(hub)
	fileService.SetBroadcaster(hub)
	teamService.SetRoomCloser(hub)

	httpLimiter := ratelimit.New(cfg.RateLimit.Default, cfg.RateLimit.Window)
	eventLimiter := ratelimit.New(cfg.Realtime.EventsPerMinute, time.Minute)
	go sweepLimiters(ctx, cfg.RateLimit.Window, httpLimiter, eventLimiter)

	realtimeHandler := realtime.NewHandler(realtime.HandlerDeps{
		Hub:      hub,
		Verifier: tokens,
		Members:  teamService,
		Messages: chatService,
		Limiter:  eventLimiter,
		Options: realtime.Options{
			WriteWait:      cfg.Realtime.WriteWait,
			PongWait:       cfg.Realtime.PongWait,
			MaxMessageSize: cfg.Realtime.MaxMessageSize,
			SendBuffer:     cfg.Realtime.SendBuffer,
			AllowedOrigins: cfg.CORS.AllowedOrigins,
		},
	})

	router := api.NewRouter(api.RouterDeps{
		Users:          userService,
		Teams:          teamService,
		Chat:           chatService,
		Files:          fileService,
		Activity:       activityStore,
		Verifier:       tokens,
		Limiter:        httpLimiter,
		Metrics:        m,
		DB:             pool,
		Realtime:       realtimeHandler,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
	})

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", cfg.Addr(), "redis_backplane", cfg.Redis.Enabled)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-sigCh
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Hijacked websocket connections are not tracked by Shutdown.
	hub.Shutdown()
	err = srv.Shutdown(shutdownCtx)
	collector.Stop()
	return err
}

func newBackplane(ctx context.Context, cfg config.RedisConfig) (realtime.Backplane, error) {
	if !cfg.Enabled {
		return realtime.NewLocalBackplane(), nil
	}
	bp, err := realtime.NewRedisBackplane(ctx, realtime.RedisOptions{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		Channel:  cfg.Channel,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting redis backplane: %w", err)
	}
	slog.Info("redis backplane connected", "addr", cfg.Addr, "channel", cfg.Channel)
	return bp, nil
}

// sweepLimiters evicts idle rate limit buckets once per window.
func sweepLimiters(ctx context.Context, every time.Duration, limiters ...*ratelimit.Limiter) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, l := range limiters {
				l.Sweep()
			}
		}
	}
}
