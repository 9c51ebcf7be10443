package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/kirillonishuk/majestic-rent-bot/internal/api"
	"github.com/kirillonishuk/majestic-rent-bot/internal/config"
	"github.com/kirillonishuk/majestic-rent-bot/internal/ingest"
	"github.com/kirillonishuk/majestic-rent-bot/internal/mtproto"
	"github.com/kirillonishuk/majestic-rent-bot/internal/scanner"
	"github.com/kirillonishuk/majestic-rent-bot/internal/scheduler"
	"github.com/kirillonishuk/majestic-rent-bot/internal/secrets"
	"github.com/kirillonishuk/majestic-rent-bot/internal/store"
	"github.com/kirillonishuk/majestic-rent-bot/internal/telegram"
	"github.com/kirillonishuk/majestic-rent-bot/internal/userbot"
)

type App struct {
	cfg     config.Config
	log     *zap.Logger
	bot     *tgbotapi.BotAPI
	httpSrv *http.Server
	repo    store.Repo
	router  *telegram.Router
}

func New(cfg config.Config, log *zap.Logger) (*App, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, err
	}
	bot.Debug = false

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      mux,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}

	return &App{cfg: cfg, log: log, bot: bot, httpSrv: srv}, nil
}

func (a *App) Run(ctx context.Context) error {
	a.log.Info("starting majestic-rent-bot",
		zap.String("api", a.cfg.APIAddr),
		zap.String("http", a.cfg.HTTPAddr),
	)

	codec, err := secrets.NewCodec(a.cfg.SessionKey)
	if err != nil {
		a.log.Error("bad session encryption key", zap.Error(err))
		return err
	}

	// Open SQLite and run migrations.
	repo, err := store.OpenSQLite(ctx, a.cfg.DBPath)
	if err != nil {
		a.log.Error("open sqlite failed", zap.Error(err))
		return err
	}
	a.repo = repo
	a.log.Info("sqlite ready")

	dialer := mtproto.NewDialer(mtproto.Options{
		AppID:     a.cfg.TelegramAppID,
		AppHash:   a.cfg.TelegramHash,
		SourceBot: a.cfg.SourceBot,
		Logger:    a.log.Named("mtproto"),
	})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Scheduler -> ingest -> registry -> router -> scanner. The router doubles
	// as the outbound surface for the scheduler and the scanner, so it closes
	// the loop via SetScanner.
	sched := scheduler.New(a.repo, a.log, nil)
	ing := ingest.New(a.repo, sched, a.log)
	registry := userbot.NewRegistry(a.repo, codec, dialer, ing.HandleStreamMessage, a.log)
	a.router = telegram.NewRouter(a.bot, a.log, a.repo, registry, codec, dialer, a.cfg.WebAppURL)
	sched.SetSender(a.router)
	scan := scanner.New(a.repo, registry, ing, a.router, a.log)
	a.router.SetScanner(scan)

	// A freshly connected or restored account immediately catches up on
	// whatever arrived while it was offline.
	registry.OnConnected(func(userID int64) {
		go func() {
			if _, err := scan.Scan(ctx, userID, false); err != nil &&
				!errors.Is(err, scanner.ErrScanInProgress) {
				a.log.Error("catch-up scan failed", zap.Int64("userID", userID), zap.Error(err))
			}
		}()
	})

	if err := sched.Initialize(ctx); err != nil {
		a.log.Error("scheduler init failed", zap.Error(err))
		return err
	}
	go sched.Run(ctx)

	if err := registry.Initialize(ctx); err != nil {
		a.log.Error("session restore failed", zap.Error(err))
		return err
	}

	apiSrv := api.NewServer(a.cfg.APIAddr, a.repo, sched, a.cfg.BotToken, a.log.Named("api"))
	go func() {
		if err := apiSrv.Start(ctx); err != nil {
			a.log.Error("api server error", zap.Error(err))
		}
	}()

	go func() {
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("http server error", zap.Error(err))
		}
	}()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updCh := a.bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			a.log.Info("shutdown signal received")

			// Create a short-lived shutdown context and cancel it immediately after use.
			shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := a.httpSrv.Shutdown(shCtx)
			cancel()

			if err != nil {
				a.log.Warn("http server shutdown error", zap.Error(err))
			}
			registry.DisconnectAll()
			if a.repo != nil {
				_ = a.repo.Close()
			}
			return nil

		case upd := <-updCh:
			a.router.HandleUpdate(ctx, upd)
		}
	}
}
