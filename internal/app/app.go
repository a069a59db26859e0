// Package app builds every component and ties them into one process:
// HTTP server, task workers and the cron scheduler.
package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"

	"evbackend.in/core/internal/common"
	"evbackend.in/core/internal/config"
	"evbackend.in/core/internal/db/postgres"
	"evbackend.in/core/internal/features/binary"
	"evbackend.in/core/internal/features/booking"
	"evbackend.in/core/internal/features/payout"
	"evbackend.in/core/internal/features/users"
	"evbackend.in/core/internal/features/wallet"
	"evbackend.in/core/internal/gateway/razorpayx"
	"evbackend.in/core/internal/jobs"
	"evbackend.in/core/internal/notify"
	"evbackend.in/core/internal/server"
	"evbackend.in/core/internal/settings"
	"evbackend.in/core/internal/tasks"
)

// Services are the domain services, exposed for the maintenance CLI.
type Services struct {
	Settings *settings.Provider
	Users    *users.Service
	Wallets  *wallet.Service
	Bookings *booking.Service
	Tree     *binary.Service
	Payouts  *payout.Service
}

// App holds the running components.
type App struct {
	DB        *pgxpool.Pool
	Services  Services
	Tasks     *tasks.Queue
	Scheduler *jobs.Scheduler
	Server    *server.Server
}

// New connects to the database, applies migrations and wires everything.
// Order matters: each step only uses what the previous ones built.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	// === 1. Database ===
	pool, err := postgres.NewPool(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := postgres.RunMigrations(ctx, pool, migrations); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	tx := postgres.NewTxManager(pool)

	// === 2. Task queue ===
	queue := tasks.New(tasks.NewRepository(tx), tasks.Options{
		Workers:      cfg.TaskWorkers,
		PollInterval: cfg.TaskPollInterval,
		MaxAttempts:  cfg.TaskMaxAttempts,
		Lease:        cfg.TaskLease,
		BackoffBase:  cfg.TaskBackoffBase,
		BackoffMax:   cfg.TaskBackoffMax,
		Jitter:       0.2,
	})

	// === 3. Services ===
	svc, err := newServices(cfg, tx, queue)
	if err != nil {
		pool.Close()
		return nil, err
	}

	// === 4. Task handlers ===
	activation := binary.NewActivation(tx, svc.Settings, svc.Users, queue, svc.Tree)
	queue.Register(booking.TaskPaymentApplied, activation.HandlePaymentApplied, nil)
	queue.Register(binary.TaskRecordVolume, activation.HandleRecordVolume, nil)
	queue.Register(payout.TaskComplete, svc.Payouts.HandleCompleteTask, svc.Payouts.MarkEventDead)
	queue.Register(payout.TaskFail, svc.Payouts.HandleFailTask, svc.Payouts.MarkEventDead)

	// === 5. Scheduler ===
	scheduler := jobs.NewScheduler(common.LoadLocation(cfg.AppTimezone), jobs.Default(jobs.Deps{
		Pairs:            svc.Tree,
		Payouts:          svc.Payouts,
		Tasks:            queue,
		Bookings:         svc.Bookings,
		Wallets:          svc.Wallets,
		StalePayoutAfter: cfg.StalePayoutAfter,
	}))

	// === 6. HTTP ===
	srv := server.New(cfg, pool, server.Handlers{
		Settings: settings.NewHandler(svc.Settings),
		Users:    users.NewHandler(svc.Users),
		Payouts:  payout.NewHandler(svc.Payouts),
		Wallets:  wallet.NewHandler(svc.Wallets),
		Bookings: booking.NewHandler(svc.Bookings),
		Tree:     binary.NewHandler(svc.Tree),
		Webhook:  payout.NewWebhookHandler(cfg.RazorpayXWebhookSecret, svc.Payouts),
	})

	return &App{
		DB:        pool,
		Services:  *svc,
		Tasks:     queue,
		Scheduler: scheduler,
		Server:    srv,
	}, nil
}

// NewServices wires the domain services on an existing pool, without the
// HTTP server, workers or scheduler. Used by the maintenance CLI.
func NewServices(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) (*Services, error) {
	if err := postgres.RunMigrations(ctx, pool, migrations); err != nil {
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	tx := postgres.NewTxManager(pool)
	return newServices(cfg, tx, tasks.New(tasks.NewRepository(tx), tasks.Options{MaxAttempts: cfg.TaskMaxAttempts}))
}

func newServices(cfg *config.Config, tx *postgres.TxManager, queue *tasks.Queue) (*Services, error) {
	defaults := settings.Defaults(cfg)
	if err := defaults.Validate(); err != nil {
		return nil, fmt.Errorf("invalid seed settings: %w", err)
	}
	provider := settings.NewProvider(settings.NewRepository(tx), defaults, cfg.SettingsCacheTTL)

	userService := users.NewService(users.NewRepository(tx), tx)
	walletService := wallet.NewService(wallet.NewRepository(tx), tx)
	bookingService := booking.NewService(booking.NewRepository(tx), tx, queue)

	var notifier notify.Notifier = notify.Log{}
	if cfg.NotificationsEnabled() {
		tg, err := notify.NewTelegram(cfg.TelegramBotToken, cfg.OpsChatID, cfg.NotifyMaxInflight, userService)
		if err != nil {
			return nil, err
		}
		notifier = tg
	} else {
		log.Warn("TELEGRAM_BOT_TOKEN is empty, notifications are only logged")
	}

	treeService := binary.NewService(binary.NewRepository(tx), tx, provider, userService,
		walletService, bookingService, notifier)

	gateway := razorpayx.New(razorpayx.Config{
		BaseURL:        cfg.RazorpayXBaseURL,
		KeyID:          cfg.RazorpayXKeyID,
		KeySecret:      cfg.RazorpayXKeySecret,
		AccountNumber:  cfg.RazorpayXAccountNumber,
		ConnectTimeout: cfg.RazorpayXConnectTimeout,
		Timeout:        cfg.RazorpayXTimeout,
	})
	payoutService := payout.NewService(payout.NewRepository(tx), tx, payout.Deps{
		Settings:       provider,
		KYC:            userService,
		Wallets:        walletService,
		Bookings:       bookingService,
		Gateway:        gateway,
		Tasks:          queue,
		Notifier:       notifier,
		GatewayTimeout: cfg.RazorpayXTimeout,
	})

	return &Services{
		Settings: provider,
		Users:    userService,
		Wallets:  walletService,
		Bookings: bookingService,
		Tree:     treeService,
		Payouts:  payoutService,
	}, nil
}

// Run starts the scheduler, the workers and the server, and blocks until ctx
// is cancelled and all of them have stopped.
func (a *App) Run(ctx context.Context) error {
	if err := a.Scheduler.Start(ctx); err != nil {
		return err
	}
	defer a.Scheduler.Stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.Tasks.Run(ctx)
	}()

	err := a.Server.Run(ctx)
	wg.Wait()
	return err
}
