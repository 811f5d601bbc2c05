package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/redis/go-redis/v9"

	"github.com/digkill/persobi-video-bot/internal/admin"
	"github.com/digkill/persobi-video-bot/internal/config"
	"github.com/digkill/persobi-video-bot/internal/database"
	"github.com/digkill/persobi-video-bot/internal/gateway"
	"github.com/digkill/persobi-video-bot/internal/ledger"
	"github.com/digkill/persobi-video-bot/internal/media"
	"github.com/digkill/persobi-video-bot/internal/orchestrator"
	"github.com/digkill/persobi-video-bot/internal/provider"
	"github.com/digkill/persobi-video-bot/internal/repository"
	"github.com/digkill/persobi-video-bot/internal/service"
	"github.com/digkill/persobi-video-bot/internal/session"
	"github.com/digkill/persobi-video-bot/internal/storage"
	"github.com/digkill/persobi-video-bot/internal/telegram"
	"github.com/digkill/persobi-video-bot/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logr := logger.New()

	if err := os.MkdirAll(cfg.OutDir, 0o755); err != nil {
		log.Fatalf("out dir: %v", err)
	}

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("database connect: %v", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := database.Migrate(ctx, db); err != nil {
		log.Fatalf("database migrate: %v", err)
	}

	botAPI, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		log.Fatalf("telegram bot: %v", err)
	}

	ledgerRepo := repository.NewLedgerRepository(db)
	jobRepo := repository.NewJobRepository(db)
	promoRepo := repository.NewPromoRepository(db)
	paymentRepo := repository.NewPaymentRepository(db)
	planRepo := repository.NewPlanRepository(db)

	ledgerService, err := ledger.NewService(ledgerRepo, logr)
	if err != nil {
		log.Fatalf("ledger: %v", err)
	}
	planService := service.NewPlanService(cfg, planRepo)
	promoService := service.NewPromoService(promoRepo)
	paymentService := service.NewPaymentService(cfg, paymentRepo, ledgerService, planService, logr)

	if err := planService.EnsureDefaultPlan(ctx); err != nil {
		log.Fatalf("ensure default plan: %v", err)
	}

	var uploader *storage.Uploader
	if cfg.S3Bucket != "" {
		uploader, err = storage.NewUploader(storage.Config{
			Endpoint:      cfg.S3Endpoint,
			Region:        cfg.S3Region,
			AccessKey:     cfg.S3AccessKey,
			SecretKey:     cfg.S3SecretKey,
			Bucket:        cfg.S3Bucket,
			PublicBaseURL: cfg.S3PublicBaseURL,
			UsePathStyle:  cfg.S3UsePathStyle,
			Prefix:        cfg.S3Prefix,
		})
		if err != nil {
			log.Fatalf("storage uploader: %v", err)
		}
	} else {
		logr.Warn("s3 not configured, image-to-video requests will fail")
	}

	gen, err := buildProvider(cfg, logr)
	if err != nil {
		log.Fatalf("video provider: %v", err)
	}

	var publisher gateway.ImagePublisher
	if uploader != nil {
		publisher = uploader
	}
	gw, err := gateway.New(gen, publisher, cfg.OutDir, logr)
	if err != nil {
		log.Fatalf("gateway: %v", err)
	}

	processor := media.NewProcessor(media.ProcessorOptions{
		FFmpegPath: cfg.FFmpegPath,
		OutDir:     cfg.OutDir,
		Timeout:    cfg.FFmpegTimeout,
		WarmupTrim: cfg.WarmupTrimSec,
		FPS:        cfg.FinalFPS,
		Workers:    cfg.MediaWorkers,
	}, logr)

	var sessions session.Store
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		sessions = session.NewRedis(rdb, cfg.SessionTTL)
	} else {
		sessions = session.NewMemory()
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Billing:  ledgerService,
		Gen:      gw,
		Renderer: processor,
		Norm:     processor,
		Sessions: sessions,
		Jobs:     jobRepo,
	}, logr)
	if err != nil {
		log.Fatalf("orchestrator: %v", err)
	}

	bot := telegram.NewBot(cfg, botAPI, logr, orch, ledgerService, promoService, paymentService, planService, sessions)

	adminServer := admin.NewServer(cfg.AdminListenAddr, cfg.AdminUsername, cfg.AdminPassword, logr, ledgerService, ledgerRepo, planService, promoRepo, paymentService, botAPI)
	go func() {
		if err := adminServer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logr.Error("admin server stopped", "err", err)
		}
	}()

	if err := bot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logr.Error("bot stopped", "err", err)
	}
}

// buildProvider picks the remote backend from VIDEO_PROVIDER. A missing
// credential is fatal here rather than on the first user request.
func buildProvider(cfg config.Config, logr *slog.Logger) (provider.Generator, error) {
	switch cfg.VideoProvider {
	case "replicate":
		return provider.NewReplicateClient(provider.ReplicateOptions{
			Token:        cfg.ReplicateAPIToken,
			ModelT2V:     cfg.ReplicateModelT2V,
			ModelI2V:     cfg.ReplicateModelI2V,
			PollInterval: cfg.ReplicatePollSec,
			Timeout:      cfg.ReplicateTimeout,
		}, logr)
	case "kie":
		return provider.NewKieClient(provider.KieOptions{
			APIKey:     cfg.KIEAPIKey,
			BaseURL:    cfg.KIEBaseURL,
			Model:      cfg.KIEModel,
			StartPath:  cfg.KIEStartPath,
			StatusPath: cfg.KIEStatusPath,
			Timeout:    cfg.KIETimeout,
		}, logr)
	case "luma":
		return provider.NewPollingClient(provider.PollingOptions{
			Name:      "luma",
			APIKey:    cfg.LumaAPIKey,
			KeyHeader: cfg.LumaKeyHeader,
			Model:     cfg.LumaModel,
			StartURL:  cfg.LumaBaseURL + cfg.LumaStartPath,
			StatusURL: cfg.LumaBaseURL + cfg.LumaStatusPath,
		}, logr)
	case "runway":
		return provider.NewPollingClient(provider.PollingOptions{
			Name:      "runway",
			APIKey:    cfg.RunwayAPIKey,
			KeyHeader: cfg.RunwayKeyHeader,
			Model:     cfg.RunwayModel,
			StartURL:  cfg.RunwayBaseURL + cfg.RunwayStartPath,
			StatusURL: cfg.RunwayBaseURL + cfg.RunwayStatusPath,
		}, logr)
	default:
		return nil, errors.New("unknown VIDEO_PROVIDER: " + cfg.VideoProvider)
	}
}
