// Package app wires the ledger service together: configuration, storage,
// gateway, HTTP surface and background workers.
package app

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/gatherly/ledger/internal/module/audit"
	"github.com/gatherly/ledger/internal/module/crypto"
	"github.com/gatherly/ledger/internal/module/gateway"
	"github.com/gatherly/ledger/internal/module/ledger"
	"github.com/gatherly/ledger/internal/shared/cache"
	"github.com/gatherly/ledger/internal/shared/config"
	"github.com/gatherly/ledger/internal/shared/database"
	"github.com/gatherly/ledger/internal/shared/logger"
	"github.com/gatherly/ledger/internal/shared/metrics"
	"github.com/gatherly/ledger/internal/shared/middleware"
)

// refundLockTTL bounds how long a crashed instance can keep a payment
// locked. It must comfortably exceed the gateway timeout.
const refundLockTTL = 2 * time.Minute

// App is the assembled service.
type App struct {
	cfg      *config.Config
	logger   *zap.Logger
	db       *gorm.DB
	redis    redis.UniversalClient
	router   *gin.Engine
	archiver *audit.Archiver
}

// New builds the service from configuration.
func New(cfg *config.Config) (*App, error) {
	log, err := logger.New(&cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	db, err := database.New(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := database.Migrate(db,
		&ledger.Payment{},
		&ledger.PaymentRefund{},
		&ledger.PaymentAuditLog{},
		&ledger.GatewayWebhookEvent{},
	); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	m := metrics.New("gatherly", nil)

	registry, err := gateway.NewFromConfig(&cfg.Gateway, m, log)
	if err != nil {
		return nil, fmt.Errorf("init gateway: %w", err)
	}
	activeGateway, err := registry.Active()
	if err != nil {
		return nil, err
	}

	encryptor, err := crypto.NewAESEncryptor(cfg.Crypto.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("init encryptor: %w", err)
	}

	redisClient, err := cache.NewRedisClient(&cfg.Redis)
	var locker ledger.PaymentLocker
	if err != nil {
		// Redis is only used for refund serialization; a single instance
		// can run on the in-process locker.
		log.Warn("redis unavailable, falling back to in-process refund lock", zap.Error(err))
		locker = ledger.NewLocalPaymentLocker()
	} else {
		locker = ledger.NewRedisPaymentLocker(cache.NewLock(redisClient, "refund:", refundLockTTL))
	}

	repo := ledger.NewGormRepository(db)
	notifier := ledger.NewLogNotifier(log)
	service := ledger.NewService(repo, activeGateway, encryptor, locker, notifier, m, log)

	var archiver *audit.Archiver
	if cfg.Archive.Enabled {
		store, err := audit.NewS3Store(&cfg.Archive)
		if err != nil {
			return nil, fmt.Errorf("init archive storage: %w", err)
		}
		archiver = audit.NewArchiver(repo, store, cfg.Archive.Interval, log)
		archiver.Start()
	}

	router := buildRouter(cfg, log, m, service, repo, registry)

	return &App{
		cfg:      cfg,
		logger:   log,
		db:       db,
		redis:    redisClient,
		router:   router,
		archiver: archiver,
	}, nil
}

func buildRouter(
	cfg *config.Config,
	log *zap.Logger,
	m *metrics.Metrics,
	service *ledger.Service,
	repo ledger.Repository,
	registry *gateway.Registry,
) *gin.Engine {
	router := gin.New()
	router.Use(middleware.Recovery(log))
	router.Use(middleware.Metrics(m))
	router.Use(cors.Default())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	ledger.NewHandler(service).RegisterRoutes(router)
	ledger.NewWebhookHandler(service, repo, registry, &cfg.Gateway, m, log).RegisterRoutes(router)

	return router
}

// Router returns the HTTP handler.
func (a *App) Router() http.Handler {
	return a.router
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Stop shuts down background workers and connections.
func (a *App) Stop() {
	if a.archiver != nil {
		a.archiver.Stop()
	}
	if a.redis != nil {
		if err := cache.Close(a.redis); err != nil {
			a.logger.Warn("close redis", zap.Error(err))
		}
	}
	if err := database.Close(a.db); err != nil {
		a.logger.Warn("close database", zap.Error(err))
	}
	_ = a.logger.Sync()
}
