package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"task-notifications/broker"
	"task-notifications/cache"
	"task-notifications/common"
	"task-notifications/config"
	"task-notifications/events"
	"task-notifications/middleware"
	"task-notifications/storage"
	"task-notifications/system"
	"task-notifications/ws"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type Role string

const (
	RoleGateway       Role = "gateway"
	RoleNotifications Role = "notifications"
	RoleAll           Role = "all"

	engineGroup = "notification-engine"
)

func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleGateway, RoleNotifications, RoleAll:
		return r, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

func (r Role) runsGateway() bool       { return r == RoleGateway || r == RoleAll }
func (r Role) runsNotifications() bool { return r == RoleNotifications || r == RoleAll }

// OpenBroker connects the broker described by cfg. Without a Redis address
// the in-memory broker is returned and the client is nil.
func OpenBroker(ctx context.Context, cfg *config.Config, logger *zap.Logger) (broker.Broker, *redis.Client, error) {
	if cfg.Redis.Addr == "" {
		return broker.NewMemory(logger, int(cfg.Broker.MaxDeliveries)), nil, nil
	}
	client, err := cache.InitRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", broker.ErrUnavailable, err)
	}
	b := broker.NewRedis(client, logger, broker.RedisOptions{
		InstanceID:    cfg.Broker.InstanceID,
		Consumers:     cfg.Broker.Consumers,
		ClaimIdle:     cfg.Broker.ClaimIdle,
		MaxDeliveries: cfg.Broker.MaxDeliveries,
		StreamMaxLen:  cfg.Broker.StreamMaxLen,
	})
	return b, client, nil
}

// App wires the components of one process role.
type App struct {
	Role      Role
	Broker    broker.Broker
	Publisher *events.Publisher

	// GatewayHandler is nil unless the role runs the gateway, ServiceHandler
	// unless it runs the notifications service.
	GatewayHandler http.Handler
	ServiceHandler http.Handler

	cfg    *config.Config
	logger *zap.Logger
	redis  *redis.Client
	db     *sqlx.DB
	pool   *system.NotificationWorkerPool
	hub    *ws.Hub
	stop   context.CancelFunc
}

func NewApp(ctx context.Context, cfg *config.Config, role Role, logger *zap.Logger) (_ *App, err error) {
	if cfg.Redis.Addr == "" && role != RoleAll {
		return nil, errors.New("roles other than all need redis.addr for the broker")
	}
	if cfg.Broker.InstanceID == "" {
		cfg.Broker.InstanceID = uuid.NewString()
	}

	app := &App{Role: role, cfg: cfg, logger: logger.With(zap.String("role", string(role)))}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	app.Broker, app.redis, err = OpenBroker(ctx, cfg, app.logger)
	if err != nil {
		return nil, err
	}
	app.Publisher = events.NewPublisher(app.Broker)

	if role.runsNotifications() {
		if err = app.wireNotifications(ctx); err != nil {
			return nil, err
		}
	}
	if role.runsGateway() {
		if err = app.wireGateway(); err != nil {
			return nil, err
		}
	}
	return app, nil
}

func (a *App) redisClient() cache.RedisClientInterface {
	if a.redis == nil {
		return nil
	}
	return a.redis
}

func (a *App) wireNotifications(ctx context.Context) error {
	db, err := storage.Open(ctx, a.cfg.Database.Driver, a.cfg.Database.DSN)
	if err != nil {
		return err
	}
	a.db = db
	if err := storage.Migrate(db, a.logger); err != nil {
		return err
	}

	counts := cache.NewUnreadCache(a.redisClient(), a.cfg.Gateway.UnreadCacheTTL, a.logger)
	repo := system.NewCachedRepository(storage.NewNotificationStore(db), counts)

	engine := system.NewEngine(repo, a.Publisher, a.logger)
	a.pool = system.NewNotificationWorkerPool(engine, a.cfg.Engine.Workers, a.cfg.Engine.QueueSize, a.logger)
	a.pool.Subscribe(a.Broker, engineGroup)

	handler := system.NewHandler(repo, a.logger)
	handler.Register(a.Broker)

	health := NewHealth(system.ServiceName).
		With("database", DatabaseCheck(handler)).
		ReadyWhen(DatabaseCheck(handler))
	a.ServiceHandler = NewServiceRouter(health)
	return nil
}

func (a *App) wireGateway() error {
	key, err := a.cfg.Auth.PublicKeyPEM()
	if err != nil {
		return err
	}
	verifier, err := common.NewVerifier(key)
	if err != nil {
		return err
	}

	client := system.NewNotificationsClient(a.Broker, a.cfg.Broker.RequestTimeout, a.cfg.Broker.HealthTimeout)

	a.hub = ws.NewHub(a.logger)
	ws.NewListener(a.hub, a.logger).Subscribe(a.Broker, broker.InstanceGroup("gateway", a.cfg.Broker.InstanceID))

	var limiter *middleware.RateLimiter
	if a.redis != nil {
		limiter = middleware.NewRateLimiter(a.redis, a.cfg.Gateway.RateLimit, a.cfg.Gateway.RateWindow)
	}

	notificationsCheck := NotificationsServiceCheck(client)
	a.GatewayHandler = NewRouter(GatewayDeps{
		WS:            ws.NewHandler(a.hub, verifier, client, a.cfg.Gateway.ReplayPageSize, a.cfg.Gateway.SendBuffer, a.logger),
		Health:        NewHealth("api-gateway").With("notificationsService", notificationsCheck).ReadyWhen(notificationsCheck),
		Verifier:      verifier,
		Notifications: NewNotificationsHandler(client, a.logger),
		Limiter:       limiter,
	})
	return nil
}

// Start runs the workers and the hub, then the broker consumers.
func (a *App) Start(ctx context.Context) error {
	ctx, a.stop = context.WithCancel(ctx)
	if a.pool != nil {
		a.pool.Start(ctx)
	}
	if a.hub != nil {
		go a.hub.Run(ctx)
	}
	if err := a.Broker.Start(ctx); err != nil {
		return err
	}
	a.logger.Info("started", zap.String("instance", a.cfg.Broker.InstanceID))
	return nil
}

// Close stops consuming first so that no event is taken from the broker
// after the workers are gone.
func (a *App) Close() error {
	var err error
	if a.Broker != nil {
		err = multierr.Append(err, a.Broker.Close())
	}
	if a.pool != nil {
		a.pool.Stop()
	}
	if a.stop != nil {
		a.stop()
	}
	if a.db != nil {
		err = multierr.Append(err, a.db.Close())
	}
	if a.redis != nil {
		err = multierr.Append(err, a.redis.Close())
	}
	return err
}
