package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"task-notifications/api"
	"task-notifications/config"
	"task-notifications/events"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "emit" {
		if err := emit(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "emit:", err)
			os.Exit(1)
		}
		return
	}

	configPath := flag.String("config", "", "path to a YAML config file")
	role := flag.String("role", string(api.RoleAll), "process role: gateway, notifications or all")
	flag.Parse()

	if err := run(*configPath, *role); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func InitLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	encoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())

	cores := []zapcore.Core{zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), level)}
	if cfg.File != "" {
		w := zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB, // MB
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays, // days
		})
		cores = append(cores, zapcore.NewCore(encoder, w, level))
	}

	return zap.New(zapcore.NewTee(cores...)), nil
}

func run(configPath, roleName string) error {
	role, err := api.ParseRole(roleName)
	if err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := InitLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := api.NewApp(ctx, cfg, role, logger)
	if err != nil {
		logger.Error("wiring failed", zap.Error(err))
		return err
	}
	defer app.Close()

	if err := app.Start(ctx); err != nil {
		logger.Error("broker start failed", zap.Error(err))
		return err
	}

	var servers []*http.Server
	if app.GatewayHandler != nil {
		servers = append(servers, &http.Server{Addr: cfg.Server.GatewayAddr, Handler: app.GatewayHandler})
	}
	if app.ServiceHandler != nil {
		servers = append(servers, &http.Server{Addr: cfg.Server.NotificationsAddr, Handler: app.ServiceHandler})
	}

	errc := make(chan error, len(servers))
	for _, srv := range servers {
		go func() {
			logger.Info("server is running", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- fmt.Errorf("serving %s: %w", srv.Addr, err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errc:
		logger.Error("server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			logger.Warn("shutdown", zap.String("addr", srv.Addr), zap.Error(serr))
		}
	}
	return err
}

// emit publishes one domain event, or a push to connected users, e.g.
//
//	task-notifications emit -config dev.yaml task.created '{"id":"t1","authorId":"u1","assigneeIds":["u2"]}'
//	task-notifications emit -config dev.yaml notification.broadcast '{"userIds":["u2"],"notification":{"id":"n1","type":"TASK_ASSIGNED","taskId":"t1"}}'
func emit(args []string) error {
	fs := flag.NewFlagSet("emit", flag.ExitOnError)
	configPath := fs.String("config", "", "path to a YAML config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return errors.New("usage: emit [-config file] <topic> <json payload>")
	}
	topic, payload := fs.Arg(0), fs.Arg(1)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if cfg.Redis.Addr == "" {
		return errors.New("redis.addr is required to reach a running service")
	}
	cfg.Log.File = ""
	logger, err := InitLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	publish, err := emitter(topic, []byte(payload))
	if err != nil {
		return err
	}

	ctx := context.Background()
	b, client, err := api.OpenBroker(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := publish(ctx, events.NewPublisher(b)); err != nil {
		return err
	}
	logger.Info("event emitted", zap.String("topic", topic))
	return nil
}

// emitter decodes payload for topic and returns the publisher call for it.
func emitter(topic string, payload []byte) (func(context.Context, *events.Publisher) error, error) {
	if topic == events.TopicNotificationBroadcast {
		var msg events.NotificationBroadcast
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", topic, err)
		}
		if len(msg.UserIDs) == 0 {
			return nil, errors.New("notification.broadcast needs at least one user id")
		}
		return func(ctx context.Context, p *events.Publisher) error {
			return p.Broadcast(ctx, msg)
		}, nil
	}

	evt, err := events.Decode(topic, payload)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, p *events.Publisher) error {
		return p.Publish(ctx, evt)
	}, nil
}
