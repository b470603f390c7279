package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"chatbridge/broker"
	"chatbridge/config"
	"chatbridge/control"
	"chatbridge/db"
	"chatbridge/remote"
	"chatbridge/transport"
	"chatbridge/web"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "chatbridge: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load(args, os.Getenv)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	if cfg.HashPassword {
		return hashPassword()
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.ResetStore {
		if err := db.Reset(ctx, cfg.StorePath); err != nil {
			return err
		}
		logger.Warn("store reset, all sessions and queued messages discarded", zap.String("path", cfg.StorePath))
		return nil
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	clock := quartz.NewReal()
	database, err := db.New(ctx, cfg.StorePath, clock)
	var versionErr *db.VersionError
	if errors.As(err, &versionErr) {
		logger.Error("refusing to start on a store from another version",
			zap.Int("found", versionErr.Found),
			zap.Int("expected", versionErr.Expected),
			zap.Bool("in_flight", versionErr.Stats == nil || versionErr.Stats.InFlight()),
		)
		return xerrors.Errorf("%w (inspect it, then run with --reset-store to discard it)", err)
	}
	if err != nil {
		return err
	}
	defer database.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	client := transport.NewMSIM(transport.MSIMConfig{
		Addr:              cfg.MSIM.Addr,
		Login:             cfg.MSIM.Login,
		Password:          cfg.MSIM.Password,
		Contacts:          cfg.LocalUsers,
		KeepaliveInterval: cfg.MSIM.KeepaliveInterval,
	}, clock, logger)

	b := broker.New(broker.Config{
		LocalUsers:        cfg.LocalUsers,
		ProcessSlice:      cfg.ProcessSlice,
		ReconnectDelay:    cfg.ReconnectDelay,
		ReconnectAttempts: cfg.ReconnectAttempts,
	}, database, client, clock, logger, registry)

	api := web.NewAPI(remote.New(database, logger), registry, logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ctl := control.New(cfg.ControlSocket, database, cfg.ControlPasswordHash, cancel, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.Run(gctx) })
	g.Go(func() error { return api.Serve(gctx, cfg.HTTPAddr) })
	g.Go(func() error { return ctl.Serve(gctx) })

	logger.Info("chatbridge started",
		zap.String("store", cfg.StorePath),
		zap.Strings("local_users", cfg.LocalUsers),
		zap.String("msim", cfg.MSIM.Addr),
	)
	err = g.Wait()
	logger.Info("chatbridge stopped", zap.Error(err))
	return err
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, xerrors.Errorf("log level: %w", err)
	}

	encCfg := zapcore.EncoderConfig{
		TimeKey:      "ts",
		LevelKey:     "level",
		NameKey:      "logger",
		CallerKey:    "caller",
		MessageKey:   "msg",
		LineEnding:   zapcore.DefaultLineEnding,
		EncodeTime:   zapcore.ISO8601TimeEncoder,
		EncodeLevel:  zapcore.LowercaseLevelEncoder,
		EncodeCaller: zapcore.ShortCallerEncoder,
	}
	encoder := zapcore.NewJSONEncoder(encCfg)
	if cfg.LogDevelopment {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stderr), level)
	return zap.New(core, zap.AddCaller()), nil
}

func hashPassword() error {
	fmt.Fprint(os.Stderr, "Password: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return xerrors.Errorf("read password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return xerrors.New("empty password")
	}

	hash, err := control.HashPassword(password)
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}
