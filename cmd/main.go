package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mirai/internal/automation"
	"mirai/internal/bus"
	"mirai/internal/clock"
	"mirai/internal/config"
	"mirai/internal/ha"
	"mirai/internal/kv"
	"mirai/internal/mqtt"
	"mirai/internal/scheduler"
	"mirai/internal/statecache"

	// Registered automations.
	_ "mirai/automations/nightlight"
	_ "mirai/automations/pomodoro"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mirai: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// .env is optional; real deployments set the environment directly.
	godotenv.Load()

	debug := os.Getenv("MIRAI_DEBUG") == "true"
	logger, err := newLogger(debug)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := config.FromEnv(logger)
	if err != nil {
		logger.Error("configuration error", zap.Error(err))
		return err
	}

	logger.Info("starting mirai",
		zap.String("ha", cfg.HAWebSocketURL()),
		zap.String("mqtt", cfg.MQTTBrokerURL()),
		zap.String("timezone", cfg.Timezone.String()))

	store, err := kv.Open(cfg.DataDir)
	if err != nil {
		logger.Error("failed to open global state store", zap.Error(err))
		return err
	}
	defer store.Close()

	b := bus.New(logger.Named("bus"))

	cache := statecache.New(logger.Named("statecache"))
	cache.Start(b.Subscribe(bus.TopicHAEvents))
	defer cache.Stop()

	haClient := ha.NewClient(cfg.HAWebSocketURL(), cfg.HAToken, b, logger.Named("ha"))

	mqttConn := mqtt.New(mqtt.Config{
		BrokerURL: cfg.MQTTBrokerURL(),
		ClientID:  cfg.MQTTClientID,
		Filters:   mqtt.DefaultFilters(),
	}, b, logger.Named("mqtt"))

	clk := clock.NewRealClock()

	sup := automation.NewSupervisor(automation.Deps{
		Bus:     b,
		HA:      haClient,
		MQTT:    mqttConn,
		States:  cache,
		Globals: store,
		Clock:   clk,
		Logger:  logger.Named("automation"),
	})

	// Actors must be subscribed before the connectors produce events.
	if err := sup.Start(automation.List()); err != nil {
		logger.Error("failed to start automations", zap.Error(err))
		return err
	}

	var loc *scheduler.Location
	if cfg.Latitude != nil && cfg.Longitude != nil {
		loc = &scheduler.Location{Latitude: *cfg.Latitude, Longitude: *cfg.Longitude}
	}
	sched := scheduler.New(scheduler.Config{
		Timezone: cfg.Timezone,
		Location: loc,
	}, clk, sup.Deliver, logger.Named("scheduler"))
	for name, decls := range sup.Schedules() {
		sched.Add(name, decls)
	}

	mqttCtx, mqttCancel := context.WithCancel(context.Background())
	defer mqttCancel()

	haClient.Start()
	if err := mqttConn.Start(mqttCtx); err != nil {
		logger.Error("failed to start mqtt session", zap.Error(err))
		return err
	}

	// Bootstrap is async: a slow or absent REST API never blocks
	// startup, live events fill the cache instead.
	go cache.Bootstrap(context.Background(), cfg.HARestURL(), cfg.HAToken)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	logger.Info("mirai running")
	<-sigCh

	logger.Info("shutting down")
	sched.Stop()
	sup.Stop()
	haClient.Close()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := mqttConn.Stop(stopCtx); err != nil {
		logger.Warn("mqtt shutdown error", zap.Error(err))
	}
	mqttCancel()

	return nil
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
