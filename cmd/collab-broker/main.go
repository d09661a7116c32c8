package main

import (
	"context"
	"time"

	"github.com/maoniu-cloud/collab-broker/internal/auth"
	"github.com/maoniu-cloud/collab-broker/internal/bus"
	"github.com/maoniu-cloud/collab-broker/internal/config"
	"github.com/maoniu-cloud/collab-broker/internal/connection"
	"github.com/maoniu-cloud/collab-broker/internal/dispatch"
	"github.com/maoniu-cloud/collab-broker/internal/event"
	"github.com/maoniu-cloud/collab-broker/internal/flush"
	"github.com/maoniu-cloud/collab-broker/internal/logger"
	"github.com/maoniu-cloud/collab-broker/internal/persist"
	"github.com/maoniu-cloud/collab-broker/internal/reaper"
	"github.com/maoniu-cloud/collab-broker/internal/registry"
	"github.com/maoniu-cloud/collab-broker/internal/server"
	"github.com/maoniu-cloud/collab-broker/internal/utils"
)

func main() {
	cfg, err := config.ReadConfig()
	if err != nil {
		logger.FatalF("Error occured while reading config %v", err)
		return
	}
	loggerCallback := logger.Init()
	logger.Debug("Application initializing...")
	cleaner := event.NewCleaner()
	cleaner.Init(loggerCallback)
	defer cleaner.Clean()

	ctx := context.Background()

	reg := registry.NewRedisRegistry(cfg)
	if err := reg.Connect(ctx); err != nil {
		logger.FatalF("Error occured while connecting to session registry, details: %v", err)
		return
	}
	// 清空上次运行残留的会话记录
	if err := reg.Reset(ctx); err != nil {
		logger.ErrorF("Fail to reset session registry, details: %v", err)
	}
	cleaner.Add(registry.NewCloseCallback(reg))

	var backend persist.Backend
	switch cfg.Backend.Type {
	case "mongodb":
		mongoBackend, err := persist.NewMongoBackend(cfg)
		if err != nil {
			logger.FatalF("Error occured while initializing database, details: %v", err)
			return
		}
		cleaner.Add(persist.NewMongoCloseCallback(mongoBackend))
		backend = mongoBackend
	default:
		backend = persist.NewHTTPBackend(cfg.SiteDomain)
	}

	conns := connection.GetManager()
	debouncer := flush.NewDebouncer(reg, backend, utils.DurationOr(cfg.FlushInterval, 15*time.Second))
	cleaner.Add(flush.NewCloseCallback(debouncer))

	forwarder := bus.NewForwarder(reg, conns)
	workBus := bus.NewRedisBus(cfg, forwarder)
	if err := workBus.Start(ctx); err != nil {
		logger.FatalF("Error occured while starting work bus, details: %v", err)
		return
	}
	cleaner.Add(bus.NewCloseCallback(workBus))

	resolver := auth.NewHTTPResolver(cfg.SiteDomain)
	dispatcher := dispatch.NewDispatcher(reg, workBus, resolver, debouncer, conns)

	heartbeat := reaper.New(conns,
		utils.DurationOr(cfg.Heartbeat.Interval, time.Minute),
		utils.DurationOr(cfg.Heartbeat.Threshold, 2*time.Hour),
	)
	heartbeat.Start()
	cleaner.Add(reaper.NewCloseCallback(heartbeat))

	server.NewServer(dispatcher, conns).Start(cfg.AppPort)
}
