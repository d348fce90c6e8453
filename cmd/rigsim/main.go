package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/otadbridge/otadbridge/pkg/logger"
	"github.com/otadbridge/otadbridge/simulate"
)

// 独立运行的模拟转盘主机：不起 HTTP 服务，只起 SSH 模拟端，
// 供联调与 mode=ssh / mode=sshpass 的真机演练使用。
func main() {
	configPath := flag.String("config", "simulate/simulate.yaml", "Path to simulate yaml config")
	listen := flag.String("listen", "", "Override listen address, e.g. 127.0.0.1:2322")
	level := flag.String("log_level", "info", "Log level: debug/info/warn/error")
	flag.Parse()

	if err := logger.Init(logger.Config{
		Level:  *level,
		Format: "text",
		Output: "console",
	}); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	cfg, err := simulate.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal("Failed to load simulate config", "path", *configPath, "error", err)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	mgr, err := simulate.Start(cfg)
	if err != nil {
		logger.Fatal("Failed to start simulate rig host", "error", err)
	}
	logger.Info("Simulate rig host running", "addr", mgr.Addr(), "devices", len(cfg.Devices), "tool", cfg.Tool)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Simulate rig host shutting down...")
	mgr.Stop()
}
