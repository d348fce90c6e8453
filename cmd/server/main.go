package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/otadbridge/otadbridge/api/router"
	"github.com/otadbridge/otadbridge/internal/config"
	"github.com/otadbridge/otadbridge/internal/database"
	"github.com/otadbridge/otadbridge/internal/service"
	"github.com/otadbridge/otadbridge/pkg/logger"
	"github.com/otadbridge/otadbridge/simulate"
)

func main() {
	// 加载配置
	cfg, err := config.Load("configs/config.yaml")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		FilePath:   cfg.Log.FilePath,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	}); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	logger.Info("Starting OTAD Bridge Server", "version", "1.0.0")
	logger.Info("Vendor tool configured", "tool", cfg.Rig.Tool,
		"controller", cfg.Controller.Name, "mode", cfg.Controller.Mode)

	// 初始化数据库
	if err := database.InitSQLite(cfg.Database.SQLite); err != nil {
		logger.Fatal("Failed to initialize database", "error", err)
	}
	defer database.Close()

	// 转台操作服务（含 transcript 归档）
	storage := service.NewStorageWriter(cfg)
	rigService := service.NewRigService(cfg, storage)
	ctx := context.Background()
	if err := rigService.Start(ctx); err != nil {
		logger.Fatal("Failed to start rig service", "error", err)
	}
	defer rigService.Stop()

	// 环拍编排服务
	sweepService := service.NewSweepService(cfg, rigService)
	if err := sweepService.Start(ctx); err != nil {
		logger.Fatal("Failed to start sweep service", "error", err)
	}
	defer sweepService.Stop()

	// 启动模拟转台主机（可选）
	var simMgr *simulate.Manager
	if cfg.Server.SimulateEnable {
		simPath := "simulate/simulate.yaml"
		if _, err := os.Stat(simPath); err != nil {
			logger.Warn("Simulate: simulate.yaml missing, skip starting simulate host", "path", simPath, "error", err)
		} else {
			sc, err := simulate.LoadConfig(simPath)
			if err != nil {
				logger.Warn("Simulate: failed to load simulate.yaml", "error", err)
			} else {
				mgr, err := simulate.Start(sc)
				if err != nil {
					logger.Warn("Simulate: failed to start", "error", err)
				} else {
					simMgr = mgr
					logger.Info("Simulate: started", "listen", mgr.Addr(), "devices", len(sc.Devices))
				}
			}
		}
	}
	defer func() {
		if simMgr != nil {
			simMgr.Stop()
		}
	}()

	// 设置路由
	r := router.SetupRouter(rigService, sweepService)

	// 创建HTTP服务器
	server := &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:        r,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	// 启动服务器
	go func() {
		logger.Info("Server starting", "port", cfg.Server.Port, "mode", cfg.Server.Mode)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", "error", err)
		}
	}()

	// 配置文件监听与热更新
	go func() {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			logger.Warn("Config watch init failed", "error", err)
			return
		}
		defer watcher.Close()
		path := "configs/config.yaml"
		if err := watcher.Add(path); err != nil {
			logger.Warn("Config watch add failed", "error", err)
			return
		}
		var debounce *time.Timer
		debounceInterval := 300 * time.Millisecond
		trigger := func() {
			newCfg, err := config.Load(path)
			if err != nil {
				logger.Warn("Config reload failed", "error", err)
				return
			}
			// 原地覆盖，保持指针不变
			*cfg = *newCfg
			// 刷新日志配置
			_ = logger.Init(logger.Config{
				Level:      cfg.Log.Level,
				Format:     cfg.Log.Format,
				Output:     cfg.Log.Output,
				FilePath:   cfg.Log.FilePath,
				MaxSize:    cfg.Log.MaxSize,
				MaxBackups: cfg.Log.MaxBackups,
				MaxAge:     cfg.Log.MaxAge,
				Compress:   cfg.Log.Compress,
			})
			logger.Info("Config reloaded")
			// 模拟开关变化时动态启停
			if cfg.Server.SimulateEnable && simMgr == nil {
				simPath := "simulate/simulate.yaml"
				sc, err := simulate.LoadConfig(simPath)
				if err != nil {
					logger.Warn("Simulate: failed to load simulate.yaml on config reload", "error", err)
				} else {
					mgr, err := simulate.Start(sc)
					if err != nil {
						logger.Warn("Simulate: failed to start on config reload", "error", err)
					} else {
						simMgr = mgr
						logger.Info("Simulate: started by config reload")
					}
				}
			} else if !cfg.Server.SimulateEnable && simMgr != nil {
				simMgr.Stop()
				simMgr = nil
				logger.Info("Simulate: stopped by config reload")
			}
		}
		for {
			select {
			case ev := <-watcher.Events:
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					if debounce != nil {
						debounce.Stop()
					}
					debounce = time.AfterFunc(debounceInterval, trigger)
				}
			case err := <-watcher.Errors:
				logger.Warn("Config watch error", "error", err)
			}
		}
	}()

	// simulate.yaml 监听与热更新
	go func() {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			logger.Warn("Simulate watch init failed", "error", err)
			return
		}
		defer watcher.Close()
		path := "simulate/simulate.yaml"
		if _, err := os.Stat(path); err != nil {
			logger.Warn("Simulate: simulate.yaml not found, skip watch", "error", err)
			return
		}
		if err := watcher.Add(path); err != nil {
			logger.Warn("Simulate watch add failed", "error", err)
			return
		}
		var debounce *time.Timer
		debounceInterval := 300 * time.Millisecond
		trigger := func() {
			sc, err := simulate.LoadConfig(path)
			if err != nil {
				logger.Warn("Simulate: reload simulate.yaml failed", "error", err)
				return
			}
			if !cfg.Server.SimulateEnable {
				logger.Info("Simulate: reload ignored, simulate disabled")
				return
			}
			if simMgr == nil {
				mgr, err := simulate.Start(sc)
				if err != nil {
					logger.Warn("Simulate: start failed on simulate reload", "error", err)
					return
				}
				simMgr = mgr
				logger.Info("Simulate: started by simulate reload")
			} else {
				if err := simMgr.Reload(sc); err != nil {
					logger.Warn("Simulate: hot reload failed", "error", err)
				} else {
					logger.Info("Simulate: hot reload success")
				}
			}
		}
		for {
			select {
			case ev := <-watcher.Events:
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					if debounce != nil {
						debounce.Stop()
					}
					debounce = time.AfterFunc(debounceInterval, trigger)
				}
			case err := <-watcher.Errors:
				logger.Warn("Simulate watch error", "error", err)
			}
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Server shutting down...")

	// 优雅关闭服务器
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	} else {
		logger.Info("Server shutdown complete")
	}
}
