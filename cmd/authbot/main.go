package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"telegram-authbot/internal/app"
	"telegram-authbot/internal/infra/config"
	"telegram-authbot/internal/infra/logger"
	"telegram-authbot/internal/support/version"
)

func main() {
	// envPath определяет расположение .env с секретами и общими настройками.
	envPath := flag.String("env", "assets/.env", "path to .env file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	if err := config.Load(*envPath); err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	cfg := config.Env()

	logger.Init(cfg.LogLevel)
	logger.InitFile(logger.FileOptions{
		Path:       cfg.LogFile,
		Level:      cfg.LogFileLevel,
		MaxSizeMB:  cfg.LogFileMaxSize,
		MaxBackups: cfg.LogFileMaxBackups,
		MaxAgeDays: cfg.LogFileMaxAge,
		Compress:   cfg.LogFileCompress,
	})
	for _, msg := range config.Warnings() {
		logger.Warn(msg)
	}

	// Контекст с обработкой системных сигналов (Ctrl+C/SIGTERM). stop() снимает подписку
	// и используется командой exit консоли как общий триггер остановки.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	a := app.NewApp(ctx, stop, cfg)
	if err := a.Init(); err != nil {
		stop()
		logger.Fatal("app init failed", zap.Error(err))
	}

	if err := a.Run(); err != nil {
		stop()
		logger.Fatal("app run failed", zap.Error(err))
	}
	stop()
	logger.Info("Graceful shutdown complete")
	logger.Close()
}
