package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"telegram-relay/internal/app"
	"telegram-relay/internal/infra/config"
	"telegram-relay/internal/infra/logger"
	"telegram-relay/internal/infra/pr"
)

func main() {
	// envPath определяет расположение .env с секретами и общими настройками.
	envPath := flag.String("env", "assets/.env", "path to .env file")
	flag.Parse()

	// config.Load загружает конфигурацию из .env и окружения.
	if err := config.Load(*envPath); err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	// В CLI-режиме readline забирает stdin, а логи идут через его буферы,
	// чтобы не рвать строку ввода.
	if config.Env().CLIEnable {
		if err := pr.Init(); err != nil {
			logger.Fatal("failed to init interactive console", zap.Error(err))
		}
	}

	logger.Init(config.Env().LogLevel)
	if config.Env().CLIEnable {
		logger.SetWriters(pr.Stdout(), pr.Stderr())
	}
	if config.Env().LogFile != "" {
		logger.EnableFileSink(logger.FileSinkConfig{
			Path:       config.Env().LogFile,
			Level:      config.Env().LogFileLevel,
			MaxSizeMB:  config.Env().LogFileMaxSize,
			MaxBackups: config.Env().LogFileMaxBackups,
			MaxAgeDays: config.Env().LogFileMaxAge,
			Compress:   config.Env().LogFileCompress,
		})
	}
	for _, msg := range config.Warnings() {
		logger.Warn(msg)
	}

	// Контекст с обработкой системных сигналов (Ctrl+C/SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	a := app.NewApp()
	if iniErr := a.Init(ctx, stop); iniErr != nil {
		stop()
		logger.Fatal("app init failed", zap.Error(iniErr))
	}

	// Основной цикл; блокируется до shutdown.
	if runErr := a.Run(); runErr != nil {
		stop()
		logger.Fatal("app run failed", zap.Error(runErr))
	}
	stop()
	logger.Info("Graceful shutdown complete")
}
