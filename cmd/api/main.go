package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"ethstats/internal/api"
	"ethstats/internal/config"
	"ethstats/internal/logging"
	"ethstats/internal/progress"
	"ethstats/internal/scanner"
	"ethstats/internal/shutdown"
)

var (
	configPath = flag.String("config", "configs/config.yaml", "配置文件路径")
	listen     = flag.String("listen", "", "API 监听地址（覆盖配置）")
	verbose    = flag.Bool("verbose", false, "详细输出")
)

func main() {
	flag.Parse()
	_ = godotenv.Load()

	path := *configPath
	if _, err := os.Stat(path); err != nil {
		path = ""
	}
	cfg, err := config.LoadConfig(path, nil)
	if err != nil {
		logrus.Fatalf("加载配置失败: %v", err)
	}
	if *verbose {
		cfg.Logging.Level = "debug"
	}
	if *listen != "" {
		cfg.API.Listen = *listen
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		logrus.Fatalf("初始化日志失败: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("配置无效: %v", err)
	}

	history, err := progress.NewManager(cfg.Progress.DBPath, logger)
	if err != nil {
		logger.Fatalf("打开扫描历史失败: %v", err)
	}

	server := api.NewServer(cfg, scanner.NewRunner(cfg, history, logger), history, logger)
	if dsn := os.Getenv(config.EnvPrefix + "_DB_DSN"); dsn != "" {
		dbConfig, err := config.NewDatabaseConfig(dsn, logger)
		if err != nil {
			logger.Fatalf("连接配置数据库失败: %v", err)
		}
		defer dbConfig.Close()
		server.WithConfigManager(api.NewConfigManager(dbConfig, logger))
	}

	gs := shutdown.NewGracefulShutdown(context.Background(), 30*time.Second, logger)
	gs.RegisterShutdownFunc("http", server.Stop, shutdown.OrderStopAcceptingRequests)
	gs.RegisterShutdownFunc("scan", server.WaitScan, shutdown.OrderWaitForScan)
	gs.RegisterShutdownFunc("history", func(ctx context.Context) error {
		return history.Close()
	}, shutdown.OrderCloseConnections)
	gs.Start()

	go func() {
		if err := server.Start(cfg.API.Listen); err != nil {
			logger.Errorf("API服务器异常退出: %v", err)
			gs.Shutdown()
		}
	}()

	<-gs.Done()
	logger.Info("服务器已关闭")
}
