package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ethstats/internal/config"
	apperrors "ethstats/internal/errors"
	"ethstats/internal/logging"
)

const defaultConfigPath = "configs/config.yaml"

var (
	configFile string
	verbose    bool
)

func main() {
	// .env 不存在时忽略
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:           "ethstats",
		Short:         "以太坊地址行为统计工具",
		Long:          `通过公共 JSON-RPC 节点扫描区块范围，统计每个地址的交易、合约交互与内部转账次数`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", defaultConfigPath, "配置文件路径")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "详细输出")

	rootCmd.AddCommand(newScanCmd(), newHistoryCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "执行失败: %v\n", err)
		if apperrors.IsFatal(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// loadViper 读取配置文件；使用默认路径且文件不存在时只用默认值和环境变量
func loadViper(cmd *cobra.Command) (*viper.Viper, error) {
	path := configFile
	if !cmd.Flags().Changed("config") {
		if _, err := os.Stat(path); err != nil {
			path = ""
		}
	}
	return config.NewViper(path)
}

// newLogger 按配置创建日志器，--verbose 覆盖日志级别
func newLogger(cfg *config.Config) (*logrus.Logger, error) {
	logCfg := cfg.Logging
	if logCfg == nil {
		logCfg = logging.DefaultLogConfig
	}
	if verbose {
		copied := *logCfg
		copied.Level = "debug"
		logCfg = &copied
	}
	return logging.NewLogger(logCfg)
}
