package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"ethstats/internal/config"
	"ethstats/internal/progress"
	"ethstats/internal/scanner"
	"ethstats/internal/shutdown"
)

// scanFlags 只在命令行中出现、无法直接绑定到配置键的参数
type scanFlags struct {
	rpc         string
	rpcFallback []string
	start       uint64
	end         uint64
	noBalance   bool
}

// flagBindings 命令行参数到配置键的映射
var flagBindings = map[string]string{
	"last-blocks":   "scan.last_blocks",
	"concurrency":   "scan.concurrency",
	"batch-size":    "scan.chunk_size",
	"trace":         "scan.trace",
	"check-success": "scan.check_success",
	"balance-limit": "scan.balance_limit",
	"output":        "output.directory",
	"format":        "output.formats",
}

func newScanCmd() *cobra.Command {
	cmd, _ := scanCommand()
	return cmd
}

func scanCommand() (*cobra.Command, *scanFlags) {
	flags := &scanFlags{}
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "扫描区块范围并输出地址统计",
		Example: `  ethstats scan --rpc https://eth.llamarpc.com --last-blocks 100
  ethstats scan --start 19000000 --end 19000100 --trace --check-success`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd, flags)
		},
	}

	f := cmd.Flags()
	f.StringVar(&flags.rpc, "rpc", "", "主 RPC 节点")
	f.StringSliceVar(&flags.rpcFallback, "rpc-fallback", nil, "备用 RPC 节点（可重复）")
	f.Uint64Var(&flags.start, "start", 0, "起始区块号")
	f.Uint64Var(&flags.end, "end", 0, "结束区块号")
	f.BoolVar(&flags.noBalance, "no-balance", false, "不查询余额")

	f.Uint64("last-blocks", 0, "扫描最近 N 个区块")
	f.Int("concurrency", 0, "并发批量请求数")
	f.Int("batch-size", 0, "每个批量请求的条目数")
	f.Bool("trace", false, "统计来自合约的内部转账")
	f.Bool("check-success", false, "只统计执行成功的交易")
	f.Int("balance-limit", 0, "只查询排序后前 N 个地址的余额（0 表示全部）")
	f.String("output", "", "输出目录")
	f.StringSlice("format", nil, "输出格式 csv,json")
	return cmd, flags
}

// bindFlags 把命令行参数绑定到 viper，只有显式设置的参数覆盖配置
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagBindings {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			return fmt.Errorf("绑定参数 %s 失败: %w", name, err)
		}
	}
	return nil
}

// buildConfig 合并配置文件、环境变量、数据库与命令行参数
func buildConfig(cmd *cobra.Command, flags *scanFlags) (*config.Config, error) {
	v, err := loadViper(cmd)
	if err != nil {
		return nil, err
	}
	if err := bindFlags(v, cmd.Flags()); err != nil {
		return nil, err
	}
	cfg, err := config.Decode(v)
	if err != nil {
		return nil, err
	}
	if err := config.ApplyDatabase(cfg, nil); err != nil {
		return nil, err
	}

	if flags.rpc != "" {
		cfg.RPC.SetEndpoints(flags.rpc, flags.rpcFallback)
	}
	if flags.noBalance {
		cfg.Scan.Balances = false
	}

	startSet, endSet := cmd.Flags().Changed("start"), cmd.Flags().Changed("end")
	if startSet || endSet {
		if !cmd.Flags().Changed("last-blocks") {
			cfg.Scan.LastBlocks = 0
		}
		cfg.Scan.StartBlock, cfg.Scan.EndBlock = nil, nil
		if startSet {
			start := flags.start
			cfg.Scan.StartBlock = &start
		}
		if endSet {
			end := flags.end
			cfg.Scan.EndBlock = &end
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runScan(cmd *cobra.Command, flags *scanFlags) error {
	cfg, err := buildConfig(cmd, flags)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	history, err := progress.NewManager(cfg.Progress.DBPath, logger)
	if err != nil {
		logger.WithError(err).Warn("无法打开扫描历史，本次扫描不记录历史")
		history = nil
	}

	gs := shutdown.NewGracefulShutdown(cmd.Context(), 10*time.Second, logger)
	if history != nil {
		gs.RegisterShutdownFunc("history", func(ctx context.Context) error {
			return history.Close()
		}, shutdown.OrderCloseConnections)
	}
	gs.Start()
	defer gs.Close()

	spec := scanner.RangeSpec{
		LastBlocks: cfg.Scan.LastBlocks,
		Start:      cfg.Scan.StartBlock,
		End:        cfg.Scan.EndBlock,
	}
	res, record, err := scanner.NewRunner(cfg, history, logger).Run(gs.Context(), spec, scanner.OptionsFromConfig(cfg.Scan))
	if err != nil {
		if gs.IsShuttingDown() {
			logger.Warn("收到停机信号，扫描已中断")
		}
		return err
	}

	logger.WithFields(logrus.Fields{
		"id":          record.ID,
		"start_block": res.StartBlock,
		"end_block":   res.EndBlock,
		"blocks":      res.BlocksScanned,
		"unavailable": res.BlocksUnavailable,
		"txs":         res.Transactions,
		"skipped_txs": res.SkippedTxs,
		"addresses":   len(res.Rows),
		"duration":    res.Duration.String(),
	}).Info("扫描结束")
	return nil
}
