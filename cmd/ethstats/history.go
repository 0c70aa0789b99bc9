package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"ethstats/internal/config"
	"ethstats/internal/progress"
)

func newHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "查看已完成的扫描记录",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := loadViper(cmd)
			if err != nil {
				return err
			}
			cfg, err := config.Decode(v)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}

			history, err := progress.NewManager(cfg.Progress.DBPath, logger)
			if err != nil {
				return err
			}
			defer history.Close()

			return printHistory(history, limit)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "显示最近 N 条记录（0 表示全部）")
	return cmd
}

func printHistory(history *progress.Manager, limit int) error {
	records, err := history.List(limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("暂无扫描记录")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTART\tEND\tBLOCKS\tUNAVAILABLE\tTXS\tADDRESSES\tTRACE\tDURATION\tFINISHED")
	for _, r := range records {
		fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%d\t%d\t%d\t%t\t%s\t%s\n",
			r.ID, r.StartBlock, r.EndBlock, r.ScannedBlocks, r.UnavailableBlocks,
			r.Transactions, r.Addresses, r.Trace,
			r.Duration.Round(time.Millisecond), r.FinishedAt.Local().Format(time.RFC3339))
	}
	return w.Flush()
}
