package scanner

import (
	"context"

	"github.com/sirupsen/logrus"

	"ethstats/internal/config"
	"ethstats/internal/output"
	"ethstats/internal/progress"
	"ethstats/internal/rpc"
	"ethstats/pkg/models"
)

// Runner 一次完整扫描：探测节点、解析范围、扫描、输出并写入历史
type Runner struct {
	cfg     *config.Config
	history *progress.Manager
	logger  *logrus.Logger
}

// NewRunner 创建扫描执行器，history 为 nil 时不记录历史
func NewRunner(cfg *config.Config, history *progress.Manager, logger *logrus.Logger) *Runner {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Runner{cfg: cfg, history: history, logger: logger}
}

// Run 执行扫描。输出失败时返回错误，但结果与记录仍然返回
func (r *Runner) Run(ctx context.Context, spec RangeSpec, opts Options) (*Result, *models.ScanRecord, error) {
	client, err := rpc.NewClient(r.cfg.RPC, r.logger)
	if err != nil {
		return nil, nil, err
	}
	endpoint, err := client.Probe(ctx)
	if err != nil {
		return nil, nil, err
	}

	start, end, err := ResolveRange(ctx, client, spec)
	if err != nil {
		return nil, nil, err
	}

	pipeline := NewPipeline(client, r.logger)
	if r.history != nil {
		r.history.Begin(start, end)
		defer r.history.Finish()
		pipeline.OnProgress(r.history.UpdateProgress)
	}

	res, err := pipeline.Scan(ctx, start, end, opts)
	if err != nil {
		return nil, nil, err
	}
	r.logSoftErrors(pipeline)

	record := res.Record(client.Pool().Current())
	if record.Endpoint == "" {
		record.Endpoint = endpoint
	}
	if r.history != nil {
		if err := r.history.Save(record); err != nil {
			r.logger.WithError(err).Warn("保存扫描记录失败")
		}
	}

	if err := r.writeOutputs(res.Rows); err != nil {
		return res, record, err
	}
	return res, record, nil
}

func (r *Runner) writeOutputs(rows []*models.AddressStats) error {
	if r.cfg.Output == nil {
		return nil
	}
	outputs, err := output.NewOutputs(r.cfg.Output, r.logger)
	if err != nil {
		return err
	}
	if err := output.WriteAll(outputs, rows); err != nil {
		output.CloseAll(outputs)
		return err
	}
	return output.CloseAll(outputs)
}

func (r *Runner) logSoftErrors(p *Pipeline) {
	stats := p.Errors().GetStats()
	if stats.TotalErrors == 0 {
		return
	}
	fields := logrus.Fields{"total": stats.TotalErrors}
	for typ, n := range stats.ErrorsByType {
		fields[typ.String()] = n
	}
	r.logger.WithFields(fields).Warn("扫描期间跳过的局部失败")
}
