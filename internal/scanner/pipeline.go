package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"ethstats/internal/balance"
	"ethstats/internal/config"
	"ethstats/internal/contract"
	apperrors "ethstats/internal/errors"
	"ethstats/internal/fetcher"
	"ethstats/internal/logging"
	"ethstats/internal/metrics"
	"ethstats/internal/rpc"
	"ethstats/internal/trace"
	"ethstats/internal/validation"
	"ethstats/pkg/models"
)

// Client 扫描需要的 RPC 能力
type Client interface {
	Call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error)
	Batch(ctx context.Context, reqs []rpc.Request) ([]rpc.Result, error)
}

// Options 扫描选项
type Options struct {
	Concurrency  int
	Window       int
	ChunkSize    int
	Trace        bool
	CheckSuccess bool
	Balances     bool
	BalanceLimit int // 0 表示全部
	BalanceBatch bool
	BalanceDelay time.Duration
}

// OptionsFromConfig 从扫描配置生成选项
func OptionsFromConfig(cfg *config.ScanConfig) Options {
	return Options{
		Concurrency:  cfg.Concurrency,
		Window:       cfg.Window,
		ChunkSize:    cfg.ChunkSize,
		Trace:        cfg.Trace,
		CheckSuccess: cfg.CheckSuccess,
		Balances:     cfg.Balances,
		BalanceLimit: cfg.BalanceLimit,
		BalanceBatch: cfg.BalanceBatch,
		BalanceDelay: cfg.BalanceDelay,
	}
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = fetcher.DefaultConcurrency
	}
	if o.Window <= 0 {
		o.Window = fetcher.DefaultWindow
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = contract.DefaultChunkSize
	}
	if o.BalanceLimit < 0 {
		o.BalanceLimit = 0
	}
	return o
}

// Result 一次扫描的输出
type Result struct {
	StartBlock        uint64
	EndBlock          uint64
	Rows              []*models.AddressStats
	BlocksScanned     uint64
	BlocksUnavailable uint64
	BlocksTraced      uint64
	TraceUnsupported  uint64
	Transactions      uint64
	SkippedTxs        uint64
	BalancesFetched   int
	Options           Options
	Duration          time.Duration
}

// Record 转换为扫描历史记录
func (r *Result) Record(endpoint string) *models.ScanRecord {
	return &models.ScanRecord{
		StartBlock:        r.StartBlock,
		EndBlock:          r.EndBlock,
		ScannedBlocks:     r.BlocksScanned,
		UnavailableBlocks: r.BlocksUnavailable,
		Transactions:      r.Transactions,
		SkippedTxs:        r.SkippedTxs,
		TracedBlocks:      r.BlocksTraced,
		Addresses:         len(r.Rows),
		Trace:             r.Options.Trace,
		CheckSuccess:      r.Options.CheckSuccess,
		Endpoint:          endpoint,
		Duration:          r.Duration,
		FinishedAt:        time.Now().UTC(),
	}
}

// ProgressFunc 每处理完一批区块回调一次
type ProgressFunc func(processed, total uint64)

// Pipeline 区块扫描流水线
type Pipeline struct {
	client    Client
	logger    *logrus.Logger
	errors    *apperrors.ErrorHandler
	validator *validation.Validator
	progress  ProgressFunc
}

// NewPipeline 创建扫描流水线
func NewPipeline(client Client, logger *logrus.Logger) *Pipeline {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	errs := apperrors.NewErrorHandler(logger)
	errs.AddCallback(countSoftError)
	return &Pipeline{
		client:    client,
		logger:    logger,
		errors:    errs,
		validator: validation.NewValidator(logger, false),
	}
}

func countSoftError(err *apperrors.ScanError) {
	metrics.SoftErrorsTotal.WithLabelValues(err.Type.String(), err.Component).Inc()
}

// OnProgress 设置进度回调
func (p *Pipeline) OnProgress(fn ProgressFunc) *Pipeline {
	p.progress = fn
	return p
}

// Errors 错误处理器
func (p *Pipeline) Errors() *apperrors.ErrorHandler {
	return p.errors
}

// chunk 一批预取好的区块，blocks 与 numbers 等长同序
type chunk struct {
	numbers []uint64
	blocks  []*models.Block
}

// run 单次扫描的状态，acc 和 res 只由消费协程修改
type run struct {
	*Pipeline
	opts      Options
	contracts *contract.Cache
	tracer    *trace.Analyzer
	acc       *accumulator
	res       *Result
	total     uint64
	processed uint64
}

// Scan 扫描闭区间 [start, end] 并返回每个地址的统计
//
// 生产协程按 Concurrency×Window 的块数预取区块，消费协程处理上一批的同时预取下一批。
// 只有传输层重试耗尽（或 ctx 取消）会终止扫描，单个区块或地址的失败只记录并跳过。
func (p *Pipeline) Scan(ctx context.Context, start, end uint64, opts Options) (*Result, error) {
	if end < start {
		return nil, apperrors.Wrap(apperrors.ErrInvalidRange, fmt.Errorf("end(%d) < start(%d)", end, start))
	}
	opts = opts.withDefaults()
	began := time.Now()

	r := &run{
		Pipeline:  p,
		opts:      opts,
		contracts: contract.NewCache(p.client, opts.ChunkSize, p.logger).WithErrorHandler(p.errors),
		acc:       newAccumulator(),
		res:       &Result{StartBlock: start, EndBlock: end, Options: opts},
		total:     end - start + 1,
	}
	if opts.Trace {
		r.tracer = trace.NewAnalyzer(p.client, p.logger).WithErrorHandler(p.errors)
	}

	p.logger.WithFields(logrus.Fields{
		"start_block":   start,
		"end_block":     end,
		"trace":         opts.Trace,
		"check_success": opts.CheckSuccess,
		"concurrency":   opts.Concurrency,
	}).Info("开始扫描区块")

	blocks := fetcher.NewFetcher(p.client, opts.Window, opts.Concurrency, p.logger).WithErrorHandler(p.errors)
	chunkLen := uint64(opts.Concurrency) * uint64(opts.Window)
	chunks := make(chan chunk, 1)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(chunks)
		for from := start; ; {
			to := end
			if end-from >= chunkLen {
				to = from + chunkLen - 1
			}
			numbers := make([]uint64, 0, to-from+1)
			for n := from; ; n++ {
				numbers = append(numbers, n)
				if n == to {
					break
				}
			}

			fetched, err := blocks.Fetch(gctx, numbers)
			if err != nil {
				return err
			}
			select {
			case chunks <- chunk{numbers: numbers, blocks: fetched}:
			case <-gctx.Done():
				return gctx.Err()
			}

			if to == end {
				return nil
			}
			from = to + 1
		}
	})
	g.Go(func() error {
		for c := range chunks {
			if err := r.processChunk(gctx, c); err != nil {
				return err
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		p.logger.WithError(err).Error("扫描终止")
		return nil, err
	}

	if err := r.fillBalances(ctx); err != nil {
		return nil, err
	}
	if err := r.buildRows(); err != nil {
		return nil, err
	}

	r.res.Duration = time.Since(began)
	metrics.ScanDuration.Observe(r.res.Duration.Seconds())
	p.logger.WithFields(logrus.Fields{
		"blocks":       r.res.BlocksScanned,
		"unavailable":  r.res.BlocksUnavailable,
		"txs":          r.res.Transactions,
		"addresses":    len(r.res.Rows),
		"code_lookups": r.contracts.Lookups(),
		"code_cached":  r.contracts.Size(),
		"duration":     r.res.Duration.String(),
	}).Info("扫描完成")
	return r.res, nil
}

// blockExtras 单个区块的附加查询结果
type blockExtras struct {
	trace *trace.Result
}

// processChunk 并发完成合约分类、回执和 trace 查询，再按区块顺序累加
func (r *run) processChunk(ctx context.Context, c chunk) error {
	var recipients []string
	for i, b := range c.blocks {
		if b == nil {
			r.unavailable(c.numbers[i], apperrors.New("节点未返回区块"))
			continue
		}
		if n := b.DropEmptyTransactions(); n > 0 {
			logging.BlockLogger(r.logger, c.numbers[i]).Warnf("跳过 %d 笔空交易", n)
			r.res.SkippedTxs += uint64(n)
		}
		if v := r.validator.ValidateBlock(b, c.numbers[i]); !v.Valid {
			r.unavailable(c.numbers[i], v.Err())
			c.blocks[i] = nil
			continue
		}
		recipients = append(recipients, b.Recipients()...)
	}

	var isContract map[string]bool
	extras := make([]blockExtras, len(c.blocks))
	var mu sync.Mutex
	var unsupported uint64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)
	g.Go(func() error {
		m, err := r.contracts.Classify(gctx, recipients)
		isContract = m
		return err
	})
	for i, b := range c.blocks {
		if b == nil || (!r.opts.CheckSuccess && r.tracer == nil) {
			continue
		}
		g.Go(func() error {
			if r.opts.CheckSuccess {
				if err := r.receipts(gctx, b); err != nil {
					return err
				}
			}
			if r.tracer != nil {
				res, err := r.tracer.TraceBlock(gctx, b.NumberU64())
				switch {
				case err == nil:
					extras[i].trace = res
				case apperrors.Is(err, trace.ErrUnsupported):
					mu.Lock()
					unsupported++
					mu.Unlock()
				default:
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	r.res.TraceUnsupported += unsupported

	for i, b := range c.blocks {
		if b == nil {
			continue
		}
		r.accumulate(b, isContract, extras[i])
	}

	r.processed += uint64(len(c.numbers))
	r.logger.Infof("已处理 %d/%d 个区块", r.processed, r.total)
	if r.progress != nil {
		r.progress(r.processed, r.total)
	}
	return nil
}

// accumulate 把一个区块计入统计
func (r *run) accumulate(b *models.Block, isContract map[string]bool, extras blockExtras) {
	for _, tx := range b.Transactions {
		if r.opts.CheckSuccess && !tx.Succeeded() {
			r.res.SkippedTxs++
			metrics.TransactionsTotal.WithLabelValues("skipped_failed").Inc()
			continue
		}
		to := tx.Recipient()
		r.acc.addTransaction(tx.Sender(), to, to != "" && isContract[to])
		r.res.Transactions++
		metrics.TransactionsTotal.WithLabelValues("counted").Inc()
	}

	if extras.trace != nil {
		counts := extras.trace.ReceivedCounts()
		for _, addr := range b.Addresses() {
			r.acc.addInternal(addr, counts[addr])
		}
		r.res.BlocksTraced++
	}

	r.res.BlocksScanned++
	metrics.BlocksScannedTotal.Inc()
}

// receipts 批量查询区块内交易的回执并填充 tx.Success，查询失败的交易保持 nil（视为失败）
func (r *run) receipts(ctx context.Context, b *models.Block) error {
	txs := b.Transactions
	for start := 0; start < len(txs); start += r.opts.ChunkSize {
		end := start + r.opts.ChunkSize
		if end > len(txs) {
			end = len(txs)
		}

		reqs := make([]rpc.Request, 0, end-start)
		for _, tx := range txs[start:end] {
			reqs = append(reqs, rpc.NewRequest("eth_getTransactionReceipt", tx.Hash))
		}
		results, err := r.client.Batch(ctx, reqs)
		if err != nil {
			return err
		}

		for i, tx := range txs[start:end] {
			var receipt *models.Receipt
			err := results[i].Decode(&receipt)
			if err == nil && receipt == nil {
				err = apperrors.New("回执为空")
			}
			if err != nil {
				metrics.ItemLookupFailuresTotal.WithLabelValues("receipt").Inc()
				se := apperrors.Wrap(apperrors.ErrItemLookup, fmt.Errorf("eth_getTransactionReceipt %s: %w", tx.Hash, err)).
					WithBlockNumber(b.NumberU64()).
					WithContext("tx_hash", tx.Hash)
				r.errors.HandleError(se, "scanner")
				continue
			}
			ok := receipt.Succeeded()
			tx.Success = &ok
		}
	}
	return nil
}

func (r *run) unavailable(number uint64, cause error) {
	r.res.BlocksUnavailable++
	metrics.BlocksUnavailableTotal.Inc()
	logging.BlockLogger(r.logger, number).Warnf("区块不可用，跳过: %v", cause)
}

// fillBalances 为排序后的地址（可截取前 BalanceLimit 个）查询余额
func (r *run) fillBalances(ctx context.Context) error {
	if !r.opts.Balances {
		return nil
	}
	addrs := r.acc.addresses()
	if r.opts.BalanceLimit > 0 && r.opts.BalanceLimit < len(addrs) {
		addrs = addrs[:r.opts.BalanceLimit]
	}
	if len(addrs) == 0 {
		return nil
	}

	fetch := balance.NewFetcher(r.client, balance.Options{
		Batch:     r.opts.BalanceBatch,
		ChunkSize: r.opts.ChunkSize,
		Delay:     r.opts.BalanceDelay,
	}, r.logger).WithErrorHandler(r.errors)

	r.logger.Infof("查询 %d 个地址的余额", len(addrs))
	balances, err := fetch.Fetch(ctx, addrs)
	if err != nil {
		return err
	}
	for addr, b := range balances {
		if b == nil {
			continue
		}
		r.acc.row(addr).EthBalance = b
		r.res.BalancesFetched++
	}
	return nil
}

// buildRows 计算派生字段并校验
func (r *run) buildRows() error {
	addrs := r.acc.addresses()
	rows := make([]*models.AddressStats, 0, len(addrs))
	for _, addr := range addrs {
		row := r.acc.rows[addr]
		row.Finalize()
		if v := r.validator.ValidateRow(row); !v.Valid {
			return v.Err()
		}
		rows = append(rows, row)
	}
	r.res.Rows = rows
	return nil
}
