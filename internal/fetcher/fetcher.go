package fetcher

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	apperrors "ethstats/internal/errors"
	"ethstats/internal/rpc"
	"ethstats/pkg/models"
)

const (
	// DefaultWindow 每个批次的区块数
	DefaultWindow = 20
	// DefaultConcurrency 同时进行的批次数
	DefaultConcurrency = 32
)

// Batcher 批量 RPC 调用
type Batcher interface {
	Batch(ctx context.Context, reqs []rpc.Request) ([]rpc.Result, error)
}

// Fetcher 按窗口并发拉取带完整交易的区块
type Fetcher struct {
	client Batcher
	window int
	sem    *semaphore.Weighted
	logger *logrus.Logger
	errors *apperrors.ErrorHandler
}

// NewFetcher 创建区块拉取器
func NewFetcher(client Batcher, window, concurrency int, logger *logrus.Logger) *Fetcher {
	if window <= 0 {
		window = DefaultWindow
	}
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Fetcher{
		client: client,
		window: window,
		sem:    semaphore.NewWeighted(int64(concurrency)),
		logger: logger,
		errors: apperrors.NewErrorHandler(logger),
	}
}

// WithErrorHandler 使用共享的错误处理器
func (f *Fetcher) WithErrorHandler(h *apperrors.ErrorHandler) *Fetcher {
	f.errors = h
	return f
}

// Fetch 返回与 numbers 等长同序的区块，节点没有的区块为 nil
//
// 任一窗口失败时取消其余窗口并返回该错误，已完成的结果被丢弃。
func (f *Fetcher) Fetch(ctx context.Context, numbers []uint64) ([]*models.Block, error) {
	blocks := make([]*models.Block, len(numbers))
	if len(numbers) == 0 {
		return blocks, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for start := 0; start < len(numbers); start += f.window {
		end := start + f.window
		if end > len(numbers) {
			end = len(numbers)
		}
		if err := f.sem.Acquire(gctx, 1); err != nil {
			break
		}

		nums, out := numbers[start:end], blocks[start:end]
		g.Go(func() error {
			defer f.sem.Release(1)
			return f.fetchWindow(gctx, nums, out)
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return blocks, nil
}

// fetchWindow 一个窗口一个批量请求，结果写入 out 的对应下标
func (f *Fetcher) fetchWindow(ctx context.Context, numbers []uint64, out []*models.Block) error {
	reqs := make([]rpc.Request, len(numbers))
	for i, n := range numbers {
		reqs[i] = rpc.NewRequest("eth_getBlockByNumber", hexutil.EncodeUint64(n), true)
	}

	results, err := f.client.Batch(ctx, reqs)
	if err != nil {
		return err
	}

	for i, res := range results {
		if res.Error != nil {
			f.unavailable(numbers[i], res.Error)
			continue
		}
		if res.IsNull() {
			continue
		}
		var block models.Block
		if err := res.Decode(&block); err != nil {
			f.unavailable(numbers[i], fmt.Errorf("解析区块失败: %w", err))
			continue
		}
		out[i] = &block
	}
	return nil
}

func (f *Fetcher) unavailable(number uint64, cause error) {
	se := apperrors.Wrap(apperrors.ErrItemLookup, cause).WithBlockNumber(number)
	f.errors.HandleError(se, "fetcher")
}
