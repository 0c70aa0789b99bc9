package balance

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/params"
	"github.com/sirupsen/logrus"

	apperrors "ethstats/internal/errors"
	"ethstats/internal/metrics"
	"ethstats/internal/rpc"
	"ethstats/pkg/models"
)

const (
	// DefaultChunkSize 每个 eth_getBalance 批次的地址数
	DefaultChunkSize = 100
	// DefaultDelay 逐个查询时两次请求之间的间隔
	DefaultDelay = 2 * time.Millisecond
)

// Client 余额查询使用的 RPC 调用
type Client interface {
	Call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error)
	Batch(ctx context.Context, reqs []rpc.Request) ([]rpc.Result, error)
}

// Options 余额查询选项
type Options struct {
	Batch     bool
	ChunkSize int
	Delay     time.Duration
}

// Fetcher 余额查询器
type Fetcher struct {
	client  Client
	options Options
	logger  *logrus.Logger
	errors  *apperrors.ErrorHandler
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewFetcher 创建余额查询器
func NewFetcher(client Client, options Options, logger *logrus.Logger) *Fetcher {
	if options.ChunkSize <= 0 {
		options.ChunkSize = DefaultChunkSize
	}
	if options.Delay < 0 {
		options.Delay = 0
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Fetcher{
		client:  client,
		options: options,
		logger:  logger,
		errors:  apperrors.NewErrorHandler(logger),
		sleep:   sleepContext,
	}
}

// WithErrorHandler 使用共享的错误处理器
func (f *Fetcher) WithErrorHandler(h *apperrors.ErrorHandler) *Fetcher {
	f.errors = h
	return f
}

// Fetch 返回 地址(小写) → ETH 余额；单个地址查询失败时值为 nil
func (f *Fetcher) Fetch(ctx context.Context, addrs []string) (map[string]*float64, error) {
	unique := make([]string, 0, len(addrs))
	out := make(map[string]*float64, len(addrs))
	for _, addr := range addrs {
		addr = models.NormalizeAddress(addr)
		if addr == "" {
			continue
		}
		if _, ok := out[addr]; ok {
			continue
		}
		out[addr] = nil
		unique = append(unique, addr)
	}

	if f.options.Batch {
		return out, f.fetchBatched(ctx, unique, out)
	}
	return out, f.fetchSequential(ctx, unique, out)
}

func (f *Fetcher) fetchBatched(ctx context.Context, addrs []string, out map[string]*float64) error {
	for start := 0; start < len(addrs); start += f.options.ChunkSize {
		end := start + f.options.ChunkSize
		if end > len(addrs) {
			end = len(addrs)
		}
		chunk := addrs[start:end]

		reqs := make([]rpc.Request, len(chunk))
		for i, addr := range chunk {
			reqs[i] = rpc.NewRequest("eth_getBalance", addr, "latest")
		}
		results, err := f.client.Batch(ctx, reqs)
		if err != nil {
			return err
		}

		for i, addr := range chunk {
			var wei hexutil.Big
			if err := results[i].Decode(&wei); err != nil {
				f.skip(addr, err)
				continue
			}
			out[addr] = weiToEther((*big.Int)(&wei))
		}
	}
	return nil
}

func (f *Fetcher) fetchSequential(ctx context.Context, addrs []string, out map[string]*float64) error {
	for i, addr := range addrs {
		if i > 0 && f.options.Delay > 0 {
			if err := f.sleep(ctx, f.options.Delay); err != nil {
				return err
			}
		}

		raw, err := f.client.Call(ctx, "eth_getBalance", addr, "latest")
		if err != nil {
			if apperrors.IsFatal(err) || ctx.Err() != nil {
				return err
			}
			f.skip(addr, err)
			continue
		}
		var wei hexutil.Big
		if err := json.Unmarshal(raw, &wei); err != nil {
			f.skip(addr, err)
			continue
		}
		out[addr] = weiToEther((*big.Int)(&wei))
	}
	return nil
}

func (f *Fetcher) skip(addr string, cause error) {
	metrics.ItemLookupFailuresTotal.WithLabelValues("balance").Inc()
	se := apperrors.Wrap(apperrors.ErrItemLookup, fmt.Errorf("eth_getBalance %s: %w", addr, cause)).
		WithContext("address", addr)
	f.errors.HandleError(se, "balance")
}

// WeiToEther wei 转换为 ETH
func WeiToEther(wei *big.Int) float64 {
	if wei == nil {
		return 0
	}
	eth, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), new(big.Float).SetInt64(params.Ether)).Float64()
	return eth
}

func weiToEther(wei *big.Int) *float64 {
	eth := WeiToEther(wei)
	return &eth
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
