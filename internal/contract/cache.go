package contract

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	apperrors "ethstats/internal/errors"
	"ethstats/internal/metrics"
	"ethstats/internal/rpc"
	"ethstats/pkg/models"
)

// DefaultChunkSize 每个 eth_getCode 批次的地址数
const DefaultChunkSize = 100

// Batcher 批量 RPC 调用
type Batcher interface {
	Batch(ctx context.Context, reqs []rpc.Request) ([]rpc.Result, error)
}

// pending 正在查询的地址，查询结束时关闭 done
type pending struct {
	done chan struct{}
	err  error
}

// Cache 地址是否为合约的缓存
//
// 同一地址只会被查询一次：未命中的地址先登记到 inflight，
// 其他调用方发现已登记时等待该查询结束，不再发起 RPC。
// entries 和 inflight 只通过 settle 写入。
type Cache struct {
	client    Batcher
	chunkSize int
	logger    *logrus.Logger
	errors    *apperrors.ErrorHandler

	mu       sync.Mutex
	entries  map[string]bool
	inflight map[string]*pending
	lookups  int
}

// NewCache 创建合约缓存
func NewCache(client Batcher, chunkSize int, logger *logrus.Logger) *Cache {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Cache{
		client:    client,
		chunkSize: chunkSize,
		logger:    logger,
		errors:    apperrors.NewErrorHandler(logger),
		entries:   make(map[string]bool),
		inflight:  make(map[string]*pending),
	}
}

// WithErrorHandler 使用共享的错误处理器
func (c *Cache) WithErrorHandler(h *apperrors.ErrorHandler) *Cache {
	c.errors = h
	return c
}

// Classify 返回 地址(小写) → 是否为合约；查询失败的地址不出现在结果中
func (c *Cache) Classify(ctx context.Context, addrs []string) (map[string]bool, error) {
	var owned []string
	waits := make(map[string]*pending)
	seen := make(map[string]struct{}, len(addrs))

	c.mu.Lock()
	for _, addr := range addrs {
		addr = models.NormalizeAddress(addr)
		if addr == "" {
			continue
		}
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}

		if _, ok := c.entries[addr]; ok {
			metrics.ContractCacheHitsTotal.Inc()
			continue
		}
		if p, ok := c.inflight[addr]; ok {
			metrics.ContractCacheHitsTotal.Inc()
			waits[addr] = p
			continue
		}
		c.inflight[addr] = &pending{done: make(chan struct{})}
		owned = append(owned, addr)
	}
	c.lookups += len(owned)
	c.mu.Unlock()

	if len(owned) > 0 {
		if err := c.lookup(ctx, owned); err != nil {
			return nil, err
		}
	}

	for addr, p := range waits {
		select {
		case <-p.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if p.err != nil && apperrors.IsFatal(p.err) {
			return nil, p.err
		}
		if p.err != nil {
			c.logger.Debugf("地址 %s 的并发查询失败: %v", addr, p.err)
		}
	}

	out := make(map[string]bool, len(seen))
	c.mu.Lock()
	for addr := range seen {
		if v, ok := c.entries[addr]; ok {
			out[addr] = v
		}
	}
	c.mu.Unlock()
	return out, nil
}

// lookup 分批查询 owned 中的地址，返回前所有地址的 pending 都已结束
func (c *Cache) lookup(ctx context.Context, owned []string) error {
	for start := 0; start < len(owned); start += c.chunkSize {
		end := start + c.chunkSize
		if end > len(owned) {
			end = len(owned)
		}
		chunk := owned[start:end]

		reqs := make([]rpc.Request, len(chunk))
		for i, addr := range chunk {
			reqs[i] = rpc.NewRequest("eth_getCode", addr, "latest")
		}
		metrics.ContractLookupsTotal.Add(float64(len(chunk)))

		results, err := c.client.Batch(ctx, reqs)
		if err != nil {
			for _, addr := range owned[start:] {
				c.settle(addr, false, false, err)
			}
			return err
		}

		for i, addr := range chunk {
			var code string
			if err := results[i].Decode(&code); err != nil {
				c.skip(addr, err)
				continue
			}
			c.settle(addr, isContractCode(code), true, nil)
		}
	}
	return nil
}

func (c *Cache) skip(addr string, cause error) {
	metrics.ItemLookupFailuresTotal.WithLabelValues("contract").Inc()
	se := apperrors.Wrap(apperrors.ErrItemLookup, fmt.Errorf("eth_getCode %s: %w", addr, cause)).
		WithContext("address", addr)
	c.errors.HandleError(se, "contract")
	c.settle(addr, false, false, se)
}

// settle 写入查询结果并唤醒等待者，已有条目不会被覆盖
func (c *Cache) settle(addr string, isContract bool, ok bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[addr]; ok && !exists {
		c.entries[addr] = isContract
	}
	if p, exists := c.inflight[addr]; exists {
		p.err = err
		delete(c.inflight, addr)
		close(p.done)
	}
}

// Get 读取缓存条目
func (c *Cache) Get(addr string) (isContract bool, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	isContract, ok = c.entries[models.NormalizeAddress(addr)]
	return
}

// Lookups 发送给 RPC 的地址数
func (c *Cache) Lookups() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookups
}

// Size 缓存条目数
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func isContractCode(code string) bool {
	code = strings.TrimSpace(strings.ToLower(code))
	return code != "" && code != "0x" && code != "0x0"
}
