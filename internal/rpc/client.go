package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/sirupsen/logrus"

	"ethstats/internal/config"
	apperrors "ethstats/internal/errors"
	"ethstats/internal/logging"
	"ethstats/internal/metrics"
	"ethstats/internal/retry"
)

const maxResponseSize = 256 << 20

// Doer 发送 HTTP 请求，*http.Client 满足该接口
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client JSON-RPC 2.0 客户端，支持批量请求、重试和节点切换
type Client struct {
	pool    *EndpointPool
	doer    Doer
	retrier *retry.Retrier
	logger  *logrus.Logger
	nextID  atomic.Uint64
}

// NewClient 创建 RPC 客户端
func NewClient(cfg *config.RPCConfig, logger *logrus.Logger) (*Client, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	urls := cfg.URLs()
	if len(urls) == 0 {
		return nil, apperrors.Wrap(apperrors.ErrNoEndpoint, fmt.Errorf("未配置RPC节点"))
	}

	c := &Client{
		pool:   NewEndpointPool(urls),
		doer:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
	c.retrier = retry.NewRetrier(cfg.RetryConfig(), logger)
	return c, nil
}

// WithSleep 替换重试等待函数
func (c *Client) WithSleep(fn retry.SleepFunc) *Client {
	c.retrier.WithSleep(fn)
	return c
}

// Pool 节点池
func (c *Client) Pool() *EndpointPool {
	return c.pool
}

// execute 在当前节点上重试 fn，切换只针对本次调用最后失败的节点
func (c *Client) execute(ctx context.Context, operation string, fn func(endpoint string) error) (*retry.Outcome, error) {
	var last string
	return c.retrier.Execute(ctx, operation, func(attempt int) error {
		last = c.pool.Current()
		return fn(last)
	}, func(attempt int) {
		c.rotate(attempt, last)
	})
}

func (c *Client) rotate(attempt int, failed string) {
	log := c.logger.WithFields(logrus.Fields{
		"component": "rpc_client",
		"attempt":   attempt,
		"from":      failed,
	})
	to, ok := c.pool.RotateFrom(failed)
	if !ok {
		log.WithField("current", to).Debug("节点已被其他请求切换")
		return
	}
	metrics.RPCRotationsTotal.Inc()
	log.WithField("to", to).Warn("节点连续失败，切换到下一个节点")
}

// Call 发送单个请求，返回原始 result
func (c *Client) Call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	env := requestEnvelope{
		JSONRPC: jsonrpcVersion,
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  normalizeParams(params),
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("序列化请求失败: %w", err)
	}

	var resp responseEnvelope
	outcome, err := c.execute(ctx, method, func(endpoint string) error {
		data, err := c.post(ctx, endpoint, body)
		if err != nil {
			return err
		}
		r, err := decodeSingle(data, env.ID)
		if err != nil {
			return transportError(endpoint, err)
		}
		resp = *r
		return nil
	})
	c.observe("single", outcome, err)
	if err != nil {
		return nil, err
	}

	res := resp.result()
	if res.Error != nil {
		return nil, res.Error
	}
	return res.Raw, nil
}

// CallInto 发送单个请求并把结果解码到 out
func (c *Client) CallInto(ctx context.Context, out interface{}, method string, params ...interface{}) error {
	raw, err := c.Call(ctx, method, params...)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("解析 %s 结果失败: %w", method, err)
	}
	return nil
}

// Batch 发送批量请求，results[i] 对应 reqs[i]，与响应在网络上的顺序无关
func (c *Client) Batch(ctx context.Context, reqs []Request) ([]Result, error) {
	if len(reqs) == 0 {
		return []Result{}, nil
	}

	envs := make([]requestEnvelope, len(reqs))
	index := make(map[uint64]int, len(reqs))
	for i, r := range reqs {
		id := c.nextID.Add(1)
		envs[i] = requestEnvelope{
			JSONRPC: jsonrpcVersion,
			ID:      id,
			Method:  r.Method,
			Params:  normalizeParams(r.Params),
		}
		index[id] = i
	}
	body, err := json.Marshal(envs)
	if err != nil {
		return nil, fmt.Errorf("序列化批量请求失败: %w", err)
	}
	metrics.RPCBatchSize.Observe(float64(len(reqs)))

	var results []Result
	operation := fmt.Sprintf("batch[%s x%d]", reqs[0].Method, len(reqs))
	outcome, err := c.execute(ctx, operation, func(endpoint string) error {
		data, err := c.post(ctx, endpoint, body)
		if err != nil {
			return err
		}
		res, err := decodeBatch(data, index)
		if err != nil {
			return transportError(endpoint, err)
		}
		results = res
		return nil
	})
	c.observe("batch", outcome, err)
	if err != nil {
		return nil, err
	}
	return results, nil
}

// LatestBlock 最新区块号
func (c *Client) LatestBlock(ctx context.Context) (uint64, error) {
	var n hexutil.Uint64
	if err := c.CallInto(ctx, &n, "eth_blockNumber"); err != nil {
		return 0, err
	}
	return uint64(n), nil
}

// Probe 依次探测节点，切换到第一个可用节点；全部不可用时返回 ErrNoEndpoint
func (c *Client) Probe(ctx context.Context) (string, error) {
	var lastErr error
	for _, endpoint := range c.pool.Endpoints() {
		log := logging.RPCLogger(c.logger, "eth_blockNumber", endpoint)
		latest, err := c.probe(ctx, endpoint)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			lastErr = err
			log.Warnf("节点不可用: %v", err)
			continue
		}
		c.pool.Use(endpoint)
		log.WithField("latest_block", latest).Info("已连接RPC节点")
		return endpoint, nil
	}
	return "", apperrors.Wrap(apperrors.ErrNoEndpoint, fmt.Errorf("最后错误: %w", lastErr))
}

func (c *Client) probe(ctx context.Context, endpoint string) (uint64, error) {
	env := requestEnvelope{
		JSONRPC: jsonrpcVersion,
		ID:      c.nextID.Add(1),
		Method:  "eth_blockNumber",
		Params:  []interface{}{},
	}
	body, err := json.Marshal(env)
	if err != nil {
		return 0, err
	}
	data, err := c.post(ctx, endpoint, body)
	if err != nil {
		return 0, err
	}
	resp, err := decodeSingle(data, env.ID)
	if err != nil {
		return 0, err
	}
	var n hexutil.Uint64
	if err := resp.result().Decode(&n); err != nil {
		return 0, err
	}
	return uint64(n), nil
}

// post 把请求体发送到指定节点，传输层失败包装为可重试错误
func (c *Client) post(ctx context.Context, endpoint string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, transportError(endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.doer.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, transportError(endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, transportError(endpoint, fmt.Errorf("读取响应失败: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, transportError(endpoint, fmt.Errorf("HTTP状态码 %d: %s", resp.StatusCode, snippet(data)))
	}
	return data, nil
}

func (c *Client) observe(kind string, outcome *retry.Outcome, err error) {
	if outcome != nil && outcome.Retries > 0 {
		metrics.RPCRetriesTotal.Add(float64(outcome.Retries))
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.RPCRequestsTotal.WithLabelValues(kind, result).Inc()
}

// decodeSingle 解析单个响应，id 不匹配视为响应格式错误
func decodeSingle(data []byte, id uint64) (*responseEnvelope, error) {
	var resp responseEnvelope
	if err := json.Unmarshal(bytes.TrimSpace(data), &resp); err != nil {
		return nil, fmt.Errorf("响应格式错误: %w (%s)", err, snippet(data))
	}
	got, ok := resp.id()
	if resp.Error == nil && (!ok || got != id) {
		return nil, fmt.Errorf("响应id不匹配: 期望 %d", id)
	}
	return &resp, nil
}

// decodeBatch 按 id 把批量响应还原为请求顺序
func decodeBatch(data []byte, index map[uint64]int) ([]Result, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("空响应")
	}
	results := make([]Result, len(index))

	// 整个批次被拒绝时节点只返回一个错误对象
	if trimmed[0] == '{' {
		var single responseEnvelope
		if err := json.Unmarshal(trimmed, &single); err != nil {
			return nil, fmt.Errorf("响应格式错误: %w (%s)", err, snippet(trimmed))
		}
		if single.Error == nil {
			return nil, fmt.Errorf("批量请求返回了单个非错误响应")
		}
		for i := range results {
			results[i] = Result{Error: single.Error}
		}
		return results, nil
	}

	var envs []responseEnvelope
	if err := json.Unmarshal(trimmed, &envs); err != nil {
		return nil, fmt.Errorf("响应格式错误: %w (%s)", err, snippet(trimmed))
	}

	seen := make([]bool, len(results))
	var orphanErr *Error
	for i := range envs {
		id, ok := envs[i].id()
		if !ok {
			if envs[i].Error != nil {
				orphanErr = envs[i].Error
			}
			continue
		}
		pos, ok := index[id]
		if !ok || seen[pos] {
			continue
		}
		results[pos] = envs[i].result()
		seen[pos] = true
	}

	for pos, ok := range seen {
		if ok {
			continue
		}
		// 缺少 id 的错误对象归给未匹配到的请求
		if orphanErr == nil {
			return nil, fmt.Errorf("批量响应缺少第 %d 个请求的结果", pos)
		}
		results[pos] = Result{Error: orphanErr}
	}
	return results, nil
}

func transportError(endpoint string, err error) error {
	return apperrors.Wrap(apperrors.ErrTransport, err).
		WithComponent("rpc").
		WithContext("endpoint", endpoint)
}

func normalizeParams(params []interface{}) []interface{} {
	if params == nil {
		return []interface{}{}
	}
	return params
}

func snippet(data []byte) string {
	const max = 200
	if len(data) > max {
		return string(data[:max]) + "..."
	}
	return string(data)
}
