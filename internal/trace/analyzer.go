package trace

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/sirupsen/logrus"

	apperrors "ethstats/internal/errors"
	"ethstats/internal/metrics"
	"ethstats/pkg/models"
)

// Kind 归一化后的 trace 形态
type Kind int

const (
	// KindFlatList trace_block 的扁平调用列表
	KindFlatList Kind = iota + 1
	// KindCallTree debug_traceBlockByNumber + callTracer 的调用树
	KindCallTree
)

// String 返回产生该形态的方法标签
func (k Kind) String() string {
	switch k {
	case KindFlatList:
		return "trace_block"
	case KindCallTree:
		return "debug_trace"
	default:
		return "unknown"
	}
}

// DefaultTracerTimeout callTracer 的单块超时
const DefaultTracerTimeout = "20s"

// ErrUnsupported 节点两种 trace 方法都不可用
var ErrUnsupported = apperrors.ErrTraceUnsupported

// Caller 单个 RPC 调用
type Caller interface {
	Call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error)
}

// Result 单个区块的 trace 结果，Kind 决定 Flat 和 Trees 哪个有效
type Result struct {
	Block   uint64
	Kind    Kind
	Flat    []*models.FlatTrace
	Trees   []*models.TraceCallNode
	Skipped int
}

// Count 统计 target 收到的正值内部转账次数
func (r *Result) Count(target string) int {
	return Count(r, target)
}

// ReceivedCounts 一次遍历统计所有接收方的正值转账次数
func (r *Result) ReceivedCounts() map[string]int {
	counts := make(map[string]int)
	if r == nil {
		return counts
	}
	switch r.Kind {
	case KindFlatList:
		for _, t := range r.Flat {
			if countsFlat(t) {
				counts[t.To]++
			}
		}
	case KindCallTree:
		for _, root := range r.Trees {
			walk(root, func(n *models.TraceCallNode) {
				if positive(n.Value) && n.To != "" {
					counts[n.To]++
				}
			})
		}
	}
	return counts
}

// Count 扁平列表统计 call/create/suicide 类型条目，调用树从根节点开始递归，
// 两者都只计接收方为 target 且 value > 0 的条目
func Count(r *Result, target string) int {
	if r == nil {
		return 0
	}
	target = models.NormalizeAddress(target)
	if target == "" {
		return 0
	}

	n := 0
	switch r.Kind {
	case KindFlatList:
		for _, t := range r.Flat {
			if t.To == target && countsFlat(t) {
				n++
			}
		}
	case KindCallTree:
		for _, root := range r.Trees {
			walk(root, func(node *models.TraceCallNode) {
				if node.To == target && positive(node.Value) {
					n++
				}
			})
		}
	}
	return n
}

func countsFlat(t *models.FlatTrace) bool {
	switch t.Type {
	case "call", "create", "suicide", "selfdestruct":
		return t.To != "" && positive(t.Value)
	default:
		return false
	}
}

func walk(node *models.TraceCallNode, fn func(*models.TraceCallNode)) {
	if node == nil {
		return
	}
	fn(node)
	for _, child := range node.Children {
		walk(child, fn)
	}
}

func positive(v *big.Int) bool {
	return v != nil && v.Sign() > 0
}

// Analyzer 区块 trace 分析器
type Analyzer struct {
	client  Caller
	timeout string
	logger  *logrus.Logger
	errors  *apperrors.ErrorHandler
}

// NewAnalyzer 创建 trace 分析器
func NewAnalyzer(client Caller, logger *logrus.Logger) *Analyzer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Analyzer{
		client:  client,
		timeout: DefaultTracerTimeout,
		logger:  logger,
		errors:  apperrors.NewErrorHandler(logger),
	}
}

// WithErrorHandler 使用共享的错误处理器
func (a *Analyzer) WithErrorHandler(h *apperrors.ErrorHandler) *Analyzer {
	a.errors = h
	return a
}

// TraceBlock 先尝试 trace_block，失败后回退到 debug_traceBlockByNumber；
// 都失败时返回 ErrUnsupported。传输层重试耗尽的错误原样返回。
func (a *Analyzer) TraceBlock(ctx context.Context, number uint64) (*Result, error) {
	blockHex := hexutil.EncodeUint64(number)

	raw, errA := a.client.Call(ctx, "trace_block", blockHex)
	if errA == nil {
		if flat, skipped, ok := normalizeFlat(raw); ok {
			metrics.TraceBlocksTotal.WithLabelValues(KindFlatList.String()).Inc()
			return a.result(number, &Result{Kind: KindFlatList, Flat: flat, Skipped: skipped}), nil
		}
		errA = fmt.Errorf("trace_block 返回的不是列表")
	} else if abort(ctx, errA) {
		return nil, errA
	}

	tracer := map[string]string{"tracer": "callTracer", "timeout": a.timeout}
	raw, errB := a.client.Call(ctx, "debug_traceBlockByNumber", blockHex, tracer)
	if errB == nil {
		if trees, skipped, ok := normalizeTrees(raw); ok {
			metrics.TraceBlocksTotal.WithLabelValues(KindCallTree.String()).Inc()
			return a.result(number, &Result{Kind: KindCallTree, Trees: trees, Skipped: skipped}), nil
		}
		errB = fmt.Errorf("debug_traceBlockByNumber 返回格式无法识别")
	} else if abort(ctx, errB) {
		return nil, errB
	}

	metrics.TraceBlocksTotal.WithLabelValues("unsupported").Inc()
	se := apperrors.Wrap(ErrUnsupported, fmt.Errorf("trace_block: %v; debug_traceBlockByNumber: %w", errA, errB)).
		WithBlockNumber(number)
	a.errors.HandleError(se, "trace")
	return nil, se
}

func (a *Analyzer) result(number uint64, r *Result) *Result {
	r.Block = number
	if r.Skipped > 0 {
		metrics.TraceNodesSkippedTotal.Add(float64(r.Skipped))
		se := apperrors.Wrap(apperrors.ErrMalformedTrace, fmt.Errorf("跳过 %d 个无法解析的 trace 节点", r.Skipped)).
			WithBlockNumber(number).
			WithContext("method", r.Kind.String())
		a.errors.HandleError(se, "trace")
	}
	return r
}

// abort 重试耗尽或上下文取消时终止，其余错误按不支持处理
func abort(ctx context.Context, err error) bool {
	return apperrors.IsFatal(err) || ctx.Err() != nil
}
