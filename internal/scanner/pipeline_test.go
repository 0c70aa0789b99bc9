package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "ethstats/internal/errors"
	"ethstats/internal/metrics"
	"ethstats/internal/rpc"
	"ethstats/pkg/models"
)

const (
	addrA = "0x00000000000000000000000000000000000000aa"
	addrB = "0x00000000000000000000000000000000000000bb"
	addrC = "0x00000000000000000000000000000000000000cc"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type testTx struct {
	hash string
	from string
	to   string // 空表示合约创建
	null bool   // 节点返回 null 项
}

// stubChain 按方法名应答的内存节点
type stubChain struct {
	mu       sync.Mutex
	blocks   map[uint64][]testTx
	code     map[string]string
	balances map[string]string
	receipts map[string]string // tx hash -> status，缺失表示查询失败
	traces   map[uint64]json.RawMessage
	fatalOn  map[uint64]bool

	calls map[string]int
}

func newStubChain() *stubChain {
	return &stubChain{
		blocks:   make(map[uint64][]testTx),
		code:     make(map[string]string),
		balances: make(map[string]string),
		receipts: make(map[string]string),
		traces:   make(map[uint64]json.RawMessage),
		fatalOn:  make(map[uint64]bool),
		calls:    make(map[string]int),
	}
}

func (s *stubChain) count(method string) {
	s.mu.Lock()
	s.calls[method]++
	s.mu.Unlock()
}

func (s *stubChain) callCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

func (s *stubChain) Call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	s.count(method)
	switch method {
	case "trace_block":
		n, _ := hexutil.DecodeUint64(params[0].(string))
		if raw, ok := s.traces[n]; ok {
			return raw, nil
		}
		return nil, &rpc.Error{Code: -32601, Message: "the method trace_block does not exist"}
	case "debug_traceBlockByNumber":
		return nil, &rpc.Error{Code: -32601, Message: "the method debug_traceBlockByNumber does not exist"}
	case "eth_getBalance":
		return s.balance(params[0].(string))
	}
	return nil, fmt.Errorf("unexpected method %s", method)
}

func (s *stubChain) Batch(ctx context.Context, reqs []rpc.Request) ([]rpc.Result, error) {
	results := make([]rpc.Result, len(reqs))
	for i, req := range reqs {
		s.count(req.Method)
		switch req.Method {
		case "eth_getBlockByNumber":
			n, _ := hexutil.DecodeUint64(req.Params[0].(string))
			if s.fatalOn[n] {
				return nil, apperrors.Wrap(apperrors.ErrTransportExhausted, fmt.Errorf("block %d", n))
			}
			results[i] = rpc.Result{Raw: s.block(n)}
		case "eth_getCode":
			code, ok := s.code[req.Params[0].(string)]
			if !ok {
				code = "0x"
			}
			results[i] = rpc.Result{Raw: mustJSON(code)}
		case "eth_getBalance":
			raw, err := s.balance(req.Params[0].(string))
			results[i] = rpc.Result{Raw: raw, Error: err}
		case "eth_getTransactionReceipt":
			hash := req.Params[0].(string)
			status, ok := s.receipts[hash]
			if !ok {
				results[i] = rpc.Result{Error: &rpc.Error{Code: -32000, Message: "receipt unavailable"}}
				continue
			}
			results[i] = rpc.Result{Raw: mustJSON(map[string]string{"transactionHash": hash, "status": status})}
		default:
			return nil, fmt.Errorf("unexpected batch method %s", req.Method)
		}
	}
	return results, nil
}

func (s *stubChain) balance(addr string) (json.RawMessage, error) {
	wei, ok := s.balances[addr]
	if !ok {
		wei = "0x0"
	}
	return mustJSON(wei), nil
}

func (s *stubChain) block(n uint64) json.RawMessage {
	txs, ok := s.blocks[n]
	if !ok {
		return json.RawMessage("null")
	}
	list := make([]interface{}, 0, len(txs))
	for _, tx := range txs {
		if tx.null {
			list = append(list, nil)
			continue
		}
		item := map[string]interface{}{"hash": tx.hash, "from": tx.from, "to": nil, "value": "0x0", "nonce": "0x0"}
		if tx.to != "" {
			item["to"] = tx.to
		}
		list = append(list, item)
	}
	return mustJSON(map[string]interface{}{
		"number":       hexutil.EncodeUint64(n),
		"hash":         fmt.Sprintf("0x%064x", n),
		"parentHash":   fmt.Sprintf("0x%064x", n-1),
		"timestamp":    "0x0",
		"transactions": list,
	})
}

func mustJSON(v interface{}) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}

func txHash(i int) string {
	return fmt.Sprintf("0x%064x", 0x1000+i)
}

func rowsByAddress(rows []*models.AddressStats) map[string]*models.AddressStats {
	out := make(map[string]*models.AddressStats, len(rows))
	for _, r := range rows {
		out[r.Address] = r
	}
	return out
}

func TestScan_TransferBetweenAccounts(t *testing.T) {
	chain := newStubChain()
	chain.blocks[100] = []testTx{{hash: txHash(1), from: addrA, to: addrB}}
	chain.balances[addrA] = "0xde0b6b3a7640000" // 1 ETH

	res, err := NewPipeline(chain, quietLogger()).Scan(context.Background(), 100, 100, Options{Balances: true, BalanceBatch: true})
	require.NoError(t, err)

	rows := rowsByAddress(res.Rows)
	require.Len(t, rows, 2)

	a := rows[addrA]
	assert.Equal(t, uint64(1), a.SentTxs)
	assert.Equal(t, uint64(0), a.ReceivedTxs)
	assert.Equal(t, uint64(0), a.SentToContractTxs)
	assert.Equal(t, uint64(1), a.ExternalTxs)
	assert.Equal(t, uint64(1), a.TotalTxs)
	require.NotNil(t, a.EthBalance)
	assert.InDelta(t, 1.0, *a.EthBalance, 1e-12)

	b := rows[addrB]
	assert.Equal(t, uint64(1), b.ReceivedTxs)
	assert.Equal(t, uint64(0), b.SentTxs)
	require.NotNil(t, b.EthBalance)
	assert.Equal(t, 0.0, *b.EthBalance)

	assert.Equal(t, uint64(1), res.BlocksScanned)
	assert.Equal(t, uint64(1), res.Transactions)
	assert.Equal(t, 2, res.BalancesFetched)
}

func TestScan_SentToContract(t *testing.T) {
	chain := newStubChain()
	chain.blocks[100] = []testTx{{hash: txHash(1), from: addrA, to: addrB}}
	chain.blocks[101] = []testTx{{hash: txHash(2), from: addrA, to: addrB}, {hash: txHash(3), from: addrC, to: addrA}}
	chain.code[addrB] = "0x6080604052"

	res, err := NewPipeline(chain, quietLogger()).Scan(context.Background(), 100, 101, Options{})
	require.NoError(t, err)

	rows := rowsByAddress(res.Rows)
	assert.Equal(t, uint64(2), rows[addrA].SentToContractTxs)
	assert.Equal(t, uint64(2), rows[addrA].SentTxs)
	assert.Equal(t, uint64(1), rows[addrA].ReceivedTxs)
	assert.Equal(t, uint64(0), rows[addrC].SentToContractTxs)
	assert.Nil(t, rows[addrA].EthBalance)

	// 每个接收方只查询一次 eth_getCode
	assert.Equal(t, 2, chain.callCount("eth_getCode"))
	assert.Equal(t, 0, chain.callCount("eth_getBalance"))
}

func TestScan_InternalTransfersFromTrace(t *testing.T) {
	chain := newStubChain()
	chain.blocks[100] = []testTx{{hash: txHash(1), from: addrA, to: addrC}}
	chain.code[addrC] = "0x60"
	chain.traces[100] = mustJSON([]map[string]interface{}{
		{"type": "call", "transactionHash": txHash(1), "action": map[string]string{"to": addrC, "value": "0x5"}},
		{"type": "call", "transactionHash": txHash(1), "action": map[string]string{"to": addrB, "value": "0x1"}},
		{"type": "call", "transactionHash": txHash(1), "action": map[string]string{"to": addrA, "value": "0x0"}},
	})

	res, err := NewPipeline(chain, quietLogger()).Scan(context.Background(), 100, 100, Options{Trace: true})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.BlocksTraced)

	rows := rowsByAddress(res.Rows)
	// B 不是交易发送方或接收方，不计入
	_, ok := rows[addrB]
	assert.False(t, ok)

	c := rows[addrC]
	assert.Equal(t, uint64(1), c.ReceivedFromContractTxs)
	assert.Equal(t, uint64(1), c.InternalTxs)
	assert.Equal(t, uint64(2), c.TotalTxs)
	assert.Equal(t, uint64(0), rows[addrA].InternalTxs)
}

func TestScan_TraceUnsupportedContinues(t *testing.T) {
	chain := newStubChain()
	chain.blocks[100] = []testTx{{hash: txHash(1), from: addrA, to: addrB}}

	res, err := NewPipeline(chain, quietLogger()).Scan(context.Background(), 100, 100, Options{Trace: true})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.TraceUnsupported)
	assert.Equal(t, uint64(0), res.BlocksTraced)
	assert.Equal(t, uint64(1), res.BlocksScanned)
	assert.Equal(t, 1, chain.callCount("debug_traceBlockByNumber"))
}

func TestScan_CheckSuccessSkipsFailedAndUnknown(t *testing.T) {
	chain := newStubChain()
	chain.blocks[100] = []testTx{
		{hash: txHash(1), from: addrA, to: addrB},
		{hash: txHash(2), from: addrA, to: addrB},
		{hash: txHash(3), from: addrA, to: addrB},
	}
	chain.receipts[txHash(1)] = "0x1"
	chain.receipts[txHash(2)] = "0x0"

	softErrors := metrics.SoftErrorsTotal.WithLabelValues("ItemLookup", "scanner")
	before := testutil.ToFloat64(softErrors)

	p := NewPipeline(chain, quietLogger())
	res, err := p.Scan(context.Background(), 100, 100, Options{CheckSuccess: true})
	require.NoError(t, err)
	assert.Equal(t, before+1, testutil.ToFloat64(softErrors))

	rows := rowsByAddress(res.Rows)
	assert.Equal(t, uint64(1), rows[addrA].SentTxs)
	assert.Equal(t, uint64(1), rows[addrB].ReceivedTxs)
	assert.Equal(t, uint64(1), res.Transactions)
	assert.Equal(t, uint64(2), res.SkippedTxs)
	assert.Equal(t, 1, p.Errors().Count(apperrors.ErrorTypeItemLookup))
}

func TestScan_NullTransactionSkipped(t *testing.T) {
	chain := newStubChain()
	chain.blocks[100] = []testTx{
		{null: true},
		{hash: txHash(1), from: addrA, to: addrB},
	}

	res, err := NewPipeline(chain, quietLogger()).Scan(context.Background(), 100, 100, Options{})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), res.BlocksScanned)
	assert.Equal(t, uint64(0), res.BlocksUnavailable)
	assert.Equal(t, uint64(1), res.Transactions)
	assert.Equal(t, uint64(1), res.SkippedTxs)
	rows := rowsByAddress(res.Rows)
	assert.Equal(t, uint64(1), rows[addrA].SentTxs)
	assert.Equal(t, uint64(1), rows[addrB].ReceivedTxs)
}

func TestScan_BalanceLimit(t *testing.T) {
	chain := newStubChain()
	chain.blocks[100] = []testTx{
		{hash: txHash(1), from: addrA, to: addrB},
		{hash: txHash(2), from: addrB, to: addrC},
	}

	res, err := NewPipeline(chain, quietLogger()).Scan(context.Background(), 100, 100, Options{
		Balances:     true,
		BalanceLimit: 2,
	})
	require.NoError(t, err)
	require.Len(t, res.Rows, 3)

	// 地址按字典序排列，只有前两个查询余额
	assert.NotNil(t, res.Rows[0].EthBalance)
	assert.NotNil(t, res.Rows[1].EthBalance)
	assert.Nil(t, res.Rows[2].EthBalance)
	assert.Equal(t, addrC, res.Rows[2].Address)
	assert.Equal(t, 2, chain.callCount("eth_getBalance"))
}

func TestScan_UnavailableBlocksSkipped(t *testing.T) {
	chain := newStubChain()
	chain.blocks[100] = []testTx{{hash: txHash(1), from: addrA, to: addrB}}
	chain.blocks[102] = []testTx{{hash: txHash(2), from: addrA, to: addrB}}

	res, err := NewPipeline(chain, quietLogger()).Scan(context.Background(), 100, 102, Options{})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res.BlocksScanned)
	assert.Equal(t, uint64(1), res.BlocksUnavailable)
	assert.Equal(t, uint64(2), rowsByAddress(res.Rows)[addrA].SentTxs)
}

func TestScan_ContractCreationHasNoRecipient(t *testing.T) {
	chain := newStubChain()
	chain.blocks[100] = []testTx{{hash: txHash(1), from: addrA}}

	res, err := NewPipeline(chain, quietLogger()).Scan(context.Background(), 100, 100, Options{})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, uint64(1), res.Rows[0].SentTxs)
	assert.Equal(t, uint64(0), res.Rows[0].SentToContractTxs)
	assert.Equal(t, 0, chain.callCount("eth_getCode"))
}

func TestScan_MultipleChunksWithProgress(t *testing.T) {
	chain := newStubChain()
	for n := uint64(0); n < 25; n++ {
		chain.blocks[n] = []testTx{{hash: txHash(int(n)), from: addrA, to: addrB}}
	}

	var calls atomic.Int32
	var last uint64
	p := NewPipeline(chain, quietLogger()).OnProgress(func(processed, total uint64) {
		calls.Add(1)
		last = processed
		assert.Equal(t, uint64(25), total)
	})
	res, err := p.Scan(context.Background(), 0, 24, Options{Concurrency: 2, Window: 3})
	require.NoError(t, err)

	// 每批 6 个区块，共 5 批
	assert.Equal(t, int32(5), calls.Load())
	assert.Equal(t, uint64(25), last)
	assert.Equal(t, uint64(25), res.BlocksScanned)
	assert.Equal(t, uint64(25), rowsByAddress(res.Rows)[addrB].ReceivedTxs)
}

func TestScan_TransportExhaustionAborts(t *testing.T) {
	chain := newStubChain()
	for n := uint64(0); n < 10; n++ {
		chain.blocks[n] = []testTx{{hash: txHash(int(n)), from: addrA, to: addrB}}
	}
	chain.fatalOn[7] = true

	res, err := NewPipeline(chain, quietLogger()).Scan(context.Background(), 0, 9, Options{Concurrency: 1, Window: 2})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, apperrors.IsFatal(err))
	assert.ErrorIs(t, err, apperrors.ErrTransportExhausted)
}

func TestScan_CancelledContext(t *testing.T) {
	chain := newStubChain()
	chain.blocks[1] = []testTx{{hash: txHash(1), from: addrA, to: addrB}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewPipeline(chain, quietLogger()).Scan(ctx, 1, 1, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScan_InvalidRange(t *testing.T) {
	_, err := NewPipeline(newStubChain(), quietLogger()).Scan(context.Background(), 5, 4, Options{})
	assert.ErrorIs(t, err, apperrors.ErrInvalidRange)
}

func TestResultRecord(t *testing.T) {
	res := &Result{
		StartBlock:    10,
		EndBlock:      20,
		BlocksScanned: 11,
		Transactions:  42,
		Rows:          []*models.AddressStats{{Address: addrA}, {Address: addrB}},
		Options:       Options{Trace: true},
	}
	rec := res.Record("http://node")
	assert.Equal(t, uint64(10), rec.StartBlock)
	assert.Equal(t, uint64(11), rec.ScannedBlocks)
	assert.Equal(t, 2, rec.Addresses)
	assert.True(t, rec.Trace)
	assert.Equal(t, "http://node", rec.Endpoint)
	assert.False(t, rec.FinishedAt.IsZero())
}

type rpcResult = rpc.Result

// batchOne 通过 stubChain 的批量接口应答单个请求
func batchOne(chain *stubChain, req rpcEnvelope) ([]rpcResult, error) {
	return chain.Batch(context.Background(), []rpc.Request{{Method: req.Method, Params: req.Params}})
}

func hexQuantity(n uint64) string {
	return hexutil.EncodeUint64(n)
}
