package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ethstats/internal/config"
	apperrors "ethstats/internal/errors"
	"ethstats/internal/rpc"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func blockJSON(n uint64) json.RawMessage {
	raw, _ := json.Marshal(map[string]interface{}{
		"number":       hexutil.EncodeUint64(n),
		"hash":         fmt.Sprintf("0x%064x", n),
		"transactions": []interface{}{},
	})
	return raw
}

// stubBatcher 以随机延迟返回区块，记录最大并发数
type stubBatcher struct {
	missing map[uint64]bool
	failOn  map[uint64]bool
	jitter  bool

	active    atomic.Int32
	maxActive atomic.Int32
	calls     atomic.Int32
}

func (s *stubBatcher) Batch(ctx context.Context, reqs []rpc.Request) ([]rpc.Result, error) {
	s.calls.Add(1)
	cur := s.active.Add(1)
	defer s.active.Add(-1)
	for {
		max := s.maxActive.Load()
		if cur <= max || s.maxActive.CompareAndSwap(max, cur) {
			break
		}
	}
	if s.jitter {
		time.Sleep(time.Duration(rand.Intn(5)) * time.Millisecond)
	}

	results := make([]rpc.Result, len(reqs))
	for i, r := range reqs {
		n, err := hexutil.DecodeUint64(r.Params[0].(string))
		if err != nil {
			return nil, err
		}
		if s.failOn[n] {
			return nil, apperrors.Wrap(apperrors.ErrTransportExhausted, fmt.Errorf("window with %d failed", n))
		}
		if s.missing[n] {
			results[i] = rpc.Result{Raw: json.RawMessage("null")}
			continue
		}
		results[i] = rpc.Result{Raw: blockJSON(n)}
	}
	return results, nil
}

func numbersFrom(start uint64, count int) []uint64 {
	nums := make([]uint64, count)
	for i := range nums {
		nums[i] = start + uint64(i)
	}
	return nums
}

func TestFetcher_PreservesOrder(t *testing.T) {
	stub := &stubBatcher{jitter: true}
	f := NewFetcher(stub, 7, 4, quietLogger())

	numbers := numbersFrom(1000, 100)
	blocks, err := f.Fetch(context.Background(), numbers)
	require.NoError(t, err)
	require.Len(t, blocks, len(numbers))
	for i, b := range blocks {
		require.NotNil(t, b)
		assert.Equal(t, numbers[i], b.NumberU64())
	}

	// 100 个区块，窗口 7，共 15 个批次
	assert.Equal(t, int32(15), stub.calls.Load())
	assert.LessOrEqual(t, stub.maxActive.Load(), int32(4))
}

func TestFetcher_NullBlocksAreNil(t *testing.T) {
	stub := &stubBatcher{missing: map[uint64]bool{11: true, 13: true}}
	f := NewFetcher(stub, 20, 2, quietLogger())

	blocks, err := f.Fetch(context.Background(), numbersFrom(10, 5))
	require.NoError(t, err)
	require.Len(t, blocks, 5)
	assert.NotNil(t, blocks[0])
	assert.Nil(t, blocks[1])
	assert.NotNil(t, blocks[2])
	assert.Nil(t, blocks[3])
	assert.NotNil(t, blocks[4])
}

func TestFetcher_WindowFailureFailsWholeFetch(t *testing.T) {
	stub := &stubBatcher{failOn: map[uint64]bool{45: true}}
	f := NewFetcher(stub, 10, 3, quietLogger())

	blocks, err := f.Fetch(context.Background(), numbersFrom(0, 100))
	require.Error(t, err)
	assert.Nil(t, blocks)
	assert.True(t, apperrors.IsFatal(err))
}

func TestFetcher_Empty(t *testing.T) {
	f := NewFetcher(&stubBatcher{}, 0, 0, quietLogger())
	blocks, err := f.Fetch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, blocks)
}

func TestFetcher_CancelledContext(t *testing.T) {
	f := NewFetcher(&stubBatcher{}, 1, 1, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.Fetch(ctx, numbersFrom(0, 3))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFetcher_ElementErrorMarksBlockUnavailable(t *testing.T) {
	stub := batcherFunc(func(ctx context.Context, reqs []rpc.Request) ([]rpc.Result, error) {
		return []rpc.Result{
			{Raw: blockJSON(5)},
			{Error: &rpc.Error{Code: -32000, Message: "header not found"}},
			{Raw: json.RawMessage(`"garbage"`)},
		}, nil
	})
	handler := apperrors.NewErrorHandler(quietLogger())
	f := NewFetcher(stub, 20, 1, quietLogger()).WithErrorHandler(handler)

	blocks, err := f.Fetch(context.Background(), []uint64{5, 6, 7})
	require.NoError(t, err)
	assert.NotNil(t, blocks[0])
	assert.Nil(t, blocks[1])
	assert.Nil(t, blocks[2])
	assert.Equal(t, 2, handler.Count(apperrors.ErrorTypeItemLookup))
}

type batcherFunc func(ctx context.Context, reqs []rpc.Request) ([]rpc.Result, error)

func (f batcherFunc) Batch(ctx context.Context, reqs []rpc.Request) ([]rpc.Result, error) {
	return f(ctx, reqs)
}

// 中间窗口第一次传输失败，重试后成功，结果仍按请求顺序返回
func TestFetcher_MiddleWindowRetried(t *testing.T) {
	var middleFailures atomic.Int32
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if strings.Contains(string(body), `"0x65"`) && middleFailures.Add(1) == 1 {
			http.Error(w, "upstream timeout", http.StatusGatewayTimeout)
			return
		}

		var reqs []struct {
			ID     uint64        `json:"id"`
			Params []interface{} `json:"params"`
		}
		require.NoError(t, json.Unmarshal(body, &reqs))

		mu.Lock()
		defer mu.Unlock()
		resps := make([]map[string]interface{}, len(reqs))
		for i, req := range reqs {
			n, _ := hexutil.DecodeUint64(req.Params[0].(string))
			resps[i] = map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": blockJSON(n)}
		}
		json.NewEncoder(w).Encode(resps)
	}))
	defer server.Close()

	cfg := config.GetDefaultConfig().RPC
	cfg.SetEndpoints(server.URL, nil)
	client, err := rpc.NewClient(cfg, quietLogger())
	require.NoError(t, err)
	client.WithSleep(func(ctx context.Context, d time.Duration) error { return nil })

	f := NewFetcher(client, 1, 3, quietLogger())
	blocks, err := f.Fetch(context.Background(), []uint64{100, 101, 102})
	require.NoError(t, err)
	require.Len(t, blocks, 3)
	assert.Equal(t, uint64(100), blocks[0].NumberU64())
	assert.Equal(t, uint64(101), blocks[1].NumberU64())
	assert.Equal(t, uint64(102), blocks[2].NumberU64())
	assert.Equal(t, int32(2), middleFailures.Load())
}
