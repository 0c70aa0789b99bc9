package rpc

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ethstats/internal/config"
	apperrors "ethstats/internal/errors"
)

func noSleep(ctx context.Context, d time.Duration) error { return nil }

func newTestClient(t *testing.T, endpoints ...string) *Client {
	t.Helper()
	cfg := &config.RPCConfig{
		Timeout:     2 * time.Second,
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		MaxDelay:    8 * time.Millisecond,
		RotateAfter: 2,
	}
	cfg.SetEndpoints(endpoints[0], endpoints[1:])

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	client, err := NewClient(cfg, logger)
	require.NoError(t, err)
	return client.WithSleep(noSleep)
}

// rpcHandler 根据单个请求生成响应，批量请求按相反顺序返回
func rpcHandler(t *testing.T, fn func(req requestEnvelope) interface{}) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		w.Header().Set("Content-Type", "application/json")
		if len(body) > 0 && body[0] == '[' {
			var reqs []requestEnvelope
			require.NoError(t, json.Unmarshal(body, &reqs))
			resps := make([]interface{}, 0, len(reqs))
			for i := len(reqs) - 1; i >= 0; i-- {
				resps = append(resps, envelopeFor(reqs[i], fn(reqs[i])))
			}
			json.NewEncoder(w).Encode(resps)
			return
		}

		var req requestEnvelope
		require.NoError(t, json.Unmarshal(body, &req))
		json.NewEncoder(w).Encode(envelopeFor(req, fn(req)))
	}
}

func envelopeFor(req requestEnvelope, result interface{}) map[string]interface{} {
	resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
	if e, ok := result.(*Error); ok {
		resp["error"] = e
	} else {
		resp["result"] = result
	}
	return resp
}

func TestClient_Call(t *testing.T) {
	var ids []uint64
	var mu sync.Mutex
	server := httptest.NewServer(rpcHandler(t, func(req requestEnvelope) interface{} {
		mu.Lock()
		ids = append(ids, req.ID)
		mu.Unlock()
		assert.Equal(t, "2.0", req.JSONRPC)
		assert.Equal(t, "eth_getBalance", req.Method)
		return "0x10"
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	for i := 0; i < 3; i++ {
		var balance string
		require.NoError(t, client.CallInto(context.Background(), &balance, "eth_getBalance", "0xabc", "latest"))
		assert.Equal(t, "0x10", balance)
	}

	// id 在会话内单调递增
	require.Len(t, ids, 3)
	assert.Less(t, ids[0], ids[1])
	assert.Less(t, ids[1], ids[2])
}

func TestClient_CallApplicationErrorNotRetried(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(rpcHandler(t, func(req requestEnvelope) interface{} {
		hits.Add(1)
		return &Error{Code: -32601, Message: "method not found"}
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.Call(context.Background(), "trace_block", "0x1")
	require.Error(t, err)

	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32601, rpcErr.Code)
	assert.Equal(t, int32(1), hits.Load())
	assert.False(t, apperrors.IsFatal(err))
}

func TestClient_BatchOutOfOrder(t *testing.T) {
	server := httptest.NewServer(rpcHandler(t, func(req requestEnvelope) interface{} {
		return req.Params[0]
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	reqs := []Request{
		NewRequest("eth_getCode", "0x01", "latest"),
		NewRequest("eth_getCode", "0x02", "latest"),
		NewRequest("eth_getCode", "0x03", "latest"),
		NewRequest("eth_getCode", "0x04", "latest"),
	}

	results, err := client.Batch(context.Background(), reqs)
	require.NoError(t, err)
	require.Len(t, results, len(reqs))
	for i, r := range results {
		var got string
		require.NoError(t, r.Decode(&got))
		assert.Equal(t, reqs[i].Params[0], got)
	}
}

func TestClient_BatchPerElementError(t *testing.T) {
	server := httptest.NewServer(rpcHandler(t, func(req requestEnvelope) interface{} {
		if req.Params[0] == "0x02" {
			return &Error{Code: -32000, Message: "header not found"}
		}
		if req.Params[0] == "0x03" {
			return nil
		}
		return "0x1"
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	results, err := client.Batch(context.Background(), []Request{
		NewRequest("eth_getBalance", "0x01"),
		NewRequest("eth_getBalance", "0x02"),
		NewRequest("eth_getBalance", "0x03"),
	})
	require.NoError(t, err)

	assert.NoError(t, results[0].Error)
	assert.Error(t, results[1].Error)
	assert.NoError(t, results[2].Error)
	assert.True(t, results[2].IsNull())
}

func TestClient_BatchSingleErrorObject(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		io.WriteString(w, `{"jsonrpc":"2.0","id":null,"error":{"code":-32005,"message":"batch too large"}}`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	results, err := client.Batch(context.Background(), []Request{
		NewRequest("eth_getCode", "0x01", "latest"),
		NewRequest("eth_getCode", "0x02", "latest"),
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		var rpcErr *Error
		require.ErrorAs(t, r.Error, &rpcErr)
		assert.Equal(t, -32005, rpcErr.Code)
	}
	assert.Equal(t, int32(1), hits.Load())
}

func TestClient_BatchEmpty(t *testing.T) {
	client := newTestClient(t, "http://127.0.0.1:1")
	results, err := client.Batch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestClient_MalformedBodyRetried(t *testing.T) {
	var hits atomic.Int32
	ok := rpcHandler(t, func(req requestEnvelope) interface{} { return "0x2a" })
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			io.WriteString(w, "<html>gateway</html>")
			return
		}
		ok(w, r)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	latest, err := client.LatestBlock(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(42), latest)
	assert.Equal(t, int32(2), hits.Load())
}

func TestClient_BatchMissingIDRetried(t *testing.T) {
	var hits atomic.Int32
	full := rpcHandler(t, func(req requestEnvelope) interface{} { return "0x1" })
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			io.WriteString(w, `[{"jsonrpc":"2.0","id":999999,"result":"0x1"}]`)
			return
		}
		full(w, r)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	results, err := client.Batch(context.Background(), []Request{NewRequest("eth_getBalance", "0x01")})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.NoError(t, results[0].Error)
	assert.Equal(t, int32(2), hits.Load())
}

func TestClient_RotatesAfterTwoFailures(t *testing.T) {
	var badHits, goodHits atomic.Int32
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		badHits.Add(1)
		http.Error(w, "too many requests", http.StatusTooManyRequests)
	}))
	defer bad.Close()
	good := httptest.NewServer(rpcHandler(t, func(req requestEnvelope) interface{} {
		goodHits.Add(1)
		return "0x64"
	}))
	defer good.Close()

	client := newTestClient(t, bad.URL, good.URL)
	latest, err := client.LatestBlock(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(100), latest)

	assert.Equal(t, int32(2), badHits.Load())
	assert.Equal(t, int32(1), goodHits.Load())
	assert.Equal(t, good.URL, client.Pool().Current())
}

func TestClient_Exhausted(t *testing.T) {
	var hits atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})
	a := httptest.NewServer(handler)
	defer a.Close()
	b := httptest.NewServer(handler)
	defer b.Close()

	client := newTestClient(t, a.URL, b.URL)
	_, err := client.Batch(context.Background(), []Request{NewRequest("eth_getBlockByNumber", "0x1", true)})
	require.Error(t, err)

	assert.True(t, apperrors.Is(err, apperrors.ErrTransportExhausted))
	assert.True(t, apperrors.IsFatal(err))
	assert.Equal(t, int32(5), hits.Load())
}

func TestClient_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Call(ctx, "eth_blockNumber")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, apperrors.IsFatal(err))
}

func TestClient_Probe(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	good := httptest.NewServer(rpcHandler(t, func(req requestEnvelope) interface{} { return "0x1" }))
	defer good.Close()

	client := newTestClient(t, deadURL, good.URL)
	endpoint, err := client.Probe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, good.URL, endpoint)
	assert.Equal(t, good.URL, client.Pool().Current())
}

func TestClient_ProbeNoEndpoint(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	client := newTestClient(t, deadURL)
	_, err := client.Probe(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrNoEndpoint))
	assert.True(t, apperrors.IsFatal(err))
}

func TestNewClient_NoEndpoints(t *testing.T) {
	_, err := NewClient(&config.RPCConfig{}, nil)
	assert.True(t, apperrors.Is(err, apperrors.ErrNoEndpoint))
}

func TestDecodeBatch_OrphanError(t *testing.T) {
	index := map[uint64]int{7: 0, 8: 1}
	data := []byte(`[{"jsonrpc":"2.0","id":8,"result":"0x1"},{"jsonrpc":"2.0","id":null,"error":{"code":-32600,"message":"invalid request"}}]`)

	results, err := decodeBatch(data, index)
	require.NoError(t, err)
	assert.Error(t, results[0].Error)
	assert.NoError(t, results[1].Error)
}

func TestResponseEnvelope_StringID(t *testing.T) {
	var resp responseEnvelope
	require.NoError(t, json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":"12","result":"0x0"}`), &resp))
	id, ok := resp.id()
	assert.True(t, ok)
	assert.Equal(t, uint64(12), id)
}

func TestEndpointPool(t *testing.T) {
	pool := NewEndpointPool([]string{"a", "b", "c"})
	assert.Equal(t, "a", pool.Current())

	to, ok := pool.RotateFrom("a")
	assert.True(t, ok)
	assert.Equal(t, "b", to)

	// 已经离开 a，再次从 a 切换不生效
	to, ok = pool.RotateFrom("a")
	assert.False(t, ok)
	assert.Equal(t, "b", to)

	pool.RotateFrom("b")
	to, ok = pool.RotateFrom("c")
	assert.True(t, ok)
	assert.Equal(t, "a", to)

	assert.True(t, pool.Use("c"))
	assert.Equal(t, "c", pool.Current())
	assert.False(t, pool.Use("d"))
	assert.Equal(t, []string{"a", "b", "c"}, pool.Endpoints())
}

func TestClient_ConcurrentFailuresRotateOnce(t *testing.T) {
	var badHits, goodHits atomic.Int32
	firstRound := make(chan struct{})
	secondRound := make(chan struct{})
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := badHits.Add(1)
		switch n {
		case 2:
			close(firstRound)
		case 4:
			close(secondRound)
		}
		wait := firstRound
		if n > 2 {
			wait = secondRound
		}
		select {
		case <-wait:
		case <-time.After(2 * time.Second):
		}
		http.Error(w, "too many requests", http.StatusTooManyRequests)
	}))
	defer bad.Close()
	good := httptest.NewServer(rpcHandler(t, func(req requestEnvelope) interface{} {
		goodHits.Add(1)
		return "0x64"
	}))
	defer good.Close()

	client := newTestClient(t, bad.URL, good.URL)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = client.LatestBlock(context.Background())
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int32(4), badHits.Load())
	assert.Equal(t, int32(2), goodHits.Load())
	assert.Equal(t, good.URL, client.Pool().Current())
}
