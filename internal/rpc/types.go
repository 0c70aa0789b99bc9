package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

const jsonrpcVersion = "2.0"

// Request 一次调用的方法和参数
type Request struct {
	Method string
	Params []interface{}
}

// NewRequest 创建请求
func NewRequest(method string, params ...interface{}) Request {
	return Request{Method: method, Params: params}
}

// Result 批量请求中单个元素的结果，Error 非空时 Raw 无意义
type Result struct {
	Raw   json.RawMessage
	Error error
}

// IsNull 结果是否为 JSON null
func (r Result) IsNull() bool {
	return r.Error == nil && isNull(r.Raw)
}

// Decode 把结果解码到 out
func (r Result) Decode(out interface{}) error {
	if r.Error != nil {
		return r.Error
	}
	return json.Unmarshal(r.Raw, out)
}

// Error 节点返回的应用层错误，不可重试
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// IsRetryable 应用层错误永不重试
func (e *Error) IsRetryable() bool {
	return false
}

type requestEnvelope struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type responseEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *Error          `json:"error"`
}

// id 解析响应 id，兼容数字和字符串两种写法
func (r *responseEnvelope) id() (uint64, bool) {
	if len(r.ID) == 0 || isNull(r.ID) {
		return 0, false
	}
	var n uint64
	if err := json.Unmarshal(r.ID, &n); err == nil {
		return n, true
	}
	var s string
	if err := json.Unmarshal(r.ID, &s); err == nil {
		if n, err := strconv.ParseUint(s, 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

func (r *responseEnvelope) result() Result {
	if r.Error != nil {
		return Result{Error: r.Error}
	}
	raw := r.Result
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	return Result{Raw: raw}
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
