package models

import "math/big"

// FlatTrace trace_block 返回的扁平调用记录（归一化后）
type FlatTrace struct {
	TransactionHash string   `json:"transaction_hash"`
	Type            string   `json:"type"` // call, create, suicide
	To              string   `json:"to"`
	Value           *big.Int `json:"value"`
}

// TraceCallNode callTracer 调用树节点（归一化后）
type TraceCallNode struct {
	To       string           `json:"to"`
	Value    *big.Int         `json:"value"`
	Children []*TraceCallNode `json:"children,omitempty"`
}
