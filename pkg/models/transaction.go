package models

import (
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// 交易回执状态
const (
	ReceiptStatusFailed     uint64 = 0
	ReceiptStatusSuccessful uint64 = 1
)

// Transaction 交易数据模型
type Transaction struct {
	Hash  string         `json:"hash"`
	From  string         `json:"from"`
	To    *string        `json:"to"` // 合约创建交易为 null
	Value *hexutil.Big   `json:"value"`
	Nonce hexutil.Uint64 `json:"nonce"`

	// Success 启用成功交易过滤时由回执填充，回执查询失败时保持 nil
	Success *bool `json:"-"`
}

// Succeeded 回执确认成功；未查询或查询失败返回 false
func (t *Transaction) Succeeded() bool {
	return t.Success != nil && *t.Success
}

// Sender 返回小写的发送方地址
func (t *Transaction) Sender() string {
	return NormalizeAddress(t.From)
}

// Recipient 返回小写的接收方地址，合约创建交易返回空字符串
func (t *Transaction) Recipient() string {
	if t.To == nil {
		return ""
	}
	return NormalizeAddress(*t.To)
}

// IsContractCreation 是否为合约创建交易
func (t *Transaction) IsContractCreation() bool {
	return t.Recipient() == ""
}

// Receipt 交易回执（只保留状态判断需要的字段）
type Receipt struct {
	TransactionHash string          `json:"transactionHash"`
	Status          *hexutil.Uint64 `json:"status"`
}

// Succeeded 回执状态是否为成功；缺少状态字段视为失败
func (r *Receipt) Succeeded() bool {
	return r != nil && r.Status != nil && uint64(*r.Status) == ReceiptStatusSuccessful
}
