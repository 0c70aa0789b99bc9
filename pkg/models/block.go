package models

import (
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Block 区块数据模型（eth_getBlockByNumber 携带完整交易时的返回）
type Block struct {
	Number       hexutil.Uint64 `json:"number"`
	Hash         string         `json:"hash"`
	ParentHash   string         `json:"parentHash"`
	Timestamp    hexutil.Uint64 `json:"timestamp"`
	Transactions []*Transaction `json:"transactions"`
}

// NumberU64 返回区块号
func (b *Block) NumberU64() uint64 {
	return uint64(b.Number)
}

// Addresses 返回区块内出现过的发送方和接收方地址（去重、小写）
func (b *Block) Addresses() []string {
	seen := make(map[string]struct{}, len(b.Transactions)*2)
	addrs := make([]string, 0, len(b.Transactions)*2)
	for _, tx := range b.Transactions {
		for _, a := range []string{tx.Sender(), tx.Recipient()} {
			if a == "" {
				continue
			}
			if _, ok := seen[a]; ok {
				continue
			}
			seen[a] = struct{}{}
			addrs = append(addrs, a)
		}
	}
	return addrs
}

// Recipients 返回区块内所有交易接收方（去重、小写），合约创建交易不包含在内
func (b *Block) Recipients() []string {
	seen := make(map[string]struct{}, len(b.Transactions))
	out := make([]string, 0, len(b.Transactions))
	for _, tx := range b.Transactions {
		if tx.IsContractCreation() {
			continue
		}
		to := tx.Recipient()
		if _, ok := seen[to]; ok {
			continue
		}
		seen[to] = struct{}{}
		out = append(out, to)
	}
	return out
}

// DropEmptyTransactions 去掉 transactions 中的 null 项，返回去掉的数量
func (b *Block) DropEmptyTransactions() int {
	kept := b.Transactions[:0]
	for _, tx := range b.Transactions {
		if tx != nil {
			kept = append(kept, tx)
		}
	}
	dropped := len(b.Transactions) - len(kept)
	for i := len(kept); i < len(b.Transactions); i++ {
		b.Transactions[i] = nil
	}
	b.Transactions = kept
	return dropped
}

// NormalizeAddress 统一地址格式：去除空白并转为小写
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
