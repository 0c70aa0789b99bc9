package models

import (
	"strconv"
)

// StatsCSVHeader CSV 表头，顺序即输出列顺序
var StatsCSVHeader = []string{
	"address",
	"eth_balance",
	"total_txs",
	"sent_txs",
	"received_txs",
	"sent_to_contract_txs",
	"received_from_contract_txs",
	"external_txs",
	"internal_txs",
}

// AddressStats 单个地址的行为统计
type AddressStats struct {
	Address                 string   `json:"address"`
	EthBalance              *float64 `json:"eth_balance"`
	TotalTxs                uint64   `json:"total_txs"`
	SentTxs                 uint64   `json:"sent_txs"`
	ReceivedTxs             uint64   `json:"received_txs"`
	SentToContractTxs       uint64   `json:"sent_to_contract_txs"`
	ReceivedFromContractTxs uint64   `json:"received_from_contract_txs"`
	ExternalTxs             uint64   `json:"external_txs"`
	InternalTxs             uint64   `json:"internal_txs"`
}

// Finalize 计算派生字段
func (s *AddressStats) Finalize() {
	s.ExternalTxs = s.SentTxs + s.ReceivedTxs
	s.InternalTxs = s.ReceivedFromContractTxs
	s.TotalTxs = s.ExternalTxs + s.InternalTxs
}

// CSVRecord 按 StatsCSVHeader 顺序输出一行，余额缺失时为空
func (s *AddressStats) CSVRecord() []string {
	balance := ""
	if s.EthBalance != nil {
		balance = strconv.FormatFloat(*s.EthBalance, 'f', -1, 64)
	}
	return []string{
		s.Address,
		balance,
		strconv.FormatUint(s.TotalTxs, 10),
		strconv.FormatUint(s.SentTxs, 10),
		strconv.FormatUint(s.ReceivedTxs, 10),
		strconv.FormatUint(s.SentToContractTxs, 10),
		strconv.FormatUint(s.ReceivedFromContractTxs, 10),
		strconv.FormatUint(s.ExternalTxs, 10),
		strconv.FormatUint(s.InternalTxs, 10),
	}
}
