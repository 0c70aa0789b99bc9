package models

import "time"

// ScanRecord 一次已完成扫描的历史记录
type ScanRecord struct {
	ID                uint64        `json:"id"`
	StartBlock        uint64        `json:"start_block"`
	EndBlock          uint64        `json:"end_block"`
	ScannedBlocks     uint64        `json:"scanned_blocks"`
	UnavailableBlocks uint64        `json:"unavailable_blocks"`
	Transactions      uint64        `json:"transactions"`
	SkippedTxs        uint64        `json:"skipped_txs"`
	TracedBlocks      uint64        `json:"traced_blocks"`
	Addresses         int           `json:"addresses"`
	Trace             bool          `json:"trace"`
	CheckSuccess      bool          `json:"check_success"`
	Endpoint          string        `json:"endpoint"`
	Duration          time.Duration `json:"duration"`
	FinishedAt        time.Time     `json:"finished_at"`
}
