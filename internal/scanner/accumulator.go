package scanner

import (
	"sort"

	"ethstats/pkg/models"
)

// accumulator 按地址累加计数，只由消费协程写入
type accumulator struct {
	rows map[string]*models.AddressStats
}

func newAccumulator() *accumulator {
	return &accumulator{rows: make(map[string]*models.AddressStats)}
}

func (a *accumulator) row(addr string) *models.AddressStats {
	r, ok := a.rows[addr]
	if !ok {
		r = &models.AddressStats{Address: addr}
		a.rows[addr] = r
	}
	return r
}

// addTransaction 记录一笔外部交易
func (a *accumulator) addTransaction(from, to string, toIsContract bool) {
	if from != "" {
		a.row(from).SentTxs++
	}
	if to != "" {
		a.row(to).ReceivedTxs++
		if toIsContract && from != "" {
			a.row(from).SentToContractTxs++
		}
	}
}

// addInternal 记录内部转账接收次数
func (a *accumulator) addInternal(addr string, n int) {
	if addr == "" || n <= 0 {
		return
	}
	a.row(addr).ReceivedFromContractTxs += uint64(n)
}

func (a *accumulator) addresses() []string {
	addrs := make([]string, 0, len(a.rows))
	for addr := range a.rows {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	return addrs
}
