package trace

import (
	"bytes"
	"encoding/json"
	"sort"

	"ethstats/pkg/models"
)

type rawFlatTrace struct {
	Type            string `json:"type"`
	TransactionHash string `json:"transactionHash"`
	Action          struct {
		To            string          `json:"to"`
		Value         json.RawMessage `json:"value"`
		RefundAddress string          `json:"refundAddress"`
		Balance       json.RawMessage `json:"balance"`
	} `json:"action"`
	Result *struct {
		Address string `json:"address"`
	} `json:"result"`
}

type rawCallNode struct {
	To    string            `json:"to"`
	Value json.RawMessage   `json:"value"`
	Calls []json.RawMessage `json:"calls"`
}

// normalizeFlat 归一化 trace_block 的结果；结果不是数组时返回 false
func normalizeFlat(payload json.RawMessage) ([]*models.FlatTrace, int, bool) {
	var entries []json.RawMessage
	if !isArray(payload) || json.Unmarshal(payload, &entries) != nil {
		return nil, 0, false
	}

	flat := make([]*models.FlatTrace, 0, len(entries))
	skipped := 0
	for _, entry := range entries {
		var raw rawFlatTrace
		if err := json.Unmarshal(entry, &raw); err != nil {
			skipped++
			continue
		}

		to, value := raw.Action.To, raw.Action.Value
		switch raw.Type {
		case "create":
			if to == "" && raw.Result != nil {
				to = raw.Result.Address
			}
		case "suicide", "selfdestruct":
			to, value = raw.Action.RefundAddress, raw.Action.Balance
		}

		v, err := parseValue(value)
		if err != nil {
			skipped++
			continue
		}
		flat = append(flat, &models.FlatTrace{
			TransactionHash: raw.TransactionHash,
			Type:            raw.Type,
			To:              models.NormalizeAddress(to),
			Value:           v,
		})
	}
	return flat, skipped, true
}

// normalizeTrees 归一化 callTracer 的结果：
// {txHash, result} 列表、裸调用树列表或以交易哈希为键的对象
func normalizeTrees(payload json.RawMessage) ([]*models.TraceCallNode, int, bool) {
	var items []json.RawMessage
	switch {
	case isArray(payload):
		if json.Unmarshal(payload, &items) != nil {
			return nil, 0, false
		}
	case isObject(payload):
		var byHash map[string]json.RawMessage
		if json.Unmarshal(payload, &byHash) != nil {
			return nil, 0, false
		}
		keys := make([]string, 0, len(byHash))
		for k := range byHash {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			items = append(items, byHash[k])
		}
	default:
		return nil, 0, false
	}

	trees := make([]*models.TraceCallNode, 0, len(items))
	skipped := 0
	for _, item := range items {
		root, ok := rootOf(item)
		if !ok {
			skipped++
			continue
		}
		node, n := normalizeNode(root)
		skipped += n
		if node != nil {
			trees = append(trees, node)
		}
	}
	return trees, skipped, true
}

// rootOf 取出单笔交易的调用树根节点；带 txHash 但没有 result 的条目（该交易 trace 失败）返回 false
func rootOf(item json.RawMessage) (json.RawMessage, bool) {
	var wrapper struct {
		TxHash *string         `json:"txHash"`
		Result json.RawMessage `json:"result"`
	}
	if !isObject(item) || json.Unmarshal(item, &wrapper) != nil {
		return nil, false
	}
	if isObject(wrapper.Result) {
		return wrapper.Result, true
	}
	if wrapper.TxHash != nil || len(wrapper.Result) > 0 {
		return nil, false
	}
	return item, true
}

// normalizeNode 递归归一化调用树；value 无法解析的节点保留但不计数，子节点照常遍历
func normalizeNode(raw json.RawMessage) (*models.TraceCallNode, int) {
	var node rawCallNode
	if !isObject(raw) || json.Unmarshal(raw, &node) != nil {
		return nil, 1
	}

	skipped := 0
	out := &models.TraceCallNode{To: models.NormalizeAddress(node.To)}
	if v, err := parseValue(node.Value); err == nil {
		out.Value = v
	} else {
		skipped++
	}

	for _, child := range node.Calls {
		c, n := normalizeNode(child)
		skipped += n
		if c != nil {
			out.Children = append(out.Children, c)
		}
	}
	return out, skipped
}

func isArray(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '['
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}
