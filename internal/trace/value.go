package trace

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

// maxValueBits wei 数额不超过 uint256
const maxValueBits = 256

// parseValue 把 hex 字符串、十进制字符串或 JSON 数字统一为非负整数，缺失或 null 视为 0
func parseValue(raw json.RawMessage) (*big.Int, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return new(big.Int), nil
	}

	var v *big.Int
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil, err
		}
		parsed, err := parseValueString(s)
		if err != nil {
			return nil, err
		}
		v = parsed
	} else {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.UseNumber()
		var n json.Number
		if err := dec.Decode(&n); err != nil {
			return nil, fmt.Errorf("无效的value: %s", trimmed)
		}
		parsed, err := parseNumber(n.String())
		if err != nil {
			return nil, err
		}
		v = parsed
	}

	if v.Sign() < 0 {
		return nil, fmt.Errorf("value 不能为负数: %s", v)
	}
	if v.BitLen() > maxValueBits {
		return nil, fmt.Errorf("value 超过 %d 位: %s", maxValueBits, trimmed)
	}
	return v, nil
}

func parseValueString(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return new(big.Int), nil
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		digits := s[2:]
		if digits == "" {
			return new(big.Int), nil
		}
		v, ok := new(big.Int).SetString(digits, 16)
		if !ok {
			return nil, fmt.Errorf("无效的十六进制value: %q", s)
		}
		return v, nil
	}
	return parseNumber(s)
}

// parseNumber 十进制整数，也接受 1e18 这类整数值的科学计数法
func parseNumber(s string) (*big.Int, error) {
	if v, ok := new(big.Int).SetString(s, 10); ok {
		return v, nil
	}
	f, _, err := big.ParseFloat(s, 10, 256, big.ToNearestEven)
	if err != nil {
		return nil, fmt.Errorf("无效的十进制value: %q", s)
	}
	if !f.IsInt() {
		return nil, fmt.Errorf("value 不是整数: %q", s)
	}
	if f.MantExp(nil) > maxValueBits {
		return nil, fmt.Errorf("value 超过 %d 位: %q", maxValueBits, s)
	}
	v, _ := f.Int(nil)
	return v, nil
}
