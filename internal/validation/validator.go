package validation

import (
	"fmt"
	"math"
	"regexp"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"ethstats/internal/errors"
	"ethstats/pkg/models"
)

var hashRegex = regexp.MustCompile("^0x[0-9a-fA-F]{64}$")

// Validator 数据验证器
type Validator struct {
	logger       *logrus.Logger
	strictMode   bool // 严格模式下地址格式问题也视为错误
	errorHandler *errors.ErrorHandler

	mu    sync.RWMutex
	rules map[string]ValidationRule
}

// ValidationRule 验证规则接口
type ValidationRule interface {
	Validate(data interface{}) error
	Name() string
	Description() string
}

// ValidationResult 验证结果
type ValidationResult struct {
	Valid    bool                `json:"valid"`
	Errors   []*errors.ScanError `json:"errors,omitempty"`
	Warnings []string            `json:"warnings,omitempty"`
	DataType string              `json:"data_type"`
}

// Err 第一个错误，验证通过时为 nil
func (r *ValidationResult) Err() error {
	if r == nil || r.Valid || len(r.Errors) == 0 {
		return nil
	}
	return r.Errors[0]
}

func (r *ValidationResult) fail(err *errors.ScanError) {
	r.Valid = false
	r.Errors = append(r.Errors, err)
}

// NewValidator 创建数据验证器
func NewValidator(logger *logrus.Logger, strictMode bool) *Validator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	v := &Validator{
		logger:       logger,
		strictMode:   strictMode,
		errorHandler: errors.NewErrorHandler(logger),
		rules:        make(map[string]ValidationRule),
	}

	v.registerDefaultRules()

	return v
}

// registerDefaultRules 注册默认验证规则
func (v *Validator) registerDefaultRules() {
	v.AddRule(NewRowValidationRule())
	v.AddRule(NewAddressValidationRule())
	v.AddRule(NewHashValidationRule())
}

// AddRule 添加验证规则
func (v *Validator) AddRule(rule ValidationRule) {
	v.mu.Lock()
	v.rules[rule.Name()] = rule
	v.mu.Unlock()
	v.logger.Debugf("已注册验证规则: %s", rule.Name())
}

func (v *Validator) rule(name string) (ValidationRule, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	rule, ok := v.rules[name]
	return rule, ok
}

// ValidateBlock 验证拉取到的区块：区块号必须与请求一致，哈希和交易地址格式不对时给出警告
func (v *Validator) ValidateBlock(block *models.Block, expected uint64) *ValidationResult {
	result := &ValidationResult{Valid: true, DataType: "block"}
	if block == nil {
		result.fail(errors.NewScanError(errors.ErrorTypeValidation, errors.SeverityMedium,
			"BLOCK_EMPTY", "区块为空").WithBlockNumber(expected))
		return result
	}

	if block.NumberU64() != expected {
		result.fail(errors.NewScanError(errors.ErrorTypeValidation, errors.SeverityMedium,
			"BLOCK_NUMBER_MISMATCH", fmt.Sprintf("节点返回的区块号 %d 与请求的 %d 不一致", block.NumberU64(), expected)).
			WithBlockNumber(expected))
	}

	if hashRule, ok := v.rule("hash"); ok && block.Hash != "" {
		if err := hashRule.Validate(block.Hash); err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("区块哈希格式无效: %s", block.Hash))
		}
	}

	addrRule, _ := v.rule("address")
	for i, tx := range block.Transactions {
		if tx == nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("第 %d 笔交易为空", i))
			continue
		}
		for _, addr := range []string{tx.From, tx.Recipient()} {
			if addrRule == nil || addr == "" {
				continue
			}
			if err := addrRule.Validate(addr); err != nil {
				msg := fmt.Sprintf("交易 %s 地址格式无效: %s", tx.Hash, addr)
				if v.strictMode {
					result.fail(errors.WrapError(err, errors.ErrorTypeValidation, errors.SeverityMedium,
						"TX_ADDRESS_INVALID", msg).WithBlockNumber(expected))
				} else {
					result.Warnings = append(result.Warnings, msg)
				}
			}
		}
	}

	return result
}

// ValidateRow 验证统计行的计数约束
func (v *Validator) ValidateRow(row *models.AddressStats) *ValidationResult {
	result := &ValidationResult{Valid: true, DataType: "address_stats"}

	if rule, ok := v.rule("row"); ok {
		if err := rule.Validate(row); err != nil {
			se, isScan := err.(*errors.ScanError)
			if !isScan {
				se = errors.Wrap(errors.ErrRowInvariant, err)
			}
			result.fail(se)
		}
	}
	if row != nil {
		if rule, ok := v.rule("address"); ok {
			if err := rule.Validate(row.Address); err != nil {
				if v.strictMode {
					result.fail(errors.Wrap(errors.ErrRowInvariant, err).WithContext("address", row.Address))
				} else {
					result.Warnings = append(result.Warnings, fmt.Sprintf("地址格式无效: %s", row.Address))
				}
			}
		}
	}

	if !result.Valid {
		for _, err := range result.Errors {
			v.errorHandler.HandleError(err, "validation")
		}
	}
	return result
}

// isValidHash 验证哈希格式
func isValidHash(hash string) bool {
	return hashRegex.MatchString(hash)
}

// isValidAddress 验证地址格式
func isValidAddress(addr string) bool {
	return len(addr) == 42 && common.IsHexAddress(addr)
}

// RowValidationRule 统计行计数约束
type RowValidationRule struct{}

func NewRowValidationRule() *RowValidationRule {
	return &RowValidationRule{}
}

func (r *RowValidationRule) Name() string {
	return "row"
}

func (r *RowValidationRule) Description() string {
	return "地址统计行的计数约束"
}

func (r *RowValidationRule) Validate(data interface{}) error {
	row, ok := data.(*models.AddressStats)
	if !ok || row == nil {
		return fmt.Errorf("数据类型不是统计行")
	}

	fail := func(format string, args ...interface{}) error {
		return errors.Wrap(errors.ErrRowInvariant, fmt.Errorf(format, args...)).WithContext("address", row.Address)
	}

	if row.Address == "" {
		return fail("地址为空")
	}
	if row.ExternalTxs != row.SentTxs+row.ReceivedTxs {
		return fail("external_txs(%d) != sent_txs(%d) + received_txs(%d)", row.ExternalTxs, row.SentTxs, row.ReceivedTxs)
	}
	if row.InternalTxs != row.ReceivedFromContractTxs {
		return fail("internal_txs(%d) != received_from_contract_txs(%d)", row.InternalTxs, row.ReceivedFromContractTxs)
	}
	if row.TotalTxs != row.ExternalTxs+row.InternalTxs {
		return fail("total_txs(%d) != external_txs(%d) + internal_txs(%d)", row.TotalTxs, row.ExternalTxs, row.InternalTxs)
	}
	if row.SentToContractTxs > row.SentTxs {
		return fail("sent_to_contract_txs(%d) > sent_txs(%d)", row.SentToContractTxs, row.SentTxs)
	}
	if row.EthBalance != nil {
		b := *row.EthBalance
		if math.IsNaN(b) || math.IsInf(b, 0) || b < 0 {
			return fail("余额无效: %v", b)
		}
	}
	return nil
}

// AddressValidationRule 地址验证规则
type AddressValidationRule struct{}

func NewAddressValidationRule() *AddressValidationRule {
	return &AddressValidationRule{}
}

func (r *AddressValidationRule) Name() string {
	return "address"
}

func (r *AddressValidationRule) Description() string {
	return "以太坊地址验证规则"
}

func (r *AddressValidationRule) Validate(data interface{}) error {
	addr, ok := data.(string)
	if !ok {
		return fmt.Errorf("数据类型不是字符串")
	}

	if !isValidAddress(addr) {
		return errors.NewScanError(errors.ErrorTypeValidation, errors.SeverityHigh,
			"INVALID_ADDRESS_FORMAT", fmt.Sprintf("地址格式无效: %s", addr))
	}

	return nil
}

// HashValidationRule 哈希验证规则
type HashValidationRule struct{}

func NewHashValidationRule() *HashValidationRule {
	return &HashValidationRule{}
}

func (r *HashValidationRule) Name() string {
	return "hash"
}

func (r *HashValidationRule) Description() string {
	return "哈希值验证规则"
}

func (r *HashValidationRule) Validate(data interface{}) error {
	hash, ok := data.(string)
	if !ok {
		return fmt.Errorf("数据类型不是字符串")
	}

	if !isValidHash(hash) {
		return errors.NewScanError(errors.ErrorTypeValidation, errors.SeverityHigh,
			"INVALID_HASH_FORMAT", "哈希格式无效")
	}

	return nil
}
