package errors

import (
	"fmt"
	"time"
)

// ErrorType 错误类型
type ErrorType int

const (
	// 传输层错误：超时、连接重置、非2xx状态、响应体损坏
	ErrorTypeTransport ErrorType = iota
	// 节点返回的 JSON-RPC error 字段
	ErrorTypeRPC
	// 节点不支持的能力（如 trace 方法）
	ErrorTypeUnsupported
	// 单个地址/交易的查询失败
	ErrorTypeItemLookup
	// 无法解析的 trace 节点
	ErrorTypeMalformedTrace

	ErrorTypeValidation
	ErrorTypeConfig
	ErrorTypeFileIO
	ErrorTypeKafka
	ErrorTypeStorage
)

// ErrorSeverity 错误严重级别
type ErrorSeverity int

const (
	SeverityLow ErrorSeverity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// ScanError 扫描过程中的错误
type ScanError struct {
	Type        ErrorType              `json:"type"`
	Severity    ErrorSeverity          `json:"severity"`
	Code        string                 `json:"code"`
	Message     string                 `json:"message"`
	Timestamp   time.Time              `json:"timestamp"`
	Context     map[string]interface{} `json:"context,omitempty"`
	Cause       error                  `json:"cause,omitempty"`
	Retryable   bool                   `json:"retryable"`
	Component   string                 `json:"component"`
	BlockNumber *uint64                `json:"block_number,omitempty"`
}

// Error 实现error接口
func (e *ScanError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 支持errors.Unwrap
func (e *ScanError) Unwrap() error {
	return e.Cause
}

// Is 按错误码匹配，使 errors.Is(err, ErrTransportExhausted) 对包装后的新实例同样成立
func (e *ScanError) Is(target error) bool {
	t, ok := target.(*ScanError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// IsRetryable 判断是否可重试
func (e *ScanError) IsRetryable() bool {
	return e.Retryable
}

// WithContext 添加上下文信息
func (e *ScanError) WithContext(key string, value interface{}) *ScanError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithBlockNumber 添加区块号
func (e *ScanError) WithBlockNumber(blockNumber uint64) *ScanError {
	e.BlockNumber = &blockNumber
	return e
}

// WithComponent 设置出错组件
func (e *ScanError) WithComponent(component string) *ScanError {
	e.Component = component
	return e
}

// NewScanError 创建新的错误
func NewScanError(errorType ErrorType, severity ErrorSeverity, code, message string) *ScanError {
	return &ScanError{
		Type:      errorType,
		Severity:  severity,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: determineRetryable(errorType),
	}
}

// WrapError 包装现有错误
func WrapError(err error, errorType ErrorType, severity ErrorSeverity, code, message string) *ScanError {
	return &ScanError{
		Type:      errorType,
		Severity:  severity,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Cause:     err,
		Retryable: determineRetryable(errorType),
	}
}

// Wrap 以预定义错误为模板包装底层错误
func Wrap(template *ScanError, cause error) *ScanError {
	return &ScanError{
		Type:      template.Type,
		Severity:  template.Severity,
		Code:      template.Code,
		Message:   template.Message,
		Timestamp: time.Now(),
		Cause:     cause,
		Retryable: template.Retryable,
	}
}

// determineRetryable 只有传输层错误可以重试，节点返回的应用错误不重试
func determineRetryable(errorType ErrorType) bool {
	return errorType == ErrorTypeTransport
}

// 预定义错误
var (
	ErrTransport = NewScanError(
		ErrorTypeTransport,
		SeverityMedium,
		"TRANSPORT_FAILED",
		"RPC传输失败",
	)

	ErrTransportExhausted = &ScanError{
		Type:     ErrorTypeTransport,
		Severity: SeverityCritical,
		Code:     "TRANSPORT_EXHAUSTED",
		Message:  "所有节点重试次数已用尽",
	}

	ErrNoEndpoint = &ScanError{
		Type:     ErrorTypeTransport,
		Severity: SeverityCritical,
		Code:     "NO_ENDPOINT",
		Message:  "无法连接到任何RPC节点",
	}

	ErrRPC = NewScanError(
		ErrorTypeRPC,
		SeverityMedium,
		"RPC_ERROR",
		"节点返回错误",
	)

	ErrTraceUnsupported = NewScanError(
		ErrorTypeUnsupported,
		SeverityLow,
		"TRACE_UNSUPPORTED",
		"节点不支持trace方法",
	)

	ErrItemLookup = NewScanError(
		ErrorTypeItemLookup,
		SeverityLow,
		"ITEM_LOOKUP_FAILED",
		"单项查询失败",
	)

	ErrMalformedTrace = NewScanError(
		ErrorTypeMalformedTrace,
		SeverityLow,
		"MALFORMED_TRACE",
		"无法解析的trace节点",
	)

	ErrInvalidRange = NewScanError(
		ErrorTypeValidation,
		SeverityHigh,
		"INVALID_RANGE",
		"无效的区块范围",
	)

	ErrRowInvariant = NewScanError(
		ErrorTypeValidation,
		SeverityHigh,
		"ROW_INVARIANT",
		"统计行不满足计数约束",
	)

	ErrConfigInvalid = NewScanError(
		ErrorTypeConfig,
		SeverityCritical,
		"CONFIG_INVALID",
		"配置无效",
	)

	ErrFileIOFailed = NewScanError(
		ErrorTypeFileIO,
		SeverityHigh,
		"FILE_IO_FAILED",
		"文件操作失败",
	)

	ErrKafkaProduceFailed = NewScanError(
		ErrorTypeKafka,
		SeverityHigh,
		"KAFKA_PRODUCE_FAILED",
		"Kafka消息发送失败",
	)

	ErrStorage = NewScanError(
		ErrorTypeStorage,
		SeverityHigh,
		"STORAGE_FAILED",
		"历史记录存储失败",
	)
)

// IsFatal 是否为终止整个扫描的错误
func IsFatal(err error) bool {
	var se *ScanError
	if !As(err, &se) {
		return false
	}
	return se.Severity == SeverityCritical
}

// 错误类型字符串映射
var errorTypeNames = map[ErrorType]string{
	ErrorTypeTransport:      "Transport",
	ErrorTypeRPC:            "RPC",
	ErrorTypeUnsupported:    "Unsupported",
	ErrorTypeItemLookup:     "ItemLookup",
	ErrorTypeMalformedTrace: "MalformedTrace",
	ErrorTypeValidation:     "Validation",
	ErrorTypeConfig:         "Config",
	ErrorTypeFileIO:         "FileIO",
	ErrorTypeKafka:          "Kafka",
	ErrorTypeStorage:        "Storage",
}

// String 返回错误类型的字符串表示
func (et ErrorType) String() string {
	if name, exists := errorTypeNames[et]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", et)
}

// 严重级别字符串映射
var severityNames = map[ErrorSeverity]string{
	SeverityLow:      "Low",
	SeverityMedium:   "Medium",
	SeverityHigh:     "High",
	SeverityCritical: "Critical",
}

// String 返回严重级别的字符串表示
func (es ErrorSeverity) String() string {
	if name, exists := severityNames[es]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", es)
}

// ErrorStats 错误统计
type ErrorStats struct {
	TotalErrors       int                   `json:"total_errors"`
	ErrorsByType      map[ErrorType]int     `json:"errors_by_type"`
	ErrorsBySeverity  map[ErrorSeverity]int `json:"errors_by_severity"`
	ErrorsByComponent map[string]int        `json:"errors_by_component"`
	RecentErrors      []*ScanError          `json:"recent_errors"`
	LastError         *ScanError            `json:"last_error"`
	LastErrorTime     time.Time             `json:"last_error_time"`
}

// NewErrorStats 创建错误统计
func NewErrorStats() *ErrorStats {
	return &ErrorStats{
		ErrorsByType:      make(map[ErrorType]int),
		ErrorsBySeverity:  make(map[ErrorSeverity]int),
		ErrorsByComponent: make(map[string]int),
		RecentErrors:      make([]*ScanError, 0),
	}
}

// RecordError 记录错误
func (es *ErrorStats) RecordError(err *ScanError) {
	es.TotalErrors++
	es.ErrorsByType[err.Type]++
	es.ErrorsBySeverity[err.Severity]++
	if err.Component != "" {
		es.ErrorsByComponent[err.Component]++
	}

	es.LastError = err
	es.LastErrorTime = err.Timestamp

	// 保留最近100个错误
	es.RecentErrors = append(es.RecentErrors, err)
	if len(es.RecentErrors) > 100 {
		es.RecentErrors = es.RecentErrors[1:]
	}
}
