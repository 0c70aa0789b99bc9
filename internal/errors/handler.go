package errors

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrorHandler 记录可吸收的局部失败（单项查询失败、trace不支持、节点解析失败等），
// 保证每一次跳过都有日志且可计数
type ErrorHandler struct {
	logger    *logrus.Logger
	stats     *ErrorStats
	mu        sync.RWMutex
	callbacks []ErrorCallback
}

// ErrorCallback 错误回调函数
type ErrorCallback func(err *ScanError)

// NewErrorHandler 创建错误处理器
func NewErrorHandler(logger *logrus.Logger) *ErrorHandler {
	return &ErrorHandler{
		logger:    logger,
		stats:     NewErrorStats(),
		callbacks: make([]ErrorCallback, 0),
	}
}

// HandleError 处理错误并返回归一化后的 ScanError
func (eh *ErrorHandler) HandleError(err error, component string) *ScanError {
	if err == nil {
		return nil
	}

	var scanErr *ScanError
	if !As(err, &scanErr) {
		scanErr = WrapError(err, ErrorTypeItemLookup, SeverityLow, "UNKNOWN_ERROR", "未分类错误")
	}
	if scanErr.Component == "" {
		scanErr.Component = component
	}

	eh.mu.Lock()
	eh.stats.RecordError(scanErr)
	callbacks := make([]ErrorCallback, len(eh.callbacks))
	copy(callbacks, eh.callbacks)
	eh.mu.Unlock()

	eh.log(scanErr)

	for _, cb := range callbacks {
		cb(scanErr)
	}

	return scanErr
}

// log 根据严重级别选择日志级别
func (eh *ErrorHandler) log(err *ScanError) {
	entry := eh.logger.WithFields(logrus.Fields{
		"error_type": err.Type.String(),
		"error_code": err.Code,
		"component":  err.Component,
		"retryable":  err.Retryable,
	})
	if err.BlockNumber != nil {
		entry = entry.WithField("block_number", *err.BlockNumber)
	}
	for k, v := range err.Context {
		entry = entry.WithField(k, v)
	}

	switch err.Severity {
	case SeverityLow, SeverityMedium:
		entry.Warn(err.Error())
	default:
		entry.Error(err.Error())
	}
}

// AddCallback 添加错误回调
func (eh *ErrorHandler) AddCallback(callback ErrorCallback) {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.callbacks = append(eh.callbacks, callback)
}

// Count 返回指定类型的错误次数
func (eh *ErrorHandler) Count(errorType ErrorType) int {
	eh.mu.RLock()
	defer eh.mu.RUnlock()
	return eh.stats.ErrorsByType[errorType]
}

// GetStats 获取错误统计的副本
func (eh *ErrorHandler) GetStats() ErrorStats {
	eh.mu.RLock()
	defer eh.mu.RUnlock()

	snapshot := *eh.stats
	snapshot.ErrorsByType = make(map[ErrorType]int, len(eh.stats.ErrorsByType))
	for k, v := range eh.stats.ErrorsByType {
		snapshot.ErrorsByType[k] = v
	}
	snapshot.ErrorsBySeverity = make(map[ErrorSeverity]int, len(eh.stats.ErrorsBySeverity))
	for k, v := range eh.stats.ErrorsBySeverity {
		snapshot.ErrorsBySeverity[k] = v
	}
	snapshot.ErrorsByComponent = make(map[string]int, len(eh.stats.ErrorsByComponent))
	for k, v := range eh.stats.ErrorsByComponent {
		snapshot.ErrorsByComponent[k] = v
	}
	snapshot.RecentErrors = append([]*ScanError(nil), eh.stats.RecentErrors...)
	return snapshot
}
