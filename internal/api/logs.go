package api

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// LogEntry 日志条目
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// LogManager 最近日志的环形缓冲
type LogManager struct {
	mu      sync.RWMutex
	logs    []LogEntry
	next    int
	full    bool
	maxLogs int
}

// NewLogManager 创建日志管理器
func NewLogManager(maxLogs int) *LogManager {
	if maxLogs <= 0 {
		maxLogs = 1000
	}
	return &LogManager{
		logs:    make([]LogEntry, maxLogs),
		maxLogs: maxLogs,
	}
}

// AddLog 添加日志，超出容量时覆盖最旧的一条
func (lm *LogManager) AddLog(entry *logrus.Entry) {
	var fields map[string]interface{}
	if len(entry.Data) > 0 {
		fields = make(map[string]interface{}, len(entry.Data))
		for k, v := range entry.Data {
			// error 类型无法直接序列化为 JSON
			if err, ok := v.(error); ok {
				v = err.Error()
			}
			fields[k] = v
		}
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()

	lm.logs[lm.next] = LogEntry{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
		Fields:    fields,
	}
	lm.next = (lm.next + 1) % lm.maxLogs
	if lm.next == 0 {
		lm.full = true
	}
}

// snapshot 按时间顺序复制日志，level 非空时只保留该级别
func (lm *LogManager) snapshot(level string) []LogEntry {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	ordered := lm.logs[:lm.next]
	if lm.full {
		ordered = append(append([]LogEntry(nil), lm.logs[lm.next:]...), lm.logs[:lm.next]...)
	}

	out := make([]LogEntry, 0, len(ordered))
	for _, e := range ordered {
		if level == "" || e.Level == level {
			out = append(out, e)
		}
	}
	return out
}

// GetLogs 获取最新的 limit 条日志，limit <= 0 表示全部
func (lm *LogManager) GetLogs(level string, limit int) []LogEntry {
	logs := lm.snapshot(level)
	if limit > 0 && limit < len(logs) {
		logs = logs[len(logs)-limit:]
	}
	return logs
}

// GetLogsWithPagination 获取分页日志
func (lm *LogManager) GetLogsWithPagination(level string, page, pageSize int) ([]LogEntry, int) {
	logs := lm.snapshot(level)
	total := len(logs)

	start := (page - 1) * pageSize
	if start >= total {
		return []LogEntry{}, total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return logs[start:end], total
}

// ClearLogs 清空日志
func (lm *LogManager) ClearLogs() {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.logs = make([]LogEntry, lm.maxLogs)
	lm.next = 0
	lm.full = false
}

// LogHook 把日志写入 LogManager 的 logrus 钩子
type LogHook struct {
	manager *LogManager
}

// NewLogHook 创建日志钩子
func NewLogHook(manager *LogManager) *LogHook {
	return &LogHook{manager: manager}
}

// Fire 实现 logrus.Hook 接口
func (h *LogHook) Fire(entry *logrus.Entry) error {
	h.manager.AddLog(entry)
	return nil
}

// Levels 实现 logrus.Hook 接口
func (h *LogHook) Levels() []logrus.Level {
	return logrus.AllLevels
}
