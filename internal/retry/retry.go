package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	apperrors "ethstats/internal/errors"
)

// RetryConfig 重试配置
type RetryConfig struct {
	MaxAttempts         int           `json:"max_attempts" mapstructure:"max_attempts"`                 // 最大尝试次数（含首次）
	InitialInterval     time.Duration `json:"initial_interval" mapstructure:"initial_interval"`         // 初始重试间隔
	MaxInterval         time.Duration `json:"max_interval" mapstructure:"max_interval"`                 // 最大重试间隔
	BackoffFactor       float64       `json:"backoff_factor" mapstructure:"backoff_factor"`             // 退避因子
	RandomizationFactor float64       `json:"randomization_factor" mapstructure:"randomization_factor"` // 随机化因子
	EnableJitter        bool          `json:"enable_jitter" mapstructure:"enable_jitter"`               // 启用抖动
	RotateAfter         int           `json:"rotate_after" mapstructure:"rotate_after"`                 // 同一节点连续失败多少次后切换节点，0 表示不切换
}

// DefaultRetryConfig 默认重试配置
var DefaultRetryConfig = &RetryConfig{
	MaxAttempts:         5,
	InitialInterval:     750 * time.Millisecond,
	MaxInterval:         8 * time.Second,
	BackoffFactor:       2.0,
	RandomizationFactor: 0.1,
	EnableJitter:        false,
	RotateAfter:         2,
}

// State 单次调用的重试状态
type State int

const (
	StateIdle State = iota
	StateAttempting
	StateSuccess
	StateRotateEndpoint
	StateExhausted
	StateAborted // 不可重试错误或上下文取消
)

var stateNames = map[State]string{
	StateIdle:           "Idle",
	StateAttempting:     "Attempting",
	StateSuccess:        "Success",
	StateRotateEndpoint: "RotateEndpoint",
	StateExhausted:      "Exhausted",
	StateAborted:        "Aborted",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Outcome 一次 Execute 的执行记录
type Outcome struct {
	State     State
	Attempts  int
	Retries   int
	Rotations int
	History   []State
}

func (o *Outcome) transition(s State) {
	o.State = s
	o.History = append(o.History, s)
}

// RetryableError 可重试错误接口
type RetryableError interface {
	error
	IsRetryable() bool
}

// IsRetryableError 判断是否为可重试错误
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var retryableErr RetryableError
	if errors.As(err, &retryableErr) {
		return retryableErr.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	networkErrors := []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"service unavailable",
		"too many requests",
		"rate limit",
		"no such host",
		"network is unreachable",
		"broken pipe",
		"tls handshake",
	}
	for _, networkErr := range networkErrors {
		if strings.Contains(errStr, networkErr) {
			return true
		}
	}

	return false
}

// SleepFunc 等待函数，测试中可替换为不真正休眠的实现
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Retrier 重试器
type Retrier struct {
	config *RetryConfig
	logger *logrus.Logger
	sleep  SleepFunc

	mu   sync.Mutex
	rand *rand.Rand
}

// NewRetrier 创建重试器
func NewRetrier(config *RetryConfig, logger *logrus.Logger) *Retrier {
	if config == nil {
		config = DefaultRetryConfig
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Retrier{
		config: config,
		logger: logger,
		sleep:  sleepContext,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// WithSleep 替换等待函数
func (r *Retrier) WithSleep(fn SleepFunc) *Retrier {
	r.sleep = fn
	return r
}

// ExecuteFunc 执行函数类型，attempt 从 1 开始
type ExecuteFunc func(attempt int) error

// RotateFunc 切换节点回调，attempt 为触发切换的失败尝试
type RotateFunc func(attempt int)

// Execute 执行重试逻辑：Idle → Attempting(n) → {Success | RotateEndpoint | Exhausted}
//
// 连续失败达到 RotateAfter 次时调用 onRotate（可为 nil），每次 Execute 最多切换一次
func (r *Retrier) Execute(ctx context.Context, operation string, fn ExecuteFunc, onRotate RotateFunc) (*Outcome, error) {
	out := &Outcome{State: StateIdle, History: []State{StateIdle}}
	maxAttempts := r.config.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	consecutive := 0
	rotated := false

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			out.transition(StateAborted)
			return out, err
		}

		out.transition(StateAttempting)
		out.Attempts = attempt

		err := fn(attempt)
		if err == nil {
			out.transition(StateSuccess)
			if attempt > 1 {
				r.logger.Debugf("操作 '%s' 在第 %d 次尝试后成功", operation, attempt)
			}
			return out, nil
		}

		if !IsRetryableError(err) {
			out.transition(StateAborted)
			r.logger.Debugf("操作 '%s' 失败且不可重试: %v", operation, err)
			return out, err
		}

		consecutive++
		if attempt >= maxAttempts {
			out.transition(StateExhausted)
			r.logger.Errorf("操作 '%s' 在 %d 次尝试后最终失败: %v", operation, attempt, err)
			return out, apperrors.Wrap(apperrors.ErrTransportExhausted,
				fmt.Errorf("操作 '%s' 重试 %d 次后失败: %w", operation, attempt, err))
		}

		// 每次调用最多切换一次节点
		if !rotated && r.config.RotateAfter > 0 && consecutive >= r.config.RotateAfter {
			out.transition(StateRotateEndpoint)
			out.Rotations++
			rotated = true
			if onRotate != nil {
				onRotate(attempt)
			}
		}

		delay := r.calculateDelay(attempt)
		out.Retries++
		r.logger.Warnf("操作 '%s' 第 %d/%d 次失败: %v，%v 后重试", operation, attempt, maxAttempts, err, delay)

		if err := r.sleep(ctx, delay); err != nil {
			out.transition(StateAborted)
			return out, err
		}
	}
}

// calculateDelay 计算延迟时间：InitialInterval × BackoffFactor^(attempt-1)，上限 MaxInterval
func (r *Retrier) calculateDelay(attempt int) time.Duration {
	factor := r.config.BackoffFactor
	if factor <= 0 {
		factor = 2.0
	}
	delay := float64(r.config.InitialInterval) * math.Pow(factor, float64(attempt-1))

	if r.config.MaxInterval > 0 && delay > float64(r.config.MaxInterval) {
		delay = float64(r.config.MaxInterval)
	}

	if r.config.EnableJitter {
		jitter := delay * r.config.RandomizationFactor
		r.mu.Lock()
		delay = delay - jitter + (r.rand.Float64() * jitter * 2)
		r.mu.Unlock()
		if delay < 0 {
			delay = float64(r.config.InitialInterval)
		}
	}

	return time.Duration(delay)
}
