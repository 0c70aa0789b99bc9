package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// GracefulShutdown 优雅停机管理器：收到信号时先取消扫描上下文，再按顺序执行清理函数
type GracefulShutdown struct {
	logger         *logrus.Logger
	timeout        time.Duration
	shutdownFuncs  []ShutdownFunc
	mu             sync.Mutex
	signalChan     chan os.Signal
	stop           chan struct{}
	done           chan struct{}
	ctx            context.Context
	cancel         context.CancelFunc
	isShuttingDown bool
}

// ShutdownFunc 停机处理函数
type ShutdownFunc struct {
	Name  string
	Func  func(ctx context.Context) error
	Order int // 执行顺序，数字越小越早执行
}

// ShutdownOrder 停机顺序
const (
	OrderStopAcceptingRequests = 10 // 停止接受新请求
	OrderWaitForScan           = 20 // 等待进行中的扫描退出
	OrderFlushProducers        = 30 // 关闭输出器
	OrderSaveState             = 40 // 写入扫描历史
	OrderCloseConnections      = 50 // 关闭数据库
)

// NewGracefulShutdown 创建优雅停机管理器，Context() 在 parent 结束或收到信号时取消
func NewGracefulShutdown(parent context.Context, timeout time.Duration, logger *logrus.Logger) *GracefulShutdown {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	ctx, cancel := context.WithCancel(parent)
	return &GracefulShutdown{
		logger:     logger,
		timeout:    timeout,
		signalChan: make(chan os.Signal, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// RegisterShutdownFunc 注册停机处理函数
func (gs *GracefulShutdown) RegisterShutdownFunc(name string, fn func(ctx context.Context) error, order int) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	gs.shutdownFuncs = append(gs.shutdownFuncs, ShutdownFunc{
		Name:  name,
		Func:  fn,
		Order: order,
	})
	gs.logger.Debugf("注册停机处理函数: %s (order: %d)", name, order)
}

// Start 启动信号监听
func (gs *GracefulShutdown) Start() {
	signal.Notify(gs.signalChan, syscall.SIGINT, syscall.SIGTERM)
	go gs.signalHandler()
	gs.logger.Debug("优雅停机管理器已启动，监听信号: SIGINT, SIGTERM")
}

// Context 扫描使用的上下文
func (gs *GracefulShutdown) Context() context.Context {
	return gs.ctx
}

// Done 停机流程完成后关闭
func (gs *GracefulShutdown) Done() <-chan struct{} {
	return gs.done
}

// Shutdown 手动触发停机，重复调用无效果
func (gs *GracefulShutdown) Shutdown() {
	if !gs.begin() {
		return
	}
	gs.performShutdown()
}

func (gs *GracefulShutdown) begin() bool {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	if gs.isShuttingDown {
		return false
	}
	gs.isShuttingDown = true
	return true
}

func (gs *GracefulShutdown) signalHandler() {
	select {
	case sig := <-gs.signalChan:
		gs.logger.Warnf("收到停机信号: %v，取消扫描", sig)
		if !gs.begin() {
			gs.logger.Warn("停机过程已在进行中，忽略信号")
			return
		}
		gs.performShutdown()
	case <-gs.stop:
	}
}

// performShutdown 取消上下文后按 Order 执行停机函数，整体受超时限制
func (gs *GracefulShutdown) performShutdown() {
	defer close(gs.done)
	gs.cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), gs.timeout)
	defer shutdownCancel()

	gs.mu.Lock()
	funcs := make([]ShutdownFunc, len(gs.shutdownFuncs))
	copy(funcs, gs.shutdownFuncs)
	gs.mu.Unlock()
	sort.SliceStable(funcs, func(i, j int) bool { return funcs[i].Order < funcs[j].Order })

	var shutdownErrors []error
	for _, fn := range funcs {
		start := time.Now()
		err := fn.Func(shutdownCtx)
		duration := time.Since(start)

		if err != nil {
			gs.logger.Errorf("停机处理 '%s' 失败 (耗时: %v): %v", fn.Name, duration, err)
			shutdownErrors = append(shutdownErrors, fmt.Errorf("%s: %w", fn.Name, err))
		} else {
			gs.logger.Debugf("停机处理 '%s' 完成 (耗时: %v)", fn.Name, duration)
		}

		if shutdownCtx.Err() != nil {
			gs.logger.Warn("停机超时，跳过剩余处理")
			return
		}
	}

	if len(shutdownErrors) > 0 {
		gs.logger.Errorf("停机过程中发生 %d 个错误", len(shutdownErrors))
	}
}

// IsShuttingDown 检查是否正在停机
func (gs *GracefulShutdown) IsShuttingDown() bool {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.isShuttingDown
}

// Close 停止信号监听并执行尚未执行的停机流程
func (gs *GracefulShutdown) Close() error {
	signal.Stop(gs.signalChan)
	select {
	case <-gs.stop:
	default:
		close(gs.stop)
	}
	gs.Shutdown()
	<-gs.done
	return nil
}
