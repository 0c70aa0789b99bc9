package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"ethstats/internal/config"
	"ethstats/internal/progress"
	"ethstats/internal/scanner"
	"ethstats/pkg/models"
)

// Runner 执行一次完整扫描
type Runner interface {
	Run(ctx context.Context, spec scanner.RangeSpec, opts scanner.Options) (*scanner.Result, *models.ScanRecord, error)
}

// ScanRequest POST /api/v1/scans 请求体，未指定的选项使用配置文件中的值
type ScanRequest struct {
	LastBlocks   uint64  `json:"last_blocks"`
	StartBlock   *uint64 `json:"start_block"`
	EndBlock     *uint64 `json:"end_block"`
	Trace        *bool   `json:"trace"`
	CheckSuccess *bool   `json:"check_success"`
	Balances     *bool   `json:"balances"`
	BalanceLimit *int    `json:"balance_limit"`
}

// Server API服务器
type Server struct {
	config     *config.Config
	runner     Runner
	history    *progress.Manager
	logger     *logrus.Logger
	logManager *LogManager
	configs    *ConfigManager
	server     *http.Server
	startedAt  time.Time

	mu         sync.RWMutex
	isRunning  bool
	cancelScan context.CancelFunc
	scanDone   chan struct{}
	lastResult *scanner.Result
	lastRecord *models.ScanRecord
	lastErr    error
}

// NewServer 创建新的API服务器；history 可为 nil
func NewServer(cfg *config.Config, runner Runner, history *progress.Manager, logger *logrus.Logger) *Server {
	logManager := NewLogManager(1000) // 最多保存1000条日志
	logger.AddHook(NewLogHook(logManager))

	return &Server{
		config:     cfg,
		runner:     runner,
		history:    history,
		logger:     logger,
		logManager: logManager,
		startedAt:  time.Now(),
	}
}

// WithConfigManager 启用数据库配置管理接口
func (s *Server) WithConfigManager(cm *ConfigManager) *Server {
	s.configs = cm
	return s
}

// Handler 构建路由
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	// CORS
	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})
	router.Use(gin.Recovery())

	s.setupRoutes(router)
	return router
}

// Start 启动API服务器，阻塞直到服务器关闭
func (s *Server) Start(listen string) error {
	s.server = &http.Server{
		Addr:              listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("API服务器启动在 %s", listen)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop 取消进行中的扫描并关闭HTTP服务器
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning && s.cancelScan != nil {
		s.cancelScan()
		s.logger.Info("扫描任务已取消")
	}
	s.mu.Unlock()

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// WaitScan 等待进行中的扫描退出
func (s *Server) WaitScan(ctx context.Context) error {
	s.mu.RLock()
	done := s.scanDone
	s.mu.RUnlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) setupRoutes(router *gin.Engine) {
	router.GET("/health", s.healthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")
	{
		api.GET("/status", s.getStatus)

		// 扫描
		api.POST("/scans", s.startScan)
		api.DELETE("/scans/current", s.cancelCurrentScan)
		api.GET("/scans", s.listScans)
		api.GET("/scans/latest", s.latestScan)
		api.GET("/scans/:id", s.getScan)

		// 日志管理
		api.GET("/logs", s.getLogs)
		api.DELETE("/logs", s.clearLogs)

		// 节点
		api.GET("/nodes", s.getNodes)

		if s.configs != nil {
			api.GET("/config", s.configs.GetConfig)
			api.PUT("/config", s.configs.UpdateConfig)
		}
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"service":   "ethstats-api",
	})
}

func (s *Server) getStatus(c *gin.Context) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := gin.H{
		"running": s.isRunning,
		"uptime":  time.Since(s.startedAt).String(),
	}
	if s.lastErr != nil {
		status["last_error"] = s.lastErr.Error()
	}
	if s.lastRecord != nil {
		status["last_scan"] = s.lastRecord
	} else if s.history != nil {
		// 本进程尚未扫描时展示历史中最近的一次
		if latest, err := s.history.Latest(); err != nil {
			s.logger.WithError(err).Warn("读取最近扫描记录失败")
		} else if latest != nil {
			status["last_scan"] = latest
		}
	}
	if s.history != nil {
		status["progress"] = s.history.GetProgress()
		status["history"] = s.history.GetStats()
	}
	c.JSON(http.StatusOK, status)
}

// options 用请求覆盖配置中的扫描选项
func (s *Server) options(req *ScanRequest) scanner.Options {
	opts := scanner.OptionsFromConfig(s.config.Scan)
	if req.Trace != nil {
		opts.Trace = *req.Trace
	}
	if req.CheckSuccess != nil {
		opts.CheckSuccess = *req.CheckSuccess
	}
	if req.Balances != nil {
		opts.Balances = *req.Balances
	}
	if req.BalanceLimit != nil {
		opts.BalanceLimit = *req.BalanceLimit
	}
	return opts
}

// startScan 在后台启动扫描，同一时间只允许一个扫描
func (s *Server) startScan(c *gin.Context) {
	var req ScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.LastBlocks == 0 && (req.StartBlock == nil || req.EndBlock == nil) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "需要指定 last_blocks 或 start_block/end_block"})
		return
	}
	spec := scanner.RangeSpec{LastBlocks: req.LastBlocks, Start: req.StartBlock, End: req.EndBlock}
	opts := s.options(&req)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		c.JSON(http.StatusConflict, gin.H{"error": "已有扫描在运行"})
		return
	}

	scanCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.isRunning = true
	s.cancelScan = cancel
	s.scanDone = done
	s.lastErr = nil

	go func() {
		defer close(done)
		defer cancel()

		res, record, err := s.runner.Run(scanCtx, spec, opts)

		s.mu.Lock()
		defer s.mu.Unlock()
		s.isRunning = false
		s.cancelScan = nil
		s.lastErr = err
		if res != nil {
			s.lastResult = res
			s.lastRecord = record
		}
		if err != nil {
			s.logger.WithError(err).Error("扫描失败")
			return
		}
		s.logger.Infof("扫描完成: %d 区块, %d 地址", res.BlocksScanned, len(res.Rows))
	}()

	c.JSON(http.StatusAccepted, gin.H{
		"message": "扫描任务已启动",
		"status":  "started",
	})
}

func (s *Server) cancelCurrentScan(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning || s.cancelScan == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "没有运行中的扫描"})
		return
	}
	s.cancelScan()
	c.JSON(http.StatusOK, gin.H{
		"message": "扫描任务已取消",
		"status":  "cancelling",
	})
}

func (s *Server) listScans(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "未启用扫描历史"})
		return
	}

	limit := 20
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			limit = n
		}
	}
	records, err := s.history.List(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"scans": records,
		"total": len(records),
	})
}

func (s *Server) getScan(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "未启用扫描历史"})
		return
	}
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的扫描ID"})
		return
	}
	record, err := s.history.Get(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if record == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "扫描记录不存在"})
		return
	}
	c.JSON(http.StatusOK, record)
}

// latestScan 返回最近一次通过API启动的扫描的统计行
func (s *Server) latestScan(c *gin.Context) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.lastResult == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "尚无完成的扫描"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"scan": s.lastRecord,
		"rows": s.lastResult.Rows,
	})
}

func (s *Server) getLogs(c *gin.Context) {
	level := c.Query("level")

	// ?tail=N 只取最新 N 条
	if tail, err := strconv.Atoi(c.Query("tail")); err == nil && tail > 0 {
		c.JSON(http.StatusOK, gin.H{
			"logs":  s.logManager.GetLogs(level, tail),
			"tail":  tail,
			"level": level,
		})
		return
	}

	page := 1
	if p, err := strconv.Atoi(c.Query("page")); err == nil && p > 0 {
		page = p
	}
	pageSize := 20
	if ps, err := strconv.Atoi(c.Query("pageSize")); err == nil && ps > 0 {
		pageSize = ps
	}

	logs, total := s.logManager.GetLogsWithPagination(level, page, pageSize)
	c.JSON(http.StatusOK, gin.H{
		"logs":     logs,
		"total":    total,
		"page":     page,
		"pageSize": pageSize,
		"level":    level,
	})
}

func (s *Server) clearLogs(c *gin.Context) {
	s.logManager.ClearLogs()
	c.JSON(http.StatusOK, gin.H{"message": "日志已清空"})
}

// getNodes 配置中的节点，按优先级排序
func (s *Server) getNodes(c *gin.Context) {
	if s.config == nil || s.config.RPC == nil || len(s.config.RPC.Endpoints) == 0 {
		c.JSON(http.StatusOK, gin.H{
			"nodes":   []gin.H{},
			"total":   0,
			"message": "未配置任何节点",
		})
		return
	}

	nodes := make([]gin.H, 0, len(s.config.RPC.Endpoints))
	for _, ep := range s.config.RPC.Endpoints {
		nodes = append(nodes, gin.H{
			"name":     ep.Name,
			"url":      ep.URL,
			"priority": ep.Priority,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"nodes": nodes,
		"total": len(nodes),
	})
}
