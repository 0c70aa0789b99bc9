package config

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// DatabaseConfig 数据库配置管理器
type DatabaseConfig struct {
	DB     *sql.DB
	logger *logrus.Logger
}

// NewDatabaseConfig 创建数据库配置管理器
func NewDatabaseConfig(dsn string, logger *logrus.Logger) (*DatabaseConfig, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	// 测试连接
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("数据库连接测试失败: %w", err)
	}

	return &DatabaseConfig{
		DB:     db,
		logger: logger,
	}, nil
}

// Apply 用数据库中的节点和扫描参数覆盖配置
func (dc *DatabaseConfig) Apply(config *Config) error {
	endpoints, err := dc.loadEndpoints()
	if err != nil {
		return fmt.Errorf("加载RPC节点配置失败: %w", err)
	}
	if len(endpoints) > 0 {
		if config.RPC == nil {
			config.RPC = GetDefaultConfig().RPC
		}
		config.RPC.Endpoints = endpoints
	}

	settings, err := dc.ListConfigs()
	if err != nil {
		return fmt.Errorf("加载扫描配置失败: %w", err)
	}
	if config.Scan == nil {
		config.Scan = GetDefaultConfig().Scan
	}
	for key, value := range settings {
		if err := applyScanSetting(config.Scan, key, value); err != nil {
			dc.logger.Warnf("忽略无效的扫描配置 %s=%s: %v", key, value, err)
		}
	}

	return nil
}

// loadEndpoints 加载启用的RPC节点，按优先级排序
func (dc *DatabaseConfig) loadEndpoints() ([]*EndpointConfig, error) {
	query := `SELECT name, url, priority FROM rpc_endpoints WHERE is_active = true ORDER BY priority`
	rows, err := dc.DB.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var endpoints []*EndpointConfig
	for rows.Next() {
		var ep EndpointConfig
		if err := rows.Scan(&ep.Name, &ep.URL, &ep.Priority); err != nil {
			return nil, err
		}
		endpoints = append(endpoints, &ep)
	}

	return endpoints, rows.Err()
}

// applyScanSetting 应用单个 key/value 扫描配置
func applyScanSetting(scan *ScanConfig, key, value string) error {
	value = strings.TrimSpace(value)
	switch key {
	case "concurrency", "window", "chunk_size", "balance_limit":
		v, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		switch key {
		case "concurrency":
			scan.Concurrency = v
		case "window":
			scan.Window = v
		case "chunk_size":
			scan.ChunkSize = v
		case "balance_limit":
			scan.BalanceLimit = v
		}
	case "last_blocks":
		v, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		scan.LastBlocks = v
	case "trace":
		scan.Trace = strings.ToLower(value) == "true"
	case "check_success":
		scan.CheckSuccess = strings.ToLower(value) == "true"
	case "balances":
		scan.Balances = strings.ToLower(value) == "true"
	case "balance_batch":
		scan.BalanceBatch = strings.ToLower(value) == "true"
	case "balance_delay":
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		scan.BalanceDelay = d
	default:
		return fmt.Errorf("未知的配置项")
	}
	return nil
}

// UpdateConfig 更新扫描配置
func (dc *DatabaseConfig) UpdateConfig(key, value string) error {
	if err := applyScanSetting(&ScanConfig{}, key, value); err != nil {
		return fmt.Errorf("无效的配置 %s=%s: %w", key, value, err)
	}

	query := `
		INSERT INTO scan_config (config_key, config_value, updated_at)
		VALUES ($1, $2, CURRENT_TIMESTAMP)
		ON CONFLICT (config_key)
		DO UPDATE SET config_value = $2, updated_at = CURRENT_TIMESTAMP
	`
	_, err := dc.DB.Exec(query, key, value)
	return err
}

// ListConfigs 列出所有启用的扫描配置
func (dc *DatabaseConfig) ListConfigs() (map[string]string, error) {
	query := `SELECT config_key, config_value FROM scan_config WHERE is_active = true`
	rows, err := dc.DB.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	configs := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		configs[key] = value
	}

	return configs, rows.Err()
}

// Close 关闭数据库连接
func (dc *DatabaseConfig) Close() error {
	if dc.DB != nil {
		return dc.DB.Close()
	}
	return nil
}
