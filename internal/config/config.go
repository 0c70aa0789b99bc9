package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"ethstats/internal/logging"
	"ethstats/internal/retry"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// EnvPrefix 环境变量前缀
const EnvPrefix = "ETHSTATS"

// Config 主配置
type Config struct {
	RPC      *RPCConfig         `mapstructure:"rpc"`
	Scan     *ScanConfig        `mapstructure:"scan"`
	Output   *OutputConfig      `mapstructure:"output"`
	Logging  *logging.LogConfig `mapstructure:"logging"`
	Progress *ProgressConfig    `mapstructure:"progress"`
	API      *APIConfig         `mapstructure:"api"`
}

// RPCConfig RPC 节点与重试配置
type RPCConfig struct {
	Endpoints   []*EndpointConfig `mapstructure:"endpoints"`
	Timeout     time.Duration     `mapstructure:"timeout"`
	MaxAttempts int               `mapstructure:"max_attempts"`
	BaseDelay   time.Duration     `mapstructure:"base_delay"`
	MaxDelay    time.Duration     `mapstructure:"max_delay"`
	RotateAfter int               `mapstructure:"rotate_after"`
}

// EndpointConfig 节点配置
type EndpointConfig struct {
	Name     string `mapstructure:"name"`
	URL      string `mapstructure:"url"`
	Priority int    `mapstructure:"priority"`
}

// ScanConfig 扫描配置
type ScanConfig struct {
	LastBlocks   uint64        `mapstructure:"last_blocks"`
	StartBlock   *uint64       `mapstructure:"start_block"`
	EndBlock     *uint64       `mapstructure:"end_block"`
	Concurrency  int           `mapstructure:"concurrency"`
	Window       int           `mapstructure:"window"`
	ChunkSize    int           `mapstructure:"chunk_size"`
	Trace        bool          `mapstructure:"trace"`
	CheckSuccess bool          `mapstructure:"check_success"`
	Balances     bool          `mapstructure:"balances"`
	BalanceLimit int           `mapstructure:"balance_limit"`
	BalanceBatch bool          `mapstructure:"balance_batch"`
	BalanceDelay time.Duration `mapstructure:"balance_delay"`
}

// KafkaConfig Kafka配置
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// OutputConfig 输出配置
type OutputConfig struct {
	Directory string       `mapstructure:"directory"`
	Formats   []string     `mapstructure:"formats"` // csv, json
	Kafka     *KafkaConfig `mapstructure:"kafka"`
}

// ProgressConfig 扫描历史存储配置
type ProgressConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// APIConfig HTTP API 配置
type APIConfig struct {
	Listen string `mapstructure:"listen"`
}

// URLs 按优先级排序的节点地址，第一个为主节点
func (c *RPCConfig) URLs() []string {
	endpoints := make([]*EndpointConfig, 0, len(c.Endpoints))
	for _, ep := range c.Endpoints {
		if ep != nil && strings.TrimSpace(ep.URL) != "" {
			endpoints = append(endpoints, ep)
		}
	}
	sort.SliceStable(endpoints, func(i, j int) bool {
		return endpoints[i].Priority < endpoints[j].Priority
	})

	urls := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		urls = append(urls, strings.TrimSpace(ep.URL))
	}
	return urls
}

// SetEndpoints 用主节点和备用节点覆盖节点列表
func (c *RPCConfig) SetEndpoints(primary string, fallbacks []string) {
	endpoints := []*EndpointConfig{{Name: "primary", URL: primary, Priority: 0}}
	for i, url := range fallbacks {
		endpoints = append(endpoints, &EndpointConfig{
			Name:     fmt.Sprintf("fallback_%d", i+1),
			URL:      url,
			Priority: i + 1,
		})
	}
	c.Endpoints = endpoints
}

// RetryConfig 转换为重试器配置
func (c *RPCConfig) RetryConfig() *retry.RetryConfig {
	return &retry.RetryConfig{
		MaxAttempts:     c.MaxAttempts,
		InitialInterval: c.BaseDelay,
		MaxInterval:     c.MaxDelay,
		BackoffFactor:   2.0,
		RotateAfter:     c.RotateAfter,
	}
}

// LoadConfig 加载配置（自动检测配置源）
func LoadConfig(configPath string, logger *logrus.Logger) (*Config, error) {
	config, err := LoadConfigFromFile(configPath)
	if err != nil {
		return nil, err
	}
	if err := ApplyDatabase(config, logger); err != nil {
		return nil, err
	}
	return config, nil
}

// LoadConfigFromFile 从文件和环境变量加载配置，configPath 为空时只使用默认值和环境变量
func LoadConfigFromFile(configPath string) (*Config, error) {
	v, err := NewViper(configPath)
	if err != nil {
		return nil, err
	}
	return Decode(v)
}

// NewViper 注册默认值和环境变量并读取配置文件，调用方可在 Decode 之前继续绑定命令行参数
func NewViper(configPath string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}
	return v, nil
}

// ApplyDatabase 设置了 ETHSTATS_DB_DSN 时，节点和扫描参数以数据库为准
func ApplyDatabase(config *Config, logger *logrus.Logger) error {
	dsn := os.Getenv(EnvPrefix + "_DB_DSN")
	if dsn == "" {
		return nil
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	dbConfig, err := NewDatabaseConfig(dsn, logger)
	if err != nil {
		return fmt.Errorf("连接数据库失败: %w", err)
	}
	defer dbConfig.Close()

	if err := dbConfig.Apply(config); err != nil {
		return fmt.Errorf("从数据库加载配置失败: %w", err)
	}
	logger.Info("已从数据库加载配置")
	return nil
}

// Decode 把 viper 中的配置解析为 Config，默认值需先通过 SetDefaults 注册
func Decode(v *viper.Viper) (*Config, error) {
	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	return config, nil
}

// SetDefaults 向 viper 注册默认值，使环境变量可以覆盖每个键
func SetDefaults(v *viper.Viper) {
	d := GetDefaultConfig()
	v.SetDefault("rpc.timeout", d.RPC.Timeout)
	v.SetDefault("rpc.max_attempts", d.RPC.MaxAttempts)
	v.SetDefault("rpc.base_delay", d.RPC.BaseDelay)
	v.SetDefault("rpc.max_delay", d.RPC.MaxDelay)
	v.SetDefault("rpc.rotate_after", d.RPC.RotateAfter)
	v.SetDefault("scan.last_blocks", d.Scan.LastBlocks)
	v.SetDefault("scan.concurrency", d.Scan.Concurrency)
	v.SetDefault("scan.window", d.Scan.Window)
	v.SetDefault("scan.chunk_size", d.Scan.ChunkSize)
	v.SetDefault("scan.trace", d.Scan.Trace)
	v.SetDefault("scan.check_success", d.Scan.CheckSuccess)
	v.SetDefault("scan.balances", d.Scan.Balances)
	v.SetDefault("scan.balance_limit", d.Scan.BalanceLimit)
	v.SetDefault("scan.balance_batch", d.Scan.BalanceBatch)
	v.SetDefault("scan.balance_delay", d.Scan.BalanceDelay)
	v.SetDefault("output.directory", d.Output.Directory)
	v.SetDefault("output.formats", d.Output.Formats)
	v.SetDefault("output.kafka.enabled", d.Output.Kafka.Enabled)
	v.SetDefault("output.kafka.brokers", d.Output.Kafka.Brokers)
	v.SetDefault("output.kafka.topic", d.Output.Kafka.Topic)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output", d.Logging.Output)
	v.SetDefault("progress.db_path", d.Progress.DBPath)
	v.SetDefault("api.listen", d.API.Listen)
}

// GetDefaultConfig 获取默认配置
func GetDefaultConfig() *Config {
	return &Config{
		RPC: &RPCConfig{
			Timeout:     60 * time.Second,
			MaxAttempts: 5,
			BaseDelay:   750 * time.Millisecond,
			MaxDelay:    8 * time.Second,
			RotateAfter: 2,
		},
		Scan: &ScanConfig{
			LastBlocks:   0,
			Concurrency:  32,
			Window:       20,
			ChunkSize:    100,
			Trace:        false,
			CheckSuccess: false,
			Balances:     true,
			BalanceLimit: 0,
			BalanceBatch: true,
			BalanceDelay: 2 * time.Millisecond,
		},
		Output: &OutputConfig{
			Directory: ".",
			Formats:   []string{"csv", "json"},
			Kafka: &KafkaConfig{
				Enabled: false,
				Brokers: []string{"localhost:9092"},
				Topic:   "ethstats_address_stats",
			},
		},
		Logging: &logging.LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Progress: &ProgressConfig{
			DBPath: "./data/history.db",
		},
		API: &APIConfig{
			Listen: ":8080",
		},
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.RPC == nil || len(c.RPC.URLs()) == 0 {
		return fmt.Errorf("至少需要配置一个RPC节点")
	}
	if c.RPC.MaxAttempts <= 0 {
		return fmt.Errorf("rpc.max_attempts 必须大于0: %d", c.RPC.MaxAttempts)
	}
	if c.RPC.BaseDelay < 0 || c.RPC.MaxDelay < c.RPC.BaseDelay {
		return fmt.Errorf("rpc 重试间隔无效: base=%v max=%v", c.RPC.BaseDelay, c.RPC.MaxDelay)
	}
	if c.Scan == nil {
		return fmt.Errorf("缺少 scan 配置")
	}
	if c.Scan.Concurrency <= 0 || c.Scan.Window <= 0 || c.Scan.ChunkSize <= 0 {
		return fmt.Errorf("scan.concurrency/window/chunk_size 必须大于0")
	}
	if c.Scan.BalanceLimit < 0 {
		return fmt.Errorf("scan.balance_limit 不能为负数: %d", c.Scan.BalanceLimit)
	}
	if c.Output != nil {
		for _, f := range c.Output.Formats {
			if f != "csv" && f != "json" {
				return fmt.Errorf("不支持的输出格式: %s", f)
			}
		}
		if c.Output.Kafka != nil && c.Output.Kafka.Enabled {
			if len(c.Output.Kafka.Brokers) == 0 || c.Output.Kafka.Topic == "" {
				return fmt.Errorf("启用Kafka时需要配置 brokers 和 topic")
			}
		}
	}
	return nil
}
