package output

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"ethstats/internal/config"
	apperrors "ethstats/internal/errors"
	"ethstats/pkg/models"
)

// 输出文件名
const (
	CSVFileName  = "scan_stats.csv"
	JSONFileName = "scan_stats.json"
)

// Output 统计结果输出接口
type Output interface {
	WriteStats(rows []*models.AddressStats) error
	Name() string
	Close() error
}

// NewOutputs 按配置创建全部输出器：文件格式各一个，启用时附加 Kafka
func NewOutputs(cfg *config.OutputConfig, logger *logrus.Logger) ([]Output, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	var outputs []Output
	for _, format := range cfg.Formats {
		out, err := NewFileOutput(cfg.Directory, format, logger)
		if err != nil {
			CloseAll(outputs)
			return nil, err
		}
		outputs = append(outputs, out)
	}

	if cfg.Kafka != nil && cfg.Kafka.Enabled {
		out, err := NewKafkaOutput(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		if err != nil {
			CloseAll(outputs)
			return nil, err
		}
		outputs = append(outputs, out)
	}
	return outputs, nil
}

// WriteAll 依次写入所有输出器，出错立即返回
func WriteAll(outputs []Output, rows []*models.AddressStats) error {
	for _, out := range outputs {
		if err := out.WriteStats(rows); err != nil {
			return fmt.Errorf("%s 输出失败: %w", out.Name(), err)
		}
	}
	return nil
}

// CloseAll 关闭所有输出器
func CloseAll(outputs []Output) error {
	var errs []string
	for _, out := range outputs {
		if err := out.Close(); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", out.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("关闭输出器时发生错误: %s", strings.Join(errs, "; "))
	}
	return nil
}

// FileOutput 文件输出（csv 或 json），每次写入覆盖同名文件
type FileOutput struct {
	dir    string
	format string
	logger *logrus.Logger
}

// NewFileOutput 创建文件输出器
func NewFileOutput(dir, format string, logger *logrus.Logger) (*FileOutput, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	if format != "csv" && format != "json" {
		return nil, apperrors.Wrap(apperrors.ErrConfigInvalid, fmt.Errorf("不支持的输出格式: %s", format))
	}
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrFileIOFailed, fmt.Errorf("创建输出目录失败: %w", err))
	}
	return &FileOutput{dir: dir, format: format, logger: logger}, nil
}

// Name 输出器名称
func (o *FileOutput) Name() string {
	return o.format
}

// Path 输出文件路径
func (o *FileOutput) Path() string {
	if o.format == "csv" {
		return filepath.Join(o.dir, CSVFileName)
	}
	return filepath.Join(o.dir, JSONFileName)
}

// WriteStats 写入全部统计行
func (o *FileOutput) WriteStats(rows []*models.AddressStats) error {
	f, err := os.Create(o.Path())
	if err != nil {
		return apperrors.Wrap(apperrors.ErrFileIOFailed, fmt.Errorf("创建输出文件失败: %w", err))
	}
	defer f.Close()

	switch o.format {
	case "csv":
		err = writeCSV(f, rows)
	default:
		err = writeJSON(f, rows)
	}
	if err != nil {
		return apperrors.Wrap(apperrors.ErrFileIOFailed, err)
	}

	// 强制刷新到磁盘
	if err := f.Sync(); err != nil {
		return apperrors.Wrap(apperrors.ErrFileIOFailed, fmt.Errorf("刷新输出文件失败: %w", err))
	}

	o.logger.WithFields(logrus.Fields{
		"path": o.Path(),
		"rows": len(rows),
	}).Info("统计结果已写入文件")
	return nil
}

// Close 文件在每次写入后即关闭
func (o *FileOutput) Close() error {
	return nil
}

func writeCSV(f *os.File, rows []*models.AddressStats) error {
	w := csv.NewWriter(f)
	if err := w.Write(models.StatsCSVHeader); err != nil {
		return fmt.Errorf("写入CSV表头失败: %w", err)
	}
	for _, row := range rows {
		if err := w.Write(row.CSVRecord()); err != nil {
			return fmt.Errorf("写入CSV行失败: %w", err)
		}
	}
	w.Flush()
	return w.Error()
}

// writeJSON 输出记录数组，无记录时为 []
func writeJSON(f *os.File, rows []*models.AddressStats) error {
	if rows == nil {
		rows = []*models.AddressStats{}
	}
	data, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("序列化统计数据失败: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("写入JSON文件失败: %w", err)
	}
	return nil
}
