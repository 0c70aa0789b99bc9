package progress

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	apperrors "ethstats/internal/errors"
	"ethstats/pkg/models"
)

const (
	// 默认数据库路径
	DefaultDBPath = "./data/history.db"

	// 存储桶名称
	ScansBucket = "scans"
	StatsBucket = "stats"

	// 统计键
	TotalScansKey  = "total_scans"
	TotalBlocksKey = "total_blocks"
)

// ProgressInfo 当前扫描的进度
type ProgressInfo struct {
	Running         bool      `json:"running"`
	StartBlock      uint64    `json:"start_block"`
	EndBlock        uint64    `json:"end_block"`
	ProcessedBlocks uint64    `json:"processed_blocks"`
	TotalBlocks     uint64    `json:"total_blocks"`
	StartTime       time.Time `json:"start_time"`
	LastUpdateTime  time.Time `json:"last_update_time"`
	ProcessingRate  float64   `json:"processing_rate"` // 区块/秒
}

// Manager 扫描历史管理器：已完成的扫描记录持久化到 BoltDB，当前进度只保存在内存
type Manager struct {
	db     *bolt.DB
	logger *logrus.Logger
	mu     sync.RWMutex

	current *ProgressInfo
}

// NewManager 创建扫描历史管理器
func NewManager(dbPath string, logger *logrus.Logger) (*Manager, error) {
	if dbPath == "" {
		dbPath = DefaultDBPath
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	// 确保目录存在
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("打开历史数据库失败: %w", err)
	}

	manager := &Manager{
		db:      db,
		logger:  logger,
		current: &ProgressInfo{},
	}

	if err := manager.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化数据库失败: %w", err)
	}

	logger.Infof("扫描历史管理器已初始化，数据库路径: %s", dbPath)
	return manager, nil
}

// initDB 初始化数据库结构
func (m *Manager) initDB() error {
	return m.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(ScansBucket)); err != nil {
			return fmt.Errorf("创建扫描存储桶失败: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(StatsBucket)); err != nil {
			return fmt.Errorf("创建统计存储桶失败: %w", err)
		}
		return nil
	})
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func btoi(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// Begin 标记一次扫描开始
func (m *Manager) Begin(start, end uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.current = &ProgressInfo{
		Running:        true,
		StartBlock:     start,
		EndBlock:       end,
		TotalBlocks:    end - start + 1,
		StartTime:      now,
		LastUpdateTime: now,
	}
}

// UpdateProgress 更新已处理区块数，可直接作为扫描进度回调
func (m *Manager) UpdateProgress(processed, total uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.current.ProcessedBlocks = processed
	m.current.TotalBlocks = total
	m.current.LastUpdateTime = now

	if duration := now.Sub(m.current.StartTime).Seconds(); duration > 0 {
		m.current.ProcessingRate = float64(processed) / duration
	}
}

// Finish 标记当前扫描结束
func (m *Manager) Finish() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current.Running = false
	m.current.LastUpdateTime = time.Now()
}

// GetProgress 获取当前进度（副本）
func (m *Manager) GetProgress() *ProgressInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info := *m.current
	return &info
}

// Save 保存一条扫描记录，分配自增 ID
func (m *Manager) Save(rec *models.ScanRecord) error {
	err := m.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(ScansBucket))
		if bucket == nil {
			return fmt.Errorf("扫描存储桶不存在")
		}

		id, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("分配记录ID失败: %w", err)
		}
		rec.ID = id

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("序列化扫描记录失败: %w", err)
		}
		if err := bucket.Put(itob(id), data); err != nil {
			return fmt.Errorf("保存扫描记录失败: %w", err)
		}

		stats := tx.Bucket([]byte(StatsBucket))
		total := btoi(stats.Get([]byte(TotalScansKey))) + 1
		blocks := btoi(stats.Get([]byte(TotalBlocksKey))) + rec.ScannedBlocks
		if err := stats.Put([]byte(TotalScansKey), itob(total)); err != nil {
			return err
		}
		return stats.Put([]byte(TotalBlocksKey), itob(blocks))
	})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, err)
	}

	m.logger.WithFields(logrus.Fields{
		"id":          rec.ID,
		"start_block": rec.StartBlock,
		"end_block":   rec.EndBlock,
	}).Info("扫描记录已保存")
	return nil
}

// Get 按 ID 获取扫描记录，不存在时返回 nil
func (m *Manager) Get(id uint64) (*models.ScanRecord, error) {
	var rec *models.ScanRecord
	err := m.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(ScansBucket)).Get(itob(id))
		if data == nil {
			return nil
		}
		rec = &models.ScanRecord{}
		return json.Unmarshal(data, rec)
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, err)
	}
	return rec, nil
}

// List 按时间倒序列出扫描记录，limit <= 0 表示全部
func (m *Manager) List(limit int) ([]*models.ScanRecord, error) {
	records := make([]*models.ScanRecord, 0)
	err := m.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(ScansBucket)).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(records) >= limit {
				break
			}
			var rec models.ScanRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				m.logger.Warnf("跳过无法解析的扫描记录 %d: %v", btoi(k), err)
				continue
			}
			records = append(records, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, err)
	}
	return records, nil
}

// Latest 最近一次扫描记录，没有记录时返回 nil
func (m *Manager) Latest() (*models.ScanRecord, error) {
	records, err := m.List(1)
	if err != nil || len(records) == 0 {
		return nil, err
	}
	return records[0], nil
}

// GetStats 获取统计信息
func (m *Manager) GetStats() map[string]interface{} {
	info := m.GetProgress()

	var totalScans, totalBlocks uint64
	m.db.View(func(tx *bolt.Tx) error {
		stats := tx.Bucket([]byte(StatsBucket))
		totalScans = btoi(stats.Get([]byte(TotalScansKey)))
		totalBlocks = btoi(stats.Get([]byte(TotalBlocksKey)))
		return nil
	})

	stats := map[string]interface{}{
		"running":          info.Running,
		"processed_blocks": info.ProcessedBlocks,
		"total_blocks":     info.TotalBlocks,
		"processing_rate":  fmt.Sprintf("%.2f blocks/sec", info.ProcessingRate),
		"total_scans":      totalScans,
		"scanned_blocks":   totalBlocks,
	}
	if info.Running {
		stats["running_duration"] = time.Since(info.StartTime).String()
	}
	return stats
}

// Close 关闭历史管理器
func (m *Manager) Close() error {
	if m.db != nil {
		m.logger.Info("关闭扫描历史管理器")
		return m.db.Close()
	}
	return nil
}
