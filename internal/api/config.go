package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ConfigStore 扫描配置存储
type ConfigStore interface {
	ListConfigs() (map[string]string, error)
	UpdateConfig(key, value string) error
}

// ConfigManager 数据库中扫描配置的查看与修改，修改在下一次扫描生效
type ConfigManager struct {
	store  ConfigStore
	logger *logrus.Logger
}

// NewConfigManager 创建配置管理器
func NewConfigManager(store ConfigStore, logger *logrus.Logger) *ConfigManager {
	return &ConfigManager{
		store:  store,
		logger: logger,
	}
}

// GetConfig 获取配置；指定 key 时只返回该项
func (cm *ConfigManager) GetConfig(c *gin.Context) {
	configs, err := cm.store.ListConfigs()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "获取配置失败",
			"message": err.Error(),
		})
		return
	}

	key := c.Query("key")
	if key == "" {
		c.JSON(http.StatusOK, gin.H{"configs": configs})
		return
	}

	value, ok := configs[key]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "配置不存在",
			"key":   key,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"key":   key,
		"value": value,
	})
}

// UpdateConfig 更新配置
func (cm *ConfigManager) UpdateConfig(c *gin.Context) {
	var req struct {
		Key   string `json:"key" binding:"required"`
		Value string `json:"value" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "请求参数错误",
			"message": err.Error(),
		})
		return
	}

	if err := cm.store.UpdateConfig(req.Key, req.Value); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "更新配置失败",
			"message": err.Error(),
		})
		return
	}

	cm.logger.Infof("扫描配置已更新: %s = %s", req.Key, req.Value)
	c.JSON(http.StatusOK, gin.H{
		"message": "配置更新成功",
		"key":     req.Key,
		"value":   req.Value,
	})
}
