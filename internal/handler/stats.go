package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/whrit/flow-agent-sub011/internal/core"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

// StatsHandler 指标与历史查询接口
type StatsHandler struct {
	svc Service
}

// NewStatsHandler creates a new stats handler
func NewStatsHandler(svc Service) *StatsHandler {
	return &StatsHandler{svc: svc}
}

// Metrics 执行器指标
// GET /api/metrics
func (h *StatsHandler) Metrics(c *gin.Context) {
	core.Success(c, h.svc.Metrics())
}

// PoolStats 连接池统计
// GET /api/pool/stats
func (h *StatsHandler) PoolStats(c *gin.Context) {
	core.Success(c, h.svc.PoolStats())
}

// CacheStats 缓存统计，未启用缓存时 enabled 为 false
// GET /api/cache/stats
func (h *StatsHandler) CacheStats(c *gin.Context) {
	stats, enabled := h.svc.CacheStats()
	if !enabled {
		core.Success(c, gin.H{"enabled": false})
		return
	}
	core.Success(c, gin.H{"enabled": true, "stats": stats})
}

// History 最近的执行记录
// GET /api/history?limit=N
// GET /api/history?snapshot=true
func (h *StatsHandler) History(c *gin.Context) {
	if c.Query("snapshot") == "true" {
		core.Success(c, h.svc.HistorySnapshot())
		return
	}

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			core.FailWithMessage(c, core.ErrInvalidParam, "limit 必须为正整数")
			return
		}
		limit = n
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	records := h.svc.History(limit)
	core.Success(c, gin.H{
		"items": records,
		"total": len(records),
	})
}
