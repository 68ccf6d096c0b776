package handler

import (
	"context"
	"time"

	"cardledger/pkg/response"

	"github.com/gin-gonic/gin"
)

// GetSchedulerStatus 同步任务状态
// GET /api/v1/scheduler/status
func (h *Handler) GetSchedulerStatus(c *gin.Context) {
	if !requireSuperAdmin(c) {
		return
	}
	response.Success(c, h.scheduler.Status())
}

// TriggerJob 手动触发命名任务
// POST /api/v1/scheduler/trigger/:job
func (h *Handler) TriggerJob(c *gin.Context) {
	if !requireSuperAdmin(c) {
		return
	}
	// 任务跑完前客户端断开也不中断同步
	stats, err := h.scheduler.Trigger(context.WithoutCancel(c.Request.Context()), c.Param("job"))
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	response.Success(c, stats)
}

// SyncRequest 区间补数请求，日期格式 2006-01-02
type SyncRequest struct {
	Type      string `json:"type" binding:"required,oneof=auth settle all"`
	StartDate string `json:"start_date" binding:"required"`
	EndDate   string `json:"end_date" binding:"required"`
}

// SyncRange 按日期区间补数
// POST /api/v1/scheduler/sync
func (h *Handler) SyncRange(c *gin.Context) {
	if !requireSuperAdmin(c) {
		return
	}
	var req SyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	loc := h.scheduler.Location()
	start, err := time.ParseInLocation("2006-01-02", req.StartDate, loc)
	if err != nil {
		response.ParamError(c, "start_date 格式错误")
		return
	}
	end, err := time.ParseInLocation("2006-01-02", req.EndDate, loc)
	if err != nil {
		response.ParamError(c, "end_date 格式错误")
		return
	}

	stats, err := h.scheduler.SyncRange(context.WithoutCancel(c.Request.Context()), req.Type, start, end)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	response.Success(c, stats)
}
