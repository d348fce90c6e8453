package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/otadbridge/otadbridge/internal/database"
	"github.com/otadbridge/otadbridge/internal/model"
	"github.com/otadbridge/otadbridge/internal/service"
	"github.com/otadbridge/otadbridge/pkg/logger"
)

// SweepHandler 环拍处理器
type SweepHandler struct {
	sweepService *service.SweepService
}

// NewSweepHandler 创建环拍处理器
func NewSweepHandler(sweepService *service.SweepService) *SweepHandler {
	return &SweepHandler{
		sweepService: sweepService,
	}
}

// sweepRequest 环拍请求
type sweepRequest struct {
	Controller string `json:"controller"`
	Device     int    `json:"device"`
	Stops      *int   `json:"stops" binding:"required"`
	Speed      int    `json:"speed" binding:"oneof=0 1 2"`
	Direction  int    `json:"direction" binding:"oneof=0 1"`
	Shutter    bool   `json:"shutter"`
}

// RunSweep 执行环拍
// @Summary 执行环拍
// @Description 把一整圈按停靠点数等分，逐停靠点转动、等待停稳并触发快门，同步返回汇总记录
// @Tags sweep
// @Accept json
// @Produce json
// @Param request body sweepRequest true "环拍参数"
// @Success 200 {object} SuccessResponse "环拍完成"
// @Failure 400 {object} ErrorResponse "参数越界"
// @Failure 500 {object} ErrorResponse "环拍失败"
// @Router /api/v1/sweeps [post]
func (h *SweepHandler) RunSweep(c *gin.Context) {
	var req sweepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Error("Invalid sweep parameters", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Code:    "INVALID_PARAMS",
			Message: "环拍参数无效: " + err.Error(),
		})
		return
	}
	if req.Device < 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Code:    "INVALID_DEVICE_INDEX",
			Message: "设备索引无效",
		})
		return
	}

	record, err := h.sweepService.Run(c.Request.Context(), service.SweepRequest{
		Controller: req.Controller,
		Device:     req.Device,
		Stops:      *req.Stops,
		Speed:      req.Speed,
		Direction:  req.Direction,
		Shutter:    req.Shutter,
	})
	if err != nil {
		// 已产生记录的失败带上记录内容，便于定位中断位置
		if record != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "SWEEP_FAILED",
				"message": "环拍失败: " + err.Error(),
				"data":    record,
			})
			return
		}
		respondOperationError(c, err)
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{
		Code:    "SUCCESS",
		Message: "环拍完成",
		Data:    record,
	})
}

// ListSweeps 获取环拍记录列表
// @Summary 获取环拍记录列表
// @Description 按控制主机与状态筛选环拍记录，按时间倒序
// @Tags sweep
// @Accept json
// @Produce json
// @Param controller query string false "控制主机名"
// @Param status query string false "执行状态 running/success/failed"
// @Param limit query int false "返回条数上限" default(20)
// @Success 200 {object} map[string]interface{} "环拍记录列表"
// @Router /api/v1/sweeps [get]
func (h *SweepHandler) ListSweeps(c *gin.Context) {
	controller := c.Query("controller")
	status := c.Query("status")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if limit < 1 || limit > 200 {
		limit = 20
	}

	db := database.GetDB()
	query := db.Model(&model.SweepRecord{})
	if controller != "" {
		query = query.Where("controller = ?", controller)
	}
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		logger.Error("Failed to count sweeps", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Code:    "COUNT_FAILED",
			Message: "获取环拍总数失败: " + err.Error(),
		})
		return
	}

	var sweeps []model.SweepRecord
	if err := query.Order("created_at DESC").Limit(limit).Find(&sweeps).Error; err != nil {
		logger.Error("Failed to list sweeps", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Code:    "LIST_FAILED",
			Message: "获取环拍列表失败: " + err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    "SUCCESS",
		"message": "获取环拍列表成功",
		"data": gin.H{
			"sweeps": sweeps,
			"total":  total,
			"limit":  limit,
		},
	})
}

// GetSweep 获取环拍记录详情
// @Summary 获取环拍记录详情
// @Description 按ID获取环拍记录及其过程日志
// @Tags sweep
// @Accept json
// @Produce json
// @Param id path string true "环拍记录ID"
// @Success 200 {object} SuccessResponse "环拍记录"
// @Failure 404 {object} ErrorResponse "记录不存在"
// @Router /api/v1/sweeps/{id} [get]
func (h *SweepHandler) GetSweep(c *gin.Context) {
	id := c.Param("id")
	db := database.GetDB()

	var sweep model.SweepRecord
	if err := db.Where("id = ?", id).First(&sweep).Error; err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Code:    "SWEEP_NOT_FOUND",
			Message: "环拍记录不存在: " + id,
		})
		return
	}

	var logs []model.SweepLog
	if err := db.Where("sweep_id = ?", id).Order("created_at ASC").Find(&logs).Error; err != nil {
		logger.Error("Failed to load sweep logs", "sweep_id", id, "error", err)
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    "SUCCESS",
		"message": "获取环拍记录成功",
		"data": gin.H{
			"sweep": sweep,
			"logs":  logs,
		},
	})
}
