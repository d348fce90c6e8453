package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/otadbridge/otadbridge/internal/database"
	"github.com/otadbridge/otadbridge/internal/model"
	"github.com/otadbridge/otadbridge/pkg/logger"
)

// RecordHandler 操作记录处理器
type RecordHandler struct{}

// NewRecordHandler 创建操作记录处理器
func NewRecordHandler() *RecordHandler { return &RecordHandler{} }

// ListRecords 获取操作记录列表
// @Summary 获取操作记录列表
// @Description 按控制主机、操作、状态筛选操作记录，按时间倒序
// @Tags record
// @Accept json
// @Produce json
// @Param controller query string false "控制主机名"
// @Param operation query string false "操作名"
// @Param status query string false "执行状态 success/failed"
// @Param limit query int false "返回条数上限" default(50)
// @Success 200 {object} map[string]interface{} "操作记录列表"
// @Failure 500 {object} ErrorResponse "服务器内部错误"
// @Router /api/v1/records [get]
func (h *RecordHandler) ListRecords(c *gin.Context) {
	controller := c.Query("controller")
	operation := c.Query("operation")
	status := c.Query("status")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit < 1 || limit > 500 {
		limit = 50
	}

	db := database.GetDB()
	query := db.Model(&model.OperationRecord{})
	if controller != "" {
		query = query.Where("controller = ?", controller)
	}
	if operation != "" {
		query = query.Where("operation = ?", operation)
	}
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		logger.Error("Failed to count records", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Code:    "COUNT_FAILED",
			Message: "获取记录总数失败: " + err.Error(),
		})
		return
	}

	var records []model.OperationRecord
	if err := query.Order("created_at DESC").Limit(limit).Find(&records).Error; err != nil {
		logger.Error("Failed to list records", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Code:    "LIST_FAILED",
			Message: "获取记录列表失败: " + err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    "SUCCESS",
		"message": "获取记录列表成功",
		"data": gin.H{
			"records": records,
			"total":   total,
			"limit":   limit,
		},
	})
}

// GetRecord 获取操作记录详情
// @Summary 获取操作记录详情
// @Description 按ID获取单条操作记录，含完整副本
// @Tags record
// @Accept json
// @Produce json
// @Param id path string true "记录ID"
// @Success 200 {object} SuccessResponse "操作记录"
// @Failure 404 {object} ErrorResponse "记录不存在"
// @Router /api/v1/records/{id} [get]
func (h *RecordHandler) GetRecord(c *gin.Context) {
	id := c.Param("id")
	db := database.GetDB()
	var record model.OperationRecord
	if err := db.Where("id = ?", id).First(&record).Error; err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Code:    "RECORD_NOT_FOUND",
			Message: "记录不存在: " + id,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":    "SUCCESS",
		"message": "获取记录成功",
		"data":    record,
	})
}
