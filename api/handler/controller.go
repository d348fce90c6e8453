package handler

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/otadbridge/otadbridge/internal/database"
	"github.com/otadbridge/otadbridge/internal/model"
	"github.com/otadbridge/otadbridge/internal/service"
	"github.com/otadbridge/otadbridge/pkg/logger"
)

// ControllerHandler 控制主机处理器
type ControllerHandler struct {
	rigService *service.RigService
}

// NewControllerHandler 创建控制主机处理器
func NewControllerHandler(rigService *service.RigService) *ControllerHandler {
	return &ControllerHandler{
		rigService: rigService,
	}
}

// validModes 接入方式枚举
var validModes = map[string]bool{
	model.ControllerModeLocal:   true,
	model.ControllerModeSSHPass: true,
	model.ControllerModeSSH:     true,
}

// CreateController 创建控制主机
// @Summary 创建控制主机
// @Description 登记一台拥有转盘的控制主机及其接入方式
// @Tags controller
// @Accept json
// @Produce json
// @Param controller body model.Controller true "控制主机信息"
// @Success 201 {object} SuccessResponse "创建成功"
// @Failure 400 {object} ErrorResponse "请求参数错误"
// @Failure 500 {object} ErrorResponse "服务器内部错误"
// @Router /api/v1/controllers [post]
func (h *ControllerHandler) CreateController(c *gin.Context) {
	var controller model.Controller
	if err := c.ShouldBindJSON(&controller); err != nil {
		logger.Error("Invalid controller parameters", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Code:    "INVALID_PARAMS",
			Message: "控制主机参数无效: " + err.Error(),
		})
		return
	}

	// 参数验证
	controller.Name = strings.TrimSpace(controller.Name)
	if controller.Name == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Code:    "MISSING_NAME",
			Message: "控制主机名不能为空",
		})
		return
	}
	if controller.Mode == "" {
		controller.Mode = model.ControllerModeSSHPass
	}
	if !validModes[controller.Mode] {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Code:    "INVALID_MODE",
			Message: "接入方式必须为 local/sshpass/ssh",
		})
		return
	}
	if controller.Mode != model.ControllerModeLocal && strings.TrimSpace(controller.Host) == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Code:    "MISSING_HOST",
			Message: "远程接入方式必须填写主机地址",
		})
		return
	}
	if controller.Port <= 0 || controller.Port > 65535 {
		controller.Port = 22
	}

	// 检查名称是否已存在
	db := database.GetDB()
	var existing model.Controller
	if err := db.Where("name = ?", controller.Name).First(&existing).Error; err == nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Code:    "CONTROLLER_EXISTS",
			Message: "控制主机已存在: " + controller.Name,
		})
		return
	}

	if controller.ID == "" {
		controller.ID = uuid.NewString()
	}
	if controller.Status == "" {
		controller.Status = model.ControllerStatusUnknown
	}

	if err := db.Create(&controller).Error; err != nil {
		logger.Error("Failed to create controller", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Code:    "CREATE_FAILED",
			Message: "创建控制主机失败: " + err.Error(),
		})
		return
	}

	logger.Info("Controller created successfully", "controller_id", controller.ID, "name", controller.Name)
	c.JSON(http.StatusCreated, SuccessResponse{
		Code:    "SUCCESS",
		Message: "控制主机创建成功",
		Data:    controller,
	})
}

// findController 按名称查找，失败再按ID兜底
func findController(key string) *model.Controller {
	db := database.GetDB()
	var controller model.Controller
	if err := db.Where("name = ?", key).First(&controller).Error; err == nil {
		return &controller
	}
	if err := db.Where("id = ?", key).First(&controller).Error; err == nil {
		return &controller
	}
	return nil
}

// GetController 获取控制主机
// @Summary 获取控制主机详情
// @Description 按名称获取控制主机信息
// @Tags controller
// @Accept json
// @Produce json
// @Param name path string true "控制主机名"
// @Success 200 {object} SuccessResponse "控制主机信息"
// @Failure 404 {object} ErrorResponse "控制主机不存在"
// @Router /api/v1/controllers/{name} [get]
func (h *ControllerHandler) GetController(c *gin.Context) {
	name := c.Param("name")
	controller := findController(name)
	if controller == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Code:    "CONTROLLER_NOT_FOUND",
			Message: "控制主机不存在: " + name,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":    "SUCCESS",
		"message": "获取控制主机成功",
		"data":    controller,
	})
}

// UpdateController 更新控制主机
// @Summary 更新控制主机
// @Description 按名称更新控制主机的接入方式与凭据
// @Tags controller
// @Accept json
// @Produce json
// @Param name path string true "控制主机名"
// @Param controller body model.Controller true "控制主机信息"
// @Success 200 {object} SuccessResponse "更新成功"
// @Failure 404 {object} ErrorResponse "控制主机不存在"
// @Router /api/v1/controllers/{name} [put]
func (h *ControllerHandler) UpdateController(c *gin.Context) {
	name := c.Param("name")
	var updateData model.Controller
	if err := c.ShouldBindJSON(&updateData); err != nil {
		logger.Error("Invalid update parameters", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Code:    "INVALID_PARAMS",
			Message: "更新参数无效: " + err.Error(),
		})
		return
	}

	controller := findController(name)
	if controller == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Code:    "CONTROLLER_NOT_FOUND",
			Message: "控制主机不存在: " + name,
		})
		return
	}

	if updateData.Mode != "" && !validModes[updateData.Mode] {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Code:    "INVALID_MODE",
			Message: "接入方式必须为 local/sshpass/ssh",
		})
		return
	}

	// 改名时校验组合唯一
	db := database.GetDB()
	newName := strings.TrimSpace(updateData.Name)
	if newName != "" && newName != controller.Name {
		var conflict model.Controller
		if err := db.Where("name = ? AND id <> ?", newName, controller.ID).First(&conflict).Error; err == nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Code:    "CONTROLLER_EXISTS",
				Message: "控制主机已存在: " + newName,
			})
			return
		}
	}

	// 主键与探活状态不接受外部更新
	updateData.ID = ""
	updateData.Status = ""
	updateData.LastProbe = time.Time{}
	if err := db.Model(controller).Updates(&updateData).Error; err != nil {
		logger.Error("Failed to update controller", "name", name, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Code:    "UPDATE_FAILED",
			Message: "更新控制主机失败: " + err.Error(),
		})
		return
	}

	logger.Info("Controller updated successfully", "name", name)
	c.JSON(http.StatusOK, SuccessResponse{
		Code:    "SUCCESS",
		Message: "控制主机更新成功",
		Data:    controller,
	})
}

// DeleteController 删除控制主机
// @Summary 删除控制主机
// @Description 按名称删除控制主机
// @Tags controller
// @Accept json
// @Produce json
// @Param name path string true "控制主机名"
// @Success 200 {object} SuccessResponse "删除成功"
// @Failure 404 {object} ErrorResponse "控制主机不存在"
// @Router /api/v1/controllers/{name} [delete]
func (h *ControllerHandler) DeleteController(c *gin.Context) {
	name := c.Param("name")
	controller := findController(name)
	if controller == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Code:    "CONTROLLER_NOT_FOUND",
			Message: "控制主机不存在: " + name,
		})
		return
	}

	db := database.GetDB()
	if err := db.Delete(controller).Error; err != nil {
		logger.Error("Failed to delete controller", "name", name, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Code:    "DELETE_FAILED",
			Message: "删除控制主机失败: " + err.Error(),
		})
		return
	}

	logger.Info("Controller deleted successfully", "name", name)
	c.JSON(http.StatusOK, SuccessResponse{
		Code:    "SUCCESS",
		Message: "控制主机删除成功",
		Data:    gin.H{"id": controller.ID, "name": controller.Name},
	})
}

// ListControllers 获取控制主机列表
// @Summary 获取控制主机列表
// @Description 分页获取控制主机列表，支持按接入方式与探活状态筛选
// @Tags controller
// @Accept json
// @Produce json
// @Param page query int false "页码" default(1)
// @Param size query int false "每页数量" default(10)
// @Param mode query string false "接入方式"
// @Param status query string false "探活状态"
// @Success 200 {object} map[string]interface{} "控制主机列表"
// @Router /api/v1/controllers [get]
func (h *ControllerHandler) ListControllers(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ := strconv.Atoi(c.DefaultQuery("size", "10"))
	mode := c.Query("mode")
	status := c.Query("status")
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 100 {
		size = 10
	}

	db := database.GetDB()
	query := db.Model(&model.Controller{})
	if mode != "" {
		query = query.Where("mode = ?", mode)
	}
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		logger.Error("Failed to count controllers", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Code:    "COUNT_FAILED",
			Message: "获取控制主机总数失败: " + err.Error(),
		})
		return
	}

	var controllers []model.Controller
	offset := (page - 1) * size
	if err := query.Offset(offset).Limit(size).Order("name ASC").Find(&controllers).Error; err != nil {
		logger.Error("Failed to list controllers", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Code:    "LIST_FAILED",
			Message: "获取控制主机列表失败: " + err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    "SUCCESS",
		"message": "获取控制主机列表成功",
		"data": gin.H{
			"controllers": controllers,
			"pagination": gin.H{
				"page":  page,
				"size":  size,
				"total": total,
				"pages": (total + int64(size) - 1) / int64(size),
			},
		},
	})
}

// ProbeController 探活控制主机
// @Summary 探活控制主机
// @Description 在控制主机上执行设备数量查询作为可达性检查，并更新探活状态
// @Tags controller
// @Accept json
// @Produce json
// @Param name path string true "控制主机名"
// @Success 200 {object} SuccessResponse "探活结果"
// @Failure 404 {object} ErrorResponse "控制主机不存在"
// @Router /api/v1/controllers/{name}/probe [post]
func (h *ControllerHandler) ProbeController(c *gin.Context) {
	name := c.Param("name")
	controller := findController(name)
	if controller == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Code:    "CONTROLLER_NOT_FOUND",
			Message: "控制主机不存在: " + name,
		})
		return
	}

	count, record, err := h.rigService.DeviceCount(c.Request.Context(), controller.Name)

	newStatus := model.ControllerStatusOnline
	message := "探活成功"
	if err != nil {
		newStatus = model.ControllerStatusOffline
		message = "探活失败"
	}

	db := database.GetDB()
	updates := map[string]interface{}{
		"status":     newStatus,
		"last_probe": time.Now(),
	}
	if dbErr := db.Model(controller).Updates(updates).Error; dbErr != nil {
		logger.Error("Failed to update controller status", "name", controller.Name, "error", dbErr)
	}

	data := gin.H{
		"name":   controller.Name,
		"status": newStatus,
	}
	if record != nil {
		data["record_id"] = record.ID
	}
	if err != nil {
		data["error"] = err.Error()
		logger.Warn("Controller probe failed", "name", controller.Name, "error", err)
	} else {
		data["device_count"] = count
	}

	logger.Info("Controller probe completed", "name", controller.Name, "status", newStatus)
	c.JSON(http.StatusOK, SuccessResponse{
		Code:    "SUCCESS",
		Message: message,
		Data:    data,
	})
}
