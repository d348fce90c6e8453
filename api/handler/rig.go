package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/otadbridge/otadbridge/internal/database"
	"github.com/otadbridge/otadbridge/internal/otad"
	"github.com/otadbridge/otadbridge/internal/service"
	"github.com/otadbridge/otadbridge/pkg/logger"
)

// ErrorResponse 错误响应
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SuccessResponse 成功响应
type SuccessResponse struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// RigHandler 转盘操作处理器
type RigHandler struct {
	rigService *service.RigService
}

// NewRigHandler 创建转盘操作处理器
func NewRigHandler(rigService *service.RigService) *RigHandler {
	return &RigHandler{
		rigService: rigService,
	}
}

// respondOperationError 按失败类别映射HTTP状态码：
// 参数类 400、设备不可用 404、能力不支持 422、工具输出/通道异常 502、超时 504
func respondOperationError(c *gin.Context, err error) {
	if errors.Is(err, service.ErrControllerNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Code:    "CONTROLLER_NOT_FOUND",
			Message: "控制主机不存在: " + err.Error(),
		})
		return
	}

	switch otad.GetKind(err) {
	case otad.KindValidation:
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Code:    "VALIDATION_FAILED",
			Message: err.Error(),
		})
	case otad.KindInvalidDevice:
		c.JSON(http.StatusNotFound, ErrorResponse{
			Code:    "INVALID_DEVICE",
			Message: "设备不可用: " + err.Error(),
		})
	case otad.KindUnsupported:
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
			Code:    "OPERATION_UNSUPPORTED",
			Message: "操作不被支持: " + err.Error(),
		})
	case otad.KindNotSupportedByDevice:
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
			Code:    "NOT_SUPPORTED_BY_DEVICE",
			Message: "设备不支持该请求: " + err.Error(),
		})
	case otad.KindParseFailure:
		c.JSON(http.StatusBadGateway, ErrorResponse{
			Code:    "PARSE_FAILURE",
			Message: "工具输出无法解析: " + err.Error(),
		})
	case otad.KindTransport:
		c.JSON(http.StatusBadGateway, ErrorResponse{
			Code:    "TRANSPORT_ERROR",
			Message: "命令通道异常: " + err.Error(),
		})
	case otad.KindTimeout:
		c.JSON(http.StatusGatewayTimeout, ErrorResponse{
			Code:    "TIMEOUT",
			Message: "操作超时: " + err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Code:    "EXECUTION_FAILED",
			Message: "操作执行失败: " + err.Error(),
		})
	}
}

// deviceParam 解析路径中的设备索引
func deviceParam(c *gin.Context) (int, bool) {
	device, err := strconv.Atoi(c.Param("device"))
	if err != nil || device < 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Code:    "INVALID_DEVICE_INDEX",
			Message: "设备索引无效: " + c.Param("device"),
		})
		return 0, false
	}
	return device, true
}

// DeviceCount 获取设备数量
// @Summary 获取设备数量
// @Description 查询控制主机上接入的转盘设备数量
// @Tags rig
// @Accept json
// @Produce json
// @Param controller query string false "控制主机名，缺省为默认控制主机"
// @Success 200 {object} SuccessResponse "设备数量"
// @Failure 502 {object} ErrorResponse "工具输出异常"
// @Router /api/v1/rig/devices/count [get]
func (h *RigHandler) DeviceCount(c *gin.Context) {
	count, record, err := h.rigService.DeviceCount(c.Request.Context(), c.Query("controller"))
	if err != nil {
		respondOperationError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":    "SUCCESS",
		"message": "获取设备数量成功",
		"data": gin.H{
			"count":     count,
			"record_id": record.ID,
		},
	})
}

// DeviceInfo 获取设备信息
// @Summary 获取设备信息
// @Description 查询指定设备的产品名与设备标识
// @Tags rig
// @Accept json
// @Produce json
// @Param device path int true "设备索引"
// @Success 200 {object} SuccessResponse "设备信息"
// @Failure 404 {object} ErrorResponse "设备不可用"
// @Router /api/v1/rig/devices/{device}/info [get]
func (h *RigHandler) DeviceInfo(c *gin.Context) {
	device, ok := deviceParam(c)
	if !ok {
		return
	}
	info, record, err := h.rigService.DeviceInfo(c.Request.Context(), c.Query("controller"), device)
	if err != nil {
		respondOperationError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":    "SUCCESS",
		"message": "获取设备信息成功",
		"data": gin.H{
			"device":    info,
			"record_id": record.ID,
		},
	})
}

// ListCommands 获取设备支持的命令
// @Summary 获取设备命令描述符
// @Description 查询设备支持的命令及其名称描述
// @Tags rig
// @Accept json
// @Produce json
// @Param device path int true "设备索引"
// @Success 200 {object} SuccessResponse "命令列表"
// @Router /api/v1/rig/devices/{device}/commands [get]
func (h *RigHandler) ListCommands(c *gin.Context) {
	device, ok := deviceParam(c)
	if !ok {
		return
	}
	commands, record, err := h.rigService.CommandDescriptors(c.Request.Context(), c.Query("controller"), device)
	if err != nil {
		respondOperationError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":    "SUCCESS",
		"message": "获取命令列表成功",
		"data": gin.H{
			"commands":  commands,
			"record_id": record.ID,
		},
	})
}

// ListProperties 获取设备可读写的属性
// @Summary 获取设备属性描述符
// @Description 查询设备可读写的属性及其名称描述
// @Tags rig
// @Accept json
// @Produce json
// @Param device path int true "设备索引"
// @Success 200 {object} SuccessResponse "属性列表"
// @Router /api/v1/rig/devices/{device}/properties [get]
func (h *RigHandler) ListProperties(c *gin.Context) {
	device, ok := deviceParam(c)
	if !ok {
		return
	}
	properties, record, err := h.rigService.PropertyDescriptors(c.Request.Context(), c.Query("controller"), device)
	if err != nil {
		respondOperationError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":    "SUCCESS",
		"message": "获取属性列表成功",
		"data": gin.H{
			"properties": properties,
			"record_id":  record.ID,
		},
	})
}

// GetProperty 读取属性值
// @Summary 读取属性值
// @Description 读取指定设备上某个属性的当前值
// @Tags rig
// @Accept json
// @Produce json
// @Param device path int true "设备索引"
// @Param property path int true "属性ID"
// @Success 200 {object} SuccessResponse "属性值"
// @Failure 504 {object} ErrorResponse "读取超时"
// @Router /api/v1/rig/devices/{device}/properties/{property} [get]
func (h *RigHandler) GetProperty(c *gin.Context) {
	device, ok := deviceParam(c)
	if !ok {
		return
	}
	property, err := strconv.Atoi(c.Param("property"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Code:    "INVALID_PROPERTY_ID",
			Message: "属性ID无效: " + c.Param("property"),
		})
		return
	}
	value, record, err := h.rigService.PropertyValue(c.Request.Context(), c.Query("controller"), device, property)
	if err != nil {
		respondOperationError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":    "SUCCESS",
		"message": "读取属性成功",
		"data": gin.H{
			"property":  property,
			"value":     value,
			"record_id": record.ID,
		},
	})
}

// setPropertyRequest 写入单个属性
type setPropertyRequest struct {
	Value *int `json:"value" binding:"required"`
}

// SetProperty 写入属性值
// @Summary 写入属性值
// @Description 把值写入指定设备上的某个属性
// @Tags rig
// @Accept json
// @Produce json
// @Param device path int true "设备索引"
// @Param property path int true "属性ID"
// @Param request body setPropertyRequest true "属性值"
// @Success 200 {object} SuccessResponse "写入成功"
// @Failure 422 {object} ErrorResponse "设备不支持"
// @Router /api/v1/rig/devices/{device}/properties/{property} [put]
func (h *RigHandler) SetProperty(c *gin.Context) {
	device, ok := deviceParam(c)
	if !ok {
		return
	}
	property, err := strconv.Atoi(c.Param("property"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Code:    "INVALID_PROPERTY_ID",
			Message: "属性ID无效: " + c.Param("property"),
		})
		return
	}
	var req setPropertyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Error("Invalid set property parameters", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Code:    "INVALID_PARAMS",
			Message: "请求参数无效: " + err.Error(),
		})
		return
	}
	record, err := h.rigService.SetPropertyValue(c.Request.Context(), c.Query("controller"), device, property, *req.Value)
	if err != nil {
		respondOperationError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{
		Code:    "SUCCESS",
		Message: "属性写入成功",
		Data: gin.H{
			"property":  property,
			"value":     *req.Value,
			"record_id": record.ID,
		},
	})
}

// setPropertiesRequest 批量写入属性：同一个值写入一组属性
type setPropertiesRequest struct {
	Value      *int  `json:"value" binding:"required"`
	Properties []int `json:"properties" binding:"required,min=1"`
}

// SetProperties 批量写入属性
// @Summary 批量写入属性
// @Description 把同一个值写入设备上的一组属性（最多20个）
// @Tags rig
// @Accept json
// @Produce json
// @Param device path int true "设备索引"
// @Param request body setPropertiesRequest true "属性值与属性ID列表"
// @Success 200 {object} SuccessResponse "写入成功"
// @Failure 400 {object} ErrorResponse "属性数量越界"
// @Router /api/v1/rig/devices/{device}/properties [put]
func (h *RigHandler) SetProperties(c *gin.Context) {
	device, ok := deviceParam(c)
	if !ok {
		return
	}
	var req setPropertiesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Error("Invalid set properties parameters", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Code:    "INVALID_PARAMS",
			Message: "请求参数无效: " + err.Error(),
		})
		return
	}
	record, err := h.rigService.SetPropertiesValues(c.Request.Context(), c.Query("controller"), device, req.Properties, *req.Value)
	if err != nil {
		respondOperationError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{
		Code:    "SUCCESS",
		Message: "属性批量写入成功",
		Data: gin.H{
			"properties": req.Properties,
			"value":      *req.Value,
			"record_id":  record.ID,
		},
	})
}

// sendCommandRequest 下发命令
type sendCommandRequest struct {
	Command *int `json:"command" binding:"required"`
}

// SendCommand 向设备下发命令
// @Summary 下发命令
// @Description 向指定设备下发一条命令（快门、停转、释放电机等）
// @Tags rig
// @Accept json
// @Produce json
// @Param device path int true "设备索引"
// @Param request body sendCommandRequest true "命令ID"
// @Success 200 {object} SuccessResponse "下发成功"
// @Failure 422 {object} ErrorResponse "命令不被支持"
// @Router /api/v1/rig/devices/{device}/command [post]
func (h *RigHandler) SendCommand(c *gin.Context) {
	device, ok := deviceParam(c)
	if !ok {
		return
	}
	var req sendCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Error("Invalid send command parameters", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Code:    "INVALID_PARAMS",
			Message: "请求参数无效: " + err.Error(),
		})
		return
	}
	record, err := h.rigService.SendCommand(c.Request.Context(), c.Query("controller"), device, *req.Command)
	if err != nil {
		respondOperationError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{
		Code:    "SUCCESS",
		Message: "命令下发成功",
		Data: gin.H{
			"command":   *req.Command,
			"record_id": record.ID,
		},
	})
}

// rotateRequest 按步数转动
type rotateRequest struct {
	Speed     int `json:"speed"`
	Direction int `json:"direction"`
	Step      int `json:"step"`
}

// Rotate 转动转盘
// @Summary 按步数转动转盘
// @Description 以给定速度与方向转动指定步数；speed 0-2，direction 0顺时针/1逆时针
// @Tags rig
// @Accept json
// @Produce json
// @Param device path int true "设备索引"
// @Param request body rotateRequest true "转动参数"
// @Success 200 {object} SuccessResponse "转动已完成"
// @Failure 400 {object} ErrorResponse "转动参数越界"
// @Router /api/v1/rig/devices/{device}/rotate [post]
func (h *RigHandler) Rotate(c *gin.Context) {
	device, ok := deviceParam(c)
	if !ok {
		return
	}
	var req rotateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Error("Invalid rotate parameters", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Code:    "INVALID_PARAMS",
			Message: "请求参数无效: " + err.Error(),
		})
		return
	}
	record, err := h.rigService.Rotate(c.Request.Context(), c.Query("controller"), device, req.Speed, req.Direction, req.Step)
	if err != nil {
		respondOperationError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{
		Code:    "SUCCESS",
		Message: "转盘转动已完成",
		Data: gin.H{
			"speed":     req.Speed,
			"direction": req.Direction,
			"step":      req.Step,
			"record_id": record.ID,
		},
	})
}

// rotateDegreesRequest 按角度转动
type rotateDegreesRequest struct {
	Speed     int     `json:"speed"`
	Direction int     `json:"direction"`
	Degrees   float64 `json:"degrees" binding:"required"`
}

// RotateDegrees 按角度转动转盘
// @Summary 按角度转动转盘
// @Description 读取整圈步数后按角度换算步数转动；degrees 取值 (0, 360]
// @Tags rig
// @Accept json
// @Produce json
// @Param device path int true "设备索引"
// @Param request body rotateDegreesRequest true "转动参数"
// @Success 200 {object} SuccessResponse "转动已完成"
// @Failure 400 {object} ErrorResponse "角度越界"
// @Router /api/v1/rig/devices/{device}/rotate_degrees [post]
func (h *RigHandler) RotateDegrees(c *gin.Context) {
	device, ok := deviceParam(c)
	if !ok {
		return
	}
	var req rotateDegreesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Error("Invalid rotate degrees parameters", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Code:    "INVALID_PARAMS",
			Message: "请求参数无效: " + err.Error(),
		})
		return
	}
	result, record, err := h.rigService.RotateDegrees(c.Request.Context(), c.Query("controller"), device, req.Speed, req.Direction, req.Degrees)
	if err != nil {
		respondOperationError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{
		Code:    "SUCCESS",
		Message: "按角度转动已完成",
		Data: gin.H{
			"degrees":     result.Degrees,
			"total_steps": result.TotalSteps,
			"step":        result.Step,
			"record_id":   record.ID,
		},
	})
}

// GetStats 获取转盘服务统计信息
// @Summary 获取服务统计信息
// @Description 获取转盘服务运行状态与SSH连接池统计
// @Tags rig
// @Accept json
// @Produce json
// @Success 200 {object} map[string]interface{} "统计信息"
// @Router /api/v1/rig/stats [get]
func (h *RigHandler) GetStats(c *gin.Context) {
	stats := h.rigService.GetStats()
	c.JSON(http.StatusOK, gin.H{
		"code":    "SUCCESS",
		"message": "获取统计信息成功",
		"data":    stats,
	})
}

// Health 健康检查
// @Summary 健康检查
// @Description 检查转盘服务与数据库的健康状态
// @Tags system
// @Accept json
// @Produce json
// @Success 200 {object} SuccessResponse "服务正常"
// @Failure 503 {object} ErrorResponse "服务异常"
// @Router /api/v1/health [get]
func (h *RigHandler) Health(c *gin.Context) {
	stats := h.rigService.GetStats()

	// 检查服务是否正在运行
	if running, ok := stats["running"].(bool); !ok || !running {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Code:    "SERVICE_UNAVAILABLE",
			Message: "转盘服务未运行",
		})
		return
	}

	if err := database.Health(); err != nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Code:    "DATABASE_UNAVAILABLE",
			Message: "数据库不可用: " + err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{
		Code:    "SUCCESS",
		Message: "服务正常",
		Data:    stats,
	})
}
