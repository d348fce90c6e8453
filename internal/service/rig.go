package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"gorm.io/gorm"

	"github.com/otadbridge/otadbridge/internal/config"
	"github.com/otadbridge/otadbridge/internal/database"
	"github.com/otadbridge/otadbridge/internal/model"
	"github.com/otadbridge/otadbridge/internal/otad"
	"github.com/otadbridge/otadbridge/pkg/logger"
	"github.com/otadbridge/otadbridge/pkg/shell"
	sshpkg "github.com/otadbridge/otadbridge/pkg/ssh"
)

// ErrControllerNotFound 按名称找不到控制主机
var ErrControllerNotFound = errors.New("controller not found")

// RigService 转盘操作服务：按控制主机解析执行方式，串行化同一设备上的操作，
// 为每次操作落一条记录并归档副本。核心协议逻辑全部在 internal/otad，
// 这里只做编排与记账。
type RigService struct {
	config  *config.Config
	sshPool *sshpkg.Pool
	storage StorageWriter
	mutex   sync.RWMutex
	running bool

	// 设备锁：同一控制主机同一设备索引上最多一个在途操作。
	// 厂商工具不保证跨进程可重入，这里在服务端收口。
	locks   map[string]*semaphore.Weighted
	locksMu sync.Mutex
}

// NewRigService 创建转盘操作服务
func NewRigService(cfg *config.Config, storage StorageWriter) *RigService {
	poolConfig := &sshpkg.PoolConfig{
		MaxIdle:         4,
		MaxActive:       0,
		IdleTimeout:     5 * time.Minute,
		CleanupInterval: cfg.SSH.CleanupInterval,
		SSHConfig: &sshpkg.Config{
			Timeout:     cfg.SSH.ConnectTimeout,
			KeepAlive:   cfg.SSH.KeepAliveInterval,
			MaxSessions: cfg.SSH.MaxSessions,
		},
	}

	return &RigService{
		config:  cfg,
		sshPool: sshpkg.NewPool(poolConfig),
		storage: storage,
		locks:   make(map[string]*semaphore.Weighted),
	}
}

// Start 启动服务
func (s *RigService) Start(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.running {
		return fmt.Errorf("rig service is already running")
	}
	s.running = true
	logger.Info("Rig service started")
	return nil
}

// Stop 停止服务并关闭连接池
func (s *RigService) Stop() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	if err := s.sshPool.Close(); err != nil {
		logger.Error("Failed to close SSH pool", "error", err)
	}
	logger.Info("Rig service stopped")
	return nil
}

func (s *RigService) isRunning() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.running
}

// GetStats 服务统计信息
func (s *RigService) GetStats() map[string]interface{} {
	s.locksMu.Lock()
	lockCount := len(s.locks)
	s.locksMu.Unlock()

	return map[string]interface{}{
		"running":      s.isRunning(),
		"device_locks": lockCount,
		"ssh_pool":     s.sshPool.GetStats(),
	}
}

// resolveController 按名称解析控制主机。空名称与配置中的默认名都解析为
// 配置里的默认控制主机；其余名称查库。
func (s *RigService) resolveController(name string) (*model.Controller, error) {
	name = strings.TrimSpace(name)
	if name == "" || name == s.config.Controller.Name {
		if ctrl := s.lookupController(name); ctrl != nil {
			return ctrl, nil
		}
		return s.defaultController(), nil
	}
	if ctrl := s.lookupController(name); ctrl != nil {
		return ctrl, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrControllerNotFound, name)
}

func (s *RigService) lookupController(name string) *model.Controller {
	if name == "" {
		return nil
	}
	db := database.GetDB()
	if db == nil {
		return nil
	}
	var ctrl model.Controller
	if err := db.Where("name = ?", name).First(&ctrl).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			logger.Warn("Controller lookup failed", "name", name, "error", err)
		}
		return nil
	}
	return &ctrl
}

// defaultController 配置中的默认控制主机（不要求入库）
func (s *RigService) defaultController() *model.Controller {
	cc := s.config.Controller
	name := strings.TrimSpace(cc.Name)
	if name == "" {
		name = "default"
	}
	return &model.Controller{
		Name:     name,
		Mode:     cc.Mode,
		Host:     cc.Host,
		Port:     cc.Port,
		User:     cc.User,
		Password: cc.Password,
		Tool:     cc.Tool,
	}
}

// runnerFor 按控制主机的接入方式构建 Transport
func (s *RigService) runnerFor(ctrl *model.Controller) (shell.Runner, error) {
	encoding := s.config.Rig.OutputEncoding
	mode := strings.ToLower(strings.TrimSpace(ctrl.Mode))

	switch mode {
	case "", model.ControllerModeLocal:
		return shell.NewLocalRunner(encoding), nil
	case model.ControllerModeSSHPass:
		if strings.TrimSpace(ctrl.Host) == "" {
			return nil, fmt.Errorf("controller %s: host required for sshpass mode", ctrl.Name)
		}
		target := shell.Target{User: ctrl.User, Host: ctrl.Host, Password: ctrl.Password}
		return shell.NewSSHPassRunner(target, encoding), nil
	case model.ControllerModeSSH:
		if strings.TrimSpace(ctrl.Host) == "" {
			return nil, fmt.Errorf("controller %s: host required for ssh mode", ctrl.Name)
		}
		port := ctrl.Port
		if port <= 0 {
			port = 22
		}
		info := &sshpkg.ConnectionInfo{
			Host:     ctrl.Host,
			Port:     port,
			Username: ctrl.User,
			Password: ctrl.Password,
		}
		return shell.NewSSHRunner(s.sshPool, info, encoding), nil
	default:
		return nil, fmt.Errorf("controller %s: unknown mode %q", ctrl.Name, ctrl.Mode)
	}
}

// driverFor 构建命令/响应层驱动；工具路径取控制主机级覆盖，否则用全局配置
func (s *RigService) driverFor(ctrl *model.Controller, runner shell.Runner) *otad.Driver {
	tool := strings.TrimSpace(ctrl.Tool)
	if tool == "" {
		tool = s.config.Rig.Tool
	}
	return otad.NewDriver(runner, otad.Options{
		Tool:                 tool,
		PropertyReadAttempts: s.config.Rig.PropertyReadAttempts,
		PropertyReadInterval: s.config.Rig.PropertyReadInterval,
	})
}

// deviceLock 取（控制主机 × 设备索引）的串行化信号量
func (s *RigService) deviceLock(controller string, device int) *semaphore.Weighted {
	key := fmt.Sprintf("%s#%d", controller, device)

	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	if lock, ok := s.locks[key]; ok {
		return lock
	}
	lock := semaphore.NewWeighted(1)
	s.locks[key] = lock
	return lock
}

// transcriptRunner 包装 Transport，记录经过的每条命令行与原始输出作为操作副本。
// 空输出轮询的每次尝试都会出现在副本里，保留完整现场。
type transcriptRunner struct {
	inner shell.Runner
	b     strings.Builder
}

func (r *transcriptRunner) Run(ctx context.Context, command string) (string, error) {
	output, err := r.inner.Run(ctx, command)
	fmt.Fprintf(&r.b, "$ %s\n", command)
	if err != nil {
		fmt.Fprintf(&r.b, "! transport: %v\n", err)
		return output, err
	}
	r.b.WriteString(output)
	if !strings.HasSuffix(output, "\n") {
		r.b.WriteString("\n")
	}
	return output, err
}

func (r *transcriptRunner) Describe() string {
	return r.inner.Describe()
}

func (r *transcriptRunner) Transcript() string {
	return r.b.String()
}

// execute 一次操作的公共路径：解析控制主机、构建 Transport 与驱动、
// 取设备锁、执行、落记录、归档副本。fn 返回的 payload 会序列化进记录的 Result。
func (s *RigService) execute(ctx context.Context, controllerName, op string, device int, args string,
	fn func(context.Context, *otad.Driver) (interface{}, error)) (interface{}, *model.OperationRecord, error) {

	if !s.isRunning() {
		return nil, nil, fmt.Errorf("rig service is not running")
	}

	ctrl, err := s.resolveController(controllerName)
	if err != nil {
		return nil, nil, err
	}
	runner, err := s.runnerFor(ctrl)
	if err != nil {
		return nil, nil, err
	}
	recorder := &transcriptRunner{inner: runner}
	driver := s.driverFor(ctrl, recorder)

	lock := s.deviceLock(ctrl.Name, device)
	if err := lock.Acquire(ctx, 1); err != nil {
		return nil, nil, fmt.Errorf("failed to acquire device lock: %w", err)
	}
	defer lock.Release(1)

	start := time.Now()
	payload, opErr := fn(ctx, driver)
	duration := time.Since(start)

	record := s.buildRecord(ctrl.Name, op, device, args, recorder.Transcript(), start, duration, payload, opErr)
	s.archiveRecord(ctx, record, start)
	s.saveRecord(record)

	if opErr != nil {
		logger.Warn("Rig operation failed",
			"controller", ctrl.Name, "operation", op, "device", device,
			"kind", record.ErrorKind, "error", opErr)
		return nil, record, opErr
	}

	logger.Info("Rig operation completed",
		"controller", ctrl.Name, "operation", op, "device", device,
		"duration_ms", record.Duration)
	return payload, record, nil
}

// buildRecord 组装操作记录行
func (s *RigService) buildRecord(controller, op string, device int, args, transcript string,
	start time.Time, duration time.Duration, payload interface{}, opErr error) *model.OperationRecord {

	record := &model.OperationRecord{
		ID:          uuid.NewString(),
		Controller:  controller,
		Operation:   op,
		DeviceIndex: device,
		Args:        args,
		Transcript:  transcript,
		Duration:    duration.Milliseconds(),
		CreatedAt:   start,
	}

	if opErr != nil {
		record.Status = model.RecordStatusFailed
		record.ErrorKind = string(otad.GetKind(opErr))
		record.ErrorMsg = opErr.Error()
		return record
	}

	record.Status = model.RecordStatusSuccess
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			record.Result = string(data)
		}
	}
	return record
}

// archiveRecord 归档操作副本并把 URI 写回记录。参数校验类失败没有副本，跳过。
// 归档失败只告警：记录行里的 Transcript 仍保留完整现场。
func (s *RigService) archiveRecord(ctx context.Context, record *model.OperationRecord, start time.Time) {
	if record.Transcript == "" {
		return
	}
	meta := StorageMeta{
		Controller: record.Controller,
		Category:   "operations",
		RecordID:   record.ID,
		Operation:  record.Operation,
		StartTime:  start,
	}
	obj, err := s.storage.Write(ctx, meta, record.Transcript)
	if err != nil {
		if obj.URI == "" {
			logger.Warn("Transcript archive failed", "record_id", record.ID, "error", err)
			return
		}
		// 回退写入成功：记录预警但采用回退对象
		logger.Warn("Transcript archived with fallback", "record_id", record.ID, "error", err)
	}
	record.ArchiveURI = obj.URI
}

func (s *RigService) saveRecord(record *model.OperationRecord) {
	err := database.WithRetry(func(db *gorm.DB) error {
		return db.Create(record).Error
	}, 3, 50*time.Millisecond)
	if err != nil {
		logger.Error("Failed to save operation record", "record_id", record.ID, "error", err)
	}
}

// DeviceCount 查询控制主机上接入的设备数量
func (s *RigService) DeviceCount(ctx context.Context, controller string) (int, *model.OperationRecord, error) {
	payload, record, err := s.execute(ctx, controller, "get_device_count", -1, "",
		func(ctx context.Context, d *otad.Driver) (interface{}, error) {
			return d.DeviceCount(ctx)
		})
	if err != nil {
		return 0, record, err
	}
	return payload.(int), record, nil
}

// DeviceInfo 查询设备信息
func (s *RigService) DeviceInfo(ctx context.Context, controller string, device int) (otad.DeviceInfo, *model.OperationRecord, error) {
	payload, record, err := s.execute(ctx, controller, "get_device_info", device, deviceArgs(device),
		func(ctx context.Context, d *otad.Driver) (interface{}, error) {
			return d.DeviceInfo(ctx, device)
		})
	if err != nil {
		return otad.DeviceInfo{}, record, err
	}
	return payload.(otad.DeviceInfo), record, nil
}

// CommandDescriptors 查询设备支持的命令描述符
func (s *RigService) CommandDescriptors(ctx context.Context, controller string, device int) ([]otad.CommandDescriptor, *model.OperationRecord, error) {
	payload, record, err := s.execute(ctx, controller, "get_command_desc", device, deviceArgs(device),
		func(ctx context.Context, d *otad.Driver) (interface{}, error) {
			return d.CommandDescriptors(ctx, device)
		})
	if err != nil {
		return nil, record, err
	}
	return payload.([]otad.CommandDescriptor), record, nil
}

// PropertyDescriptors 查询设备可读写的属性描述符
func (s *RigService) PropertyDescriptors(ctx context.Context, controller string, device int) ([]otad.PropertyDescriptor, *model.OperationRecord, error) {
	payload, record, err := s.execute(ctx, controller, "get_property_desc", device, deviceArgs(device),
		func(ctx context.Context, d *otad.Driver) (interface{}, error) {
			return d.PropertyDescriptors(ctx, device)
		})
	if err != nil {
		return nil, record, err
	}
	return payload.([]otad.PropertyDescriptor), record, nil
}

// PropertyValue 读取属性值
func (s *RigService) PropertyValue(ctx context.Context, controller string, device, property int) (int, *model.OperationRecord, error) {
	args := fmt.Sprintf("device=%d property=%d", device, property)
	payload, record, err := s.execute(ctx, controller, "get_property_data", device, args,
		func(ctx context.Context, d *otad.Driver) (interface{}, error) {
			return d.PropertyValue(ctx, device, property)
		})
	if err != nil {
		return 0, record, err
	}
	return payload.(int), record, nil
}

// SetPropertyValue 写入属性值
func (s *RigService) SetPropertyValue(ctx context.Context, controller string, device, property, value int) (*model.OperationRecord, error) {
	args := fmt.Sprintf("device=%d property=%d value=%d", device, property, value)
	_, record, err := s.execute(ctx, controller, "set_property_data", device, args,
		func(ctx context.Context, d *otad.Driver) (interface{}, error) {
			if err := d.SetPropertyValue(ctx, device, property, value); err != nil {
				return nil, err
			}
			return true, nil
		})
	return record, err
}

// SetPropertiesValues 把同一个值写入一组属性
func (s *RigService) SetPropertiesValues(ctx context.Context, controller string, device int, properties []int, value int) (*model.OperationRecord, error) {
	args := fmt.Sprintf("device=%d properties=%s value=%d", device, joinInts(properties), value)
	_, record, err := s.execute(ctx, controller, "set_properties_data", device, args,
		func(ctx context.Context, d *otad.Driver) (interface{}, error) {
			if err := d.SetPropertiesValues(ctx, device, properties, value); err != nil {
				return nil, err
			}
			return true, nil
		})
	return record, err
}

// SendCommand 向设备下发命令
func (s *RigService) SendCommand(ctx context.Context, controller string, device, commandID int) (*model.OperationRecord, error) {
	args := fmt.Sprintf("device=%d command=%d", device, commandID)
	_, record, err := s.execute(ctx, controller, "send_command", device, args,
		func(ctx context.Context, d *otad.Driver) (interface{}, error) {
			if err := d.SendCommand(ctx, device, commandID); err != nil {
				return nil, err
			}
			return true, nil
		})
	return record, err
}

// Rotate 转动转盘
func (s *RigService) Rotate(ctx context.Context, controller string, device, speed, direction, step int) (*model.OperationRecord, error) {
	args := fmt.Sprintf("device=%d speed=%d direction=%d step=%d", device, speed, direction, step)
	_, record, err := s.execute(ctx, controller, "turntable", device, args,
		func(ctx context.Context, d *otad.Driver) (interface{}, error) {
			if err := d.Rotate(ctx, device, speed, direction, step); err != nil {
				return nil, err
			}
			return true, nil
		})
	return record, err
}

// RotateDegreesResult rotate_degrees 的步数换算结果
type RotateDegreesResult struct {
	Degrees    float64 `json:"degrees"`
	TotalSteps int     `json:"total_steps"`
	Step       int     `json:"step"`
}

// RotateDegrees 按角度转动：读取整圈步数属性，换算步数后转动。
// 两次厂商调用共用一把设备锁与一份副本。
func (s *RigService) RotateDegrees(ctx context.Context, controller string, device, speed, direction int, degrees float64) (*RotateDegreesResult, *model.OperationRecord, error) {
	args := fmt.Sprintf("device=%d speed=%d direction=%d degrees=%g", device, speed, direction, degrees)
	payload, record, err := s.execute(ctx, controller, "rotate_degrees", device, args,
		func(ctx context.Context, d *otad.Driver) (interface{}, error) {
			if degrees <= 0 || degrees > 360 {
				return nil, otad.NewError(otad.KindValidation, "rotate_degrees", device,
					"the range for degrees is (0, 360]")
			}
			total, err := d.PropertyValue(ctx, device, otad.PropertyTurntableTotalSteps)
			if err != nil {
				return nil, err
			}
			step := int(degrees * float64(total) / 360)
			if err := d.Rotate(ctx, device, speed, direction, step); err != nil {
				return nil, err
			}
			return &RotateDegreesResult{Degrees: degrees, TotalSteps: total, Step: step}, nil
		})
	if err != nil {
		return nil, record, err
	}
	return payload.(*RotateDegreesResult), record, nil
}

// ResolveControllerName 解析控制主机名（复合操作先落记录时用）
func (s *RigService) ResolveControllerName(name string) (string, error) {
	ctrl, err := s.resolveController(name)
	if err != nil {
		return "", err
	}
	return ctrl.Name, nil
}

// RunSession 持有设备锁连续执行复合操作（环拍编排用），返回完整副本与
// 解析出的控制主机名。不落 operation_records：复合操作自己记账。
func (s *RigService) RunSession(ctx context.Context, controllerName string, device int,
	fn func(context.Context, *otad.Driver) error) (string, string, error) {

	if !s.isRunning() {
		return "", "", fmt.Errorf("rig service is not running")
	}

	ctrl, err := s.resolveController(controllerName)
	if err != nil {
		return "", "", err
	}
	runner, err := s.runnerFor(ctrl)
	if err != nil {
		return "", ctrl.Name, err
	}
	recorder := &transcriptRunner{inner: runner}
	driver := s.driverFor(ctrl, recorder)

	lock := s.deviceLock(ctrl.Name, device)
	if err := lock.Acquire(ctx, 1); err != nil {
		return "", ctrl.Name, fmt.Errorf("failed to acquire device lock: %w", err)
	}
	defer lock.Release(1)

	err = fn(ctx, driver)
	return recorder.Transcript(), ctrl.Name, err
}

// Archive 对外暴露归档能力（环拍编排写自己的副本）
func (s *RigService) Archive(ctx context.Context, meta StorageMeta, content string) (StoredObject, error) {
	return s.storage.Write(ctx, meta, content)
}

func deviceArgs(device int) string {
	return fmt.Sprintf("device=%d", device)
}

func joinInts(values []int) string {
	parts := make([]string, 0, len(values))
	for _, v := range values {
		parts = append(parts, fmt.Sprintf("%d", v))
	}
	return strings.Join(parts, ",")
}
