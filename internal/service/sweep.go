package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/otadbridge/otadbridge/internal/config"
	"github.com/otadbridge/otadbridge/internal/database"
	"github.com/otadbridge/otadbridge/internal/model"
	"github.com/otadbridge/otadbridge/internal/otad"
	"github.com/otadbridge/otadbridge/pkg/logger"
)

// SweepRequest 环拍请求参数
type SweepRequest struct {
	Controller string
	Device     int
	Stops      int
	Speed      int
	Direction  int
	Shutter    bool
}

// SweepService 环拍编排：把一整圈按停靠点数等分，每个停靠点转动、等待停稳、
// （可选）触发快门序列。整个环拍持有设备锁，单条副本归档。
type SweepService struct {
	config  *config.Config
	rig     *RigService
	mutex   sync.RWMutex
	running bool
}

// NewSweepService 创建环拍服务
func NewSweepService(cfg *config.Config, rig *RigService) *SweepService {
	return &SweepService{
		config: cfg,
		rig:    rig,
	}
}

// Start 启动服务
func (s *SweepService) Start(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.running {
		return fmt.Errorf("sweep service is already running")
	}
	s.running = true
	logger.Info("Sweep service started")
	return nil
}

// Stop 停止服务
func (s *SweepService) Stop() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.running = false
	logger.Info("Sweep service stopped")
	return nil
}

func (s *SweepService) isRunning() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.running
}

// Run 同步执行一次环拍，返回最终的汇总记录。
// 校验失败在创建记录前返回；进入执行后失败会在记录上体现并尽力停转。
func (s *SweepService) Run(ctx context.Context, req SweepRequest) (*model.SweepRecord, error) {
	if !s.isRunning() {
		return nil, fmt.Errorf("sweep service is not running")
	}

	maxStops := s.config.Sweep.MaxStops
	if maxStops <= 0 {
		maxStops = 720
	}
	if req.Stops < 1 || req.Stops > maxStops {
		return nil, otad.NewError(otad.KindValidation, "sweep", req.Device,
			fmt.Sprintf("the range for stops is [1, %d]", maxStops))
	}

	controller, err := s.rig.ResolveControllerName(req.Controller)
	if err != nil {
		return nil, err
	}

	record := &model.SweepRecord{
		ID:          uuid.NewString(),
		Controller:  controller,
		DeviceIndex: req.Device,
		Stops:       req.Stops,
		Speed:       req.Speed,
		Direction:   req.Direction,
		Shutter:     req.Shutter,
		Status:      model.SweepStatusRunning,
		StartTime:   time.Now(),
	}

	// 运行中状态先入库，执行期间记录可查
	start := record.StartTime
	s.saveSweep(record)
	s.appendLog(record.ID, "info", fmt.Sprintf("sweep started: device=%d stops=%d speed=%d direction=%d shutter=%t",
		req.Device, req.Stops, req.Speed, req.Direction, req.Shutter))

	transcript, _, runErr := s.rig.RunSession(ctx, req.Controller, req.Device,
		func(ctx context.Context, d *otad.Driver) error {
			return s.runStops(ctx, d, req, record)
		})

	record.EndTime = time.Now()
	record.Duration = record.EndTime.Sub(start).Milliseconds()

	if runErr != nil {
		record.Status = model.SweepStatusFailed
		record.ErrorMsg = runErr.Error()
		s.appendLog(record.ID, "error", fmt.Sprintf("sweep failed after %d/%d stops: %v",
			record.Captures, req.Stops, runErr))
		logger.Error("Sweep failed",
			"sweep_id", record.ID, "controller", record.Controller, "device", req.Device,
			"captures", record.Captures, "error", runErr)
	} else {
		record.Status = model.SweepStatusSuccess
		s.appendLog(record.ID, "info", fmt.Sprintf("sweep completed: %d stops", record.Captures))
		logger.Info("Sweep completed",
			"sweep_id", record.ID, "controller", record.Controller, "device", req.Device,
			"stops", record.Captures, "duration_ms", record.Duration)
	}

	s.archiveSweep(ctx, record, transcript, start)
	s.saveSweep(record)

	if runErr != nil {
		return record, runErr
	}
	return record, nil
}

// runStops 环拍主循环。步数按累计值切分，避免整除余数在一圈里越积越偏。
func (s *SweepService) runStops(ctx context.Context, d *otad.Driver, req SweepRequest, record *model.SweepRecord) error {
	total, err := d.PropertyValue(ctx, req.Device, otad.PropertyTurntableTotalSteps)
	if err != nil {
		return fmt.Errorf("read total steps: %w", err)
	}
	record.TotalSteps = total
	record.StepPerStop = total / req.Stops
	s.appendLog(record.ID, "info", fmt.Sprintf("total steps per revolution: %d, base step per stop: %d",
		total, record.StepPerStop))

	for i := 0; i < req.Stops; i++ {
		step := stepForStop(total, req.Stops, i)
		if step <= 0 {
			// 停靠点数超过整圈步数时部分停靠点无步可走，原地完成
			s.appendLog(record.ID, "info", fmt.Sprintf("stop %d/%d: zero step, skipped rotation", i+1, req.Stops))
		} else {
			if err := d.Rotate(ctx, req.Device, req.Speed, req.Direction, step); err != nil {
				s.stopTurntable(ctx, d, req.Device)
				return fmt.Errorf("stop %d/%d rotate: %w", i+1, req.Stops, err)
			}
			if err := s.waitSettled(ctx, d, req.Device); err != nil {
				s.stopTurntable(ctx, d, req.Device)
				return fmt.Errorf("stop %d/%d settle: %w", i+1, req.Stops, err)
			}
		}

		if req.Shutter {
			if err := s.fireShutter(ctx, d, req.Device); err != nil {
				return fmt.Errorf("stop %d/%d shutter: %w", i+1, req.Stops, err)
			}
		}

		record.Captures = i + 1
		s.appendLog(record.ID, "info", fmt.Sprintf("stop %d/%d done (step=%d)", i+1, req.Stops, step))
	}
	return nil
}

// stepForStop 第 i 个停靠点（0 起）的步数。按累计值切分：
// 第 i 点走到 total*(i+1)/stops，所有停靠点的步数之和恰好等于 total。
func stepForStop(total, stops, i int) int {
	return total*(i+1)/stops - total*i/stops
}

// waitSettled 轮询转盘 state 属性直到回到空闲值，轮询次数与间隔可配置
func (s *SweepService) waitSettled(ctx context.Context, d *otad.Driver, device int) error {
	attempts := s.config.Sweep.SettleAttempts
	if attempts <= 0 {
		attempts = 50
	}
	interval := s.config.Sweep.SettleInterval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	idle := s.config.Sweep.IdleStateValue

	for i := 0; i < attempts; i++ {
		state, err := d.PropertyValue(ctx, device, otad.PropertyTurntableState)
		if err != nil {
			return err
		}
		if state == idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	return otad.NewError(otad.KindTimeout, "sweep", device,
		fmt.Sprintf("turntable did not settle after %d polls", attempts))
}

// fireShutter 快门序列：半按 → 全按 → 释放，拍摄节奏由 shutter_pause 控制
func (s *SweepService) fireShutter(ctx context.Context, d *otad.Driver, device int) error {
	pause := s.config.Sweep.ShutterPause
	if pause <= 0 {
		pause = 300 * time.Millisecond
	}

	sequence := []int{
		otad.CommandCableReleaseHalfway,
		otad.CommandCableReleaseCompletely,
		otad.CommandCableReleaseOff,
	}
	for i, cmd := range sequence {
		if err := d.SendCommand(ctx, device, cmd); err != nil {
			return err
		}
		if i < len(sequence)-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pause):
			}
		}
	}
	return nil
}

// stopTurntable 环拍失败后的兜底停转，失败只记日志
func (s *SweepService) stopTurntable(ctx context.Context, d *otad.Driver, device int) {
	if err := d.SendCommand(ctx, device, otad.CommandTurntableStop); err != nil {
		logger.Warn("Failed to stop turntable after sweep error", "device", device, "error", err)
	}
}

// archiveSweep 归档环拍副本
func (s *SweepService) archiveSweep(ctx context.Context, record *model.SweepRecord, transcript string, start time.Time) {
	if transcript == "" {
		return
	}
	meta := StorageMeta{
		Controller: record.Controller,
		Category:   "sweeps",
		RecordID:   record.ID,
		Operation:  "sweep",
		StartTime:  start,
	}
	obj, err := s.rig.Archive(ctx, meta, transcript)
	if err != nil && obj.URI == "" {
		logger.Warn("Sweep transcript archive failed", "sweep_id", record.ID, "error", err)
		return
	}
	if err != nil {
		logger.Warn("Sweep transcript archived with fallback", "sweep_id", record.ID, "error", err)
	}
	record.ArchiveURI = obj.URI
}

func (s *SweepService) saveSweep(record *model.SweepRecord) {
	err := database.WithRetry(func(db *gorm.DB) error {
		return db.Save(record).Error
	}, 3, 50*time.Millisecond)
	if err != nil {
		logger.Error("Failed to save sweep record", "sweep_id", record.ID, "error", err)
	}
}

// appendLog 追加一条环拍过程日志
func (s *SweepService) appendLog(sweepID, level, message string) {
	entry := &model.SweepLog{
		ID:      uuid.NewString(),
		SweepID: sweepID,
		Level:   level,
		Message: message,
	}
	err := database.WithRetry(func(db *gorm.DB) error {
		return db.Create(entry).Error
	}, 3, 50*time.Millisecond)
	if err != nil {
		logger.Error("Failed to save sweep log", "sweep_id", sweepID, "error", err)
	}
}
