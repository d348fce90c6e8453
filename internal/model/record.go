package model

import (
	"time"
)

// OperationRecord 一次转盘操作的执行记录
type OperationRecord struct {
	ID          string    `json:"id" gorm:"primaryKey;type:varchar(64)"`
	Controller  string    `json:"controller" gorm:"type:varchar(64);not null;index"`
	Operation   string    `json:"operation" gorm:"type:varchar(32);not null;index"`
	DeviceIndex int       `json:"device_index" gorm:"not null;default:0"`
	Args        string    `json:"args" gorm:"type:varchar(256)"`
	Status      string    `json:"status" gorm:"type:varchar(16);not null;index"`
	ErrorKind   string    `json:"error_kind" gorm:"type:varchar(32)"`
	ErrorMsg    string    `json:"error_msg" gorm:"type:text"`
	Result      string    `json:"result" gorm:"type:text"`
	Transcript  string    `json:"transcript" gorm:"type:text"`
	ArchiveURI  string    `json:"archive_uri" gorm:"type:varchar(512)"`
	Duration    int64     `json:"duration"` // 执行时长，毫秒
	CreatedAt   time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// TableName 表名
func (OperationRecord) TableName() string {
	return "operation_records"
}

// OperationRecord 状态枚举
const (
	RecordStatusSuccess = "success"
	RecordStatusFailed  = "failed"
)

// SweepRecord 一次环拍（绕转盘一周的分步拍摄）的汇总记录
type SweepRecord struct {
	ID          string    `json:"id" gorm:"primaryKey;type:varchar(64)"`
	Controller  string    `json:"controller" gorm:"type:varchar(64);not null;index"`
	DeviceIndex int       `json:"device_index" gorm:"not null;default:0"`
	Stops       int       `json:"stops" gorm:"not null"`
	StepPerStop int       `json:"step_per_stop" gorm:"not null"`
	TotalSteps  int       `json:"total_steps" gorm:"not null"`
	Speed       int       `json:"speed" gorm:"not null"`
	Direction   int       `json:"direction" gorm:"not null"`
	Shutter     bool      `json:"shutter" gorm:"not null;default:false"`
	Status      string    `json:"status" gorm:"type:varchar(16);not null;index"`
	ErrorMsg    string    `json:"error_msg" gorm:"type:text"`
	Captures    int       `json:"captures" gorm:"not null;default:0"`
	ArchiveURI  string    `json:"archive_uri" gorm:"type:varchar(512)"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	Duration    int64     `json:"duration"` // 执行时长，毫秒
	CreatedAt   time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt   time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName 表名
func (SweepRecord) TableName() string {
	return "sweep_records"
}

// SweepRecord 状态枚举
const (
	SweepStatusRunning = "running"
	SweepStatusSuccess = "success"
	SweepStatusFailed  = "failed"
)

// SweepLog 环拍过程日志
type SweepLog struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(64)"`
	SweepID   string    `json:"sweep_id" gorm:"type:varchar(64);not null;index"`
	Level     string    `json:"level" gorm:"type:varchar(16);not null"`
	Message   string    `json:"message" gorm:"type:text;not null"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// TableName 表名
func (SweepLog) TableName() string {
	return "sweep_logs"
}
