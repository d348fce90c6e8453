package model

import (
	"time"
)

// Controller 控制主机：拥有 USB 转盘的 Windows 主机及其接入方式
type Controller struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(64)"`
	Name      string    `json:"name" gorm:"type:varchar(64);not null;uniqueIndex"`
	Mode      string    `json:"mode" gorm:"type:varchar(16);not null;default:'sshpass'"`
	Host      string    `json:"host" gorm:"type:varchar(64)"`
	Port      int       `json:"port" gorm:"not null;default:22"`
	User      string    `json:"user" gorm:"type:varchar(64)"`
	Password  string    `json:"password" gorm:"type:varchar(256)"`
	Tool      string    `json:"tool" gorm:"type:varchar(256)"`
	Status    string    `json:"status" gorm:"type:varchar(16);default:'unknown'"`
	LastProbe time.Time `json:"last_probe"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName 表名
func (Controller) TableName() string {
	return "controllers"
}

// Controller 接入方式枚举
const (
	ControllerModeLocal   = "local"
	ControllerModeSSHPass = "sshpass"
	ControllerModeSSH     = "ssh"
)

// Controller 探活状态枚举
const (
	ControllerStatusUnknown = "unknown"
	ControllerStatusOnline  = "online"
	ControllerStatusOffline = "offline"
)
