package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置结构
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Rig        RigConfig        `mapstructure:"rig"`
	Controller ControllerConfig `mapstructure:"controller"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Storage    StorageConfig    `mapstructure:"storage"`
	SSH        SSHConfig        `mapstructure:"ssh"`
	Sweep      SweepConfig      `mapstructure:"sweep"`
	Log        LogConfig        `mapstructure:"log"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Mode           string        `mapstructure:"mode"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	SimulateEnable bool          `mapstructure:"simulate_enable"`
}

// RigConfig 厂商命令行工具相关配置
type RigConfig struct {
	// Tool 厂商工具的调用路径（Windows 主机上的 OTADCommand.exe）
	Tool string `mapstructure:"tool"`
	// OutputEncoding 工具控制台输出的代码页（windows-1252 / cp437 / gbk 等）
	OutputEncoding string `mapstructure:"output_encoding"`
	// PropertyReadAttempts 属性读取空输出时的重试上限
	PropertyReadAttempts int `mapstructure:"property_read_attempts"`
	// PropertyReadInterval 属性读取重试间隔
	PropertyReadInterval time.Duration `mapstructure:"property_read_interval"`
}

// ControllerConfig 默认控制主机（拥有 USB 转盘的 Windows 主机）
type ControllerConfig struct {
	Name string `mapstructure:"name"`
	// Mode 执行方式：local（本机直接执行）| sshpass（shell 包装 ssh）| ssh（原生客户端）
	Mode     string `mapstructure:"mode"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	// Tool 为空时使用 rig.tool
	Tool string `mapstructure:"tool"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

// SQLiteConfig SQLite配置
type SQLiteConfig struct {
	Path            string        `mapstructure:"path"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// StorageConfig 操作记录副本（transcript）归档配置
type StorageConfig struct {
	// Backend 归档后端：local | minio | auto（minio 不可达时回退 local）
	Backend string `mapstructure:"backend"`
	// Prefix 顶层对象/目录前缀
	Prefix string             `mapstructure:"prefix"`
	Local  LocalStorageConfig `mapstructure:"local"`
	Minio  MinioConfig        `mapstructure:"minio"`
}

// LocalStorageConfig 本地归档配置
type LocalStorageConfig struct {
	BaseDir        string `mapstructure:"base_dir"`
	MkdirIfMissing bool   `mapstructure:"mkdir_if_missing"`
}

// MinioConfig 对象存储配置
type MinioConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	Secure    bool   `mapstructure:"secure"`
}

// Endpoint 拼接 MinIO 访问地址
func (m MinioConfig) Endpoint() string {
	return fmt.Sprintf("%s:%d", m.Host, m.Port)
}

// SSHConfig 原生 SSH 客户端配置（mode=ssh 时生效）
type SSHConfig struct {
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	KeepAliveInterval time.Duration `mapstructure:"keep_alive_interval"`
	CleanupInterval   time.Duration `mapstructure:"cleanup_interval"`
	MaxSessions       int           `mapstructure:"max_sessions"`
}

// SweepConfig 环拍（sweep）编排配置
type SweepConfig struct {
	// MaxStops 单次环拍允许的最大停靠点数
	MaxStops int `mapstructure:"max_stops"`
	// SettleAttempts 转盘停稳轮询上限
	SettleAttempts int `mapstructure:"settle_attempts"`
	// SettleInterval 停稳轮询间隔
	SettleInterval time.Duration `mapstructure:"settle_interval"`
	// IdleStateValue 转盘空闲时 state 属性的取值
	IdleStateValue int `mapstructure:"idle_state_value"`
	// ShutterPause 快门半按/全按之间的间隔
	ShutterPause time.Duration `mapstructure:"shutter_pause"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

var globalConfig *Config

// Load 加载配置文件
func Load(configPath string) (*Config, error) {
	viper.SetConfigType("yaml")

	// 设置默认值
	setDefaults()

	explicit := configPath != ""
	if explicit {
		viper.SetConfigFile(configPath)
	} else {
		// 默认配置文件路径
		viper.SetConfigName("config")
		viper.AddConfigPath("./configs")
		viper.AddConfigPath("../configs")
		viper.AddConfigPath("../../configs")
	}

	// 设置环境变量前缀
	viper.SetEnvPrefix("OTAD")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 读取配置文件；未显式指定路径时允许缺省（全部走默认值）
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// 环境变量替换
	config = replaceEnvVars(config)

	globalConfig = &config
	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8082)
	viper.SetDefault("server.mode", "release")
	viper.SetDefault("server.read_timeout", 30*time.Second)
	viper.SetDefault("server.write_timeout", 120*time.Second)
	// 模拟转盘主机开关默认关闭
	viper.SetDefault("server.simulate_enable", false)

	// 厂商工具默认按 PATH 调用；空输出重试上限与间隔
	viper.SetDefault("rig.tool", "OTADCommand.exe")
	viper.SetDefault("rig.output_encoding", "windows-1252")
	viper.SetDefault("rig.property_read_attempts", 20)
	viper.SetDefault("rig.property_read_interval", 100*time.Millisecond)

	// 默认控制主机：本机直接执行
	viper.SetDefault("controller.name", "default")
	viper.SetDefault("controller.mode", "local")
	viper.SetDefault("controller.port", 22)

	viper.SetDefault("database.sqlite.path", "./data/otadbridge.db")
	viper.SetDefault("database.sqlite.max_idle_conns", 1)
	viper.SetDefault("database.sqlite.max_open_conns", 1)
	viper.SetDefault("database.sqlite.conn_max_lifetime", time.Hour)

	// 归档默认写本地目录
	viper.SetDefault("storage.backend", "local")
	viper.SetDefault("storage.prefix", "transcripts")
	viper.SetDefault("storage.local.base_dir", "./data/archive")
	viper.SetDefault("storage.local.mkdir_if_missing", true)
	viper.SetDefault("storage.minio.port", 9000)
	viper.SetDefault("storage.minio.bucket", "otadbridge")

	viper.SetDefault("ssh.connect_timeout", 7*time.Second)
	viper.SetDefault("ssh.keep_alive_interval", 30*time.Second)
	viper.SetDefault("ssh.cleanup_interval", 30*time.Second)
	viper.SetDefault("ssh.max_sessions", 4)

	viper.SetDefault("sweep.max_stops", 720)
	viper.SetDefault("sweep.settle_attempts", 100)
	viper.SetDefault("sweep.settle_interval", 200*time.Millisecond)
	viper.SetDefault("sweep.idle_state_value", 0)
	viper.SetDefault("sweep.shutter_pause", 300*time.Millisecond)

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")
	viper.SetDefault("log.output", "both")
	viper.SetDefault("log.file_path", "./logs/otadbridge.log")
	viper.SetDefault("log.max_size", 100)
	viper.SetDefault("log.max_backups", 5)
	viper.SetDefault("log.max_age", 30)
	viper.SetDefault("log.compress", true)
}

// Get 获取全局配置
func Get() *Config {
	return globalConfig
}

// replaceEnvVars 替换配置中 ${VAR} 形式的敏感字段
func replaceEnvVars(config Config) Config {
	config.Controller.Password = expandEnv(config.Controller.Password)
	config.Storage.Minio.AccessKey = expandEnv(config.Storage.Minio.AccessKey)
	config.Storage.Minio.SecretKey = expandEnv(config.Storage.Minio.SecretKey)
	return config
}

func expandEnv(value string) string {
	if strings.HasPrefix(value, "${") && strings.HasSuffix(value, "}") {
		envVar := strings.TrimSuffix(strings.TrimPrefix(value, "${"), "}")
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	return value
}

// GetServerAddr 获取服务器地址
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
