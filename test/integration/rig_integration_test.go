package integration

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otadbridge/otadbridge/internal/config"
	"github.com/otadbridge/otadbridge/internal/database"
	"github.com/otadbridge/otadbridge/internal/model"
	"github.com/otadbridge/otadbridge/internal/otad"
	"github.com/otadbridge/otadbridge/internal/service"
	"github.com/otadbridge/otadbridge/simulate"
)

// testStack 整套被测栈：模拟控制主机 + SQLite + 服务层，全部指向临时目录
type testStack struct {
	cfg   *config.Config
	sim   *simulate.Manager
	rig   *service.RigService
	sweep *service.SweepService
}

// startStack 起一台带两个转盘设备的模拟主机，服务层以 ssh 模式接入。
// 设备 0 配置 busy_reads/settle_polls，让空输出重试与停稳轮询都被走到。
func startStack(t *testing.T) *testStack {
	t.Helper()

	simCfg := &simulate.Config{
		Listen:      "127.0.0.1:0",
		Password:    "ortery",
		Tool:        "OTADCommand.exe",
		HostKeyFile: filepath.Join(t.TempDir(), "hostkey_rsa.pem"),
		MovingState: 1,
		Devices: []simulate.DeviceConfig{
			{
				Product:  "PhotoCapture 360",
				DeviceID: 2001,
				Properties: []simulate.PropertyValue{
					{ID: 16641, Value: 0},
					{ID: 16642, Value: 250},
					{ID: 16643, Value: 23400},
				},
				CommandIDs:       []int{12801, 12802, 12803, 13057, 16641},
				RejectedCommands: []int{13058},
				BusyReads:        1,
				SettlePolls:      1,
			},
			{
				Product:  "TurnTable Mini",
				DeviceID: 2002,
				Properties: []simulate.PropertyValue{
					{ID: 16641, Value: 0},
					{ID: 16643, Value: 1200},
				},
				CommandIDs: []int{12801, 13057},
			},
		},
	}
	sim, err := simulate.Start(simCfg)
	require.NoError(t, err, "模拟主机启动失败")
	t.Cleanup(sim.Stop)

	host, portRaw, err := net.SplitHostPort(sim.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portRaw)
	require.NoError(t, err)

	cfg := &config.Config{
		Rig: config.RigConfig{
			Tool:                 "OTADCommand.exe",
			PropertyReadAttempts: 6,
			PropertyReadInterval: 10 * time.Millisecond,
		},
		Controller: config.ControllerConfig{
			Name:     "studio",
			Mode:     model.ControllerModeSSH,
			Host:     host,
			Port:     port,
			User:     "rig",
			Password: "ortery",
		},
		SSH: config.SSHConfig{
			ConnectTimeout:    5 * time.Second,
			KeepAliveInterval: 10 * time.Second,
			CleanupInterval:   30 * time.Second,
			MaxSessions:       4,
		},
		Sweep: config.SweepConfig{
			MaxStops:       720,
			SettleAttempts: 30,
			SettleInterval: 10 * time.Millisecond,
			IdleStateValue: 0,
			ShutterPause:   5 * time.Millisecond,
		},
	}
	cfg.Database.SQLite = config.SQLiteConfig{
		Path:            filepath.Join(t.TempDir(), "otadbridge.db"),
		ConnMaxLifetime: time.Hour,
	}
	cfg.Storage = config.StorageConfig{
		Backend: "local",
		Prefix:  "transcripts",
		Local:   config.LocalStorageConfig{BaseDir: t.TempDir(), MkdirIfMissing: true},
	}

	require.NoError(t, database.InitSQLite(cfg.Database.SQLite), "初始化测试数据库失败")
	t.Cleanup(func() { _ = database.Close() })

	storage := service.NewStorageWriter(cfg)
	rig := service.NewRigService(cfg, storage)
	require.NoError(t, rig.Start(context.Background()))
	t.Cleanup(func() { _ = rig.Stop() })

	sweep := service.NewSweepService(cfg, rig)
	require.NoError(t, sweep.Start(context.Background()))
	t.Cleanup(func() { _ = sweep.Stop() })

	return &testStack{cfg: cfg, sim: sim, rig: rig, sweep: sweep}
}

// readArchive 按记录里的归档 URI 读回本地副本内容
func readArchive(t *testing.T, uri string) string {
	t.Helper()
	require.True(t, strings.HasPrefix(uri, "file://"), "期望本地归档 URI，实际为 %s", uri)
	data, err := os.ReadFile(strings.TrimPrefix(uri, "file://"))
	require.NoError(t, err)
	return string(data)
}

func TestRigOperationsEndToEnd(t *testing.T) {
	stack := startStack(t)
	ctx := context.Background()

	// 设备清点：空控制主机名解析为配置默认值
	count, record, err := stack.rig.DeviceCount(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	require.NotNil(t, record)
	assert.Equal(t, model.RecordStatusSuccess, record.Status)
	assert.Equal(t, "studio", record.Controller)
	assert.Contains(t, record.Transcript, "$ OTADCommand.exe get_device_count")

	// 副本归档为本地文件，内容与记录里的现场一致
	assert.Equal(t, record.Transcript, readArchive(t, record.ArchiveURI))

	info, _, err := stack.rig.DeviceInfo(ctx, "", 0)
	require.NoError(t, err)
	assert.Equal(t, "PhotoCapture 360", info.ProductName)
	assert.Equal(t, 2001, info.DeviceID)

	commands, _, err := stack.rig.CommandDescriptors(ctx, "", 0)
	require.NoError(t, err)
	assert.True(t, hasCommand(commands, 12802), "命令表应包含快门半按")

	properties, _, err := stack.rig.PropertyDescriptors(ctx, "", 0)
	require.NoError(t, err)
	assert.True(t, hasProperty(properties, 16643), "属性表应包含整圈步数")

	// busy_reads=1：读取要经过一轮空输出重试才拿到值
	value, _, err := stack.rig.PropertyValue(ctx, "", 0, 16643)
	require.NoError(t, err)
	assert.Equal(t, 23400, value)

	setRecord, err := stack.rig.SetPropertyValue(ctx, "", 0, 16642, 400)
	require.NoError(t, err)
	assert.Equal(t, model.RecordStatusSuccess, setRecord.Status)

	value, _, err = stack.rig.PropertyValue(ctx, "", 0, 16642)
	require.NoError(t, err)
	assert.Equal(t, 400, value, "写入后的属性值应可读回")
}

func TestSentinelFailureRecorded(t *testing.T) {
	stack := startStack(t)
	ctx := context.Background()

	record, err := stack.rig.SendCommand(ctx, "", 0, 13058)
	require.Error(t, err)
	assert.True(t, otad.IsKind(err, otad.KindNotSupportedByDevice), "设备拒绝的命令应分类为 not_supported_by_device")
	require.NotNil(t, record)
	assert.Equal(t, model.RecordStatusFailed, record.Status)
	assert.Equal(t, string(otad.KindNotSupportedByDevice), record.ErrorKind)
	assert.Contains(t, record.Transcript, "command exec fail")

	// 失败记录同样入库并带归档 URI
	var saved model.OperationRecord
	require.NoError(t, database.GetDB().First(&saved, "id = ?", record.ID).Error, "失败记录也应入库")
	assert.Equal(t, model.RecordStatusFailed, saved.Status)
	assert.Equal(t, record.ArchiveURI, saved.ArchiveURI)
	assert.NotEmpty(t, saved.ArchiveURI)
}

func TestRotateDegreesEndToEnd(t *testing.T) {
	stack := startStack(t)
	ctx := context.Background()

	result, record, err := stack.rig.RotateDegrees(ctx, "", 0, 1, 0, 90)
	require.NoError(t, err)
	assert.Equal(t, 23400, result.TotalSteps)
	assert.Equal(t, 5850, result.Step, "90 度应换算为四分之一圈")
	assert.Contains(t, record.Result, `"step":5850`)
	// 整圈步数读取与转动共用一份副本
	assert.Contains(t, record.Transcript, "get_property_data 0 16643")
	assert.Contains(t, record.Transcript, "turntable 0 1 0 5850")
}

func TestControllerResolution(t *testing.T) {
	stack := startStack(t)
	ctx := context.Background()

	_, _, err := stack.rig.DeviceCount(ctx, "ghost")
	require.ErrorIs(t, err, service.ErrControllerNotFound)

	// 入库的控制主机按名称解析
	ctrl := &model.Controller{
		ID:       uuid.NewString(),
		Name:     "studio-b",
		Mode:     model.ControllerModeSSH,
		Host:     stack.cfg.Controller.Host,
		Port:     stack.cfg.Controller.Port,
		User:     "backup",
		Password: "ortery",
	}
	require.NoError(t, database.GetDB().Create(ctrl).Error)

	count, record, err := stack.rig.DeviceCount(ctx, "studio-b")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, "studio-b", record.Controller)
}

func TestSweepEndToEnd(t *testing.T) {
	stack := startStack(t)

	record, err := stack.sweep.Run(context.Background(), service.SweepRequest{
		Device:    0,
		Stops:     4,
		Speed:     1,
		Direction: 0,
		Shutter:   true,
	})
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, model.SweepStatusSuccess, record.Status)
	assert.Equal(t, 4, record.Captures)
	assert.Equal(t, 23400, record.TotalSteps)
	assert.Equal(t, 5850, record.StepPerStop)
	assert.Equal(t, "studio", record.Controller)

	// 副本里能看到每个停靠点的转动与完整快门序列
	archived := readArchive(t, record.ArchiveURI)
	assert.Equal(t, 4, strings.Count(archived, "$ OTADCommand.exe turntable "), "每个停靠点转动一次")
	assert.Contains(t, archived, "turntable 0 1 0 5850")
	assert.Contains(t, archived, "send_command 0 12802")
	assert.Contains(t, archived, "send_command 0 12803")
	assert.Contains(t, archived, "send_command 0 12801")

	var saved model.SweepRecord
	require.NoError(t, database.GetDB().First(&saved, "id = ?", record.ID).Error)
	assert.Equal(t, model.SweepStatusSuccess, saved.Status)
	assert.Equal(t, 4, saved.Captures)

	var logs []model.SweepLog
	require.NoError(t, database.GetDB().Where("sweep_id = ?", record.ID).Find(&logs).Error)
	assert.GreaterOrEqual(t, len(logs), 6, "开始、整圈步数与各停靠点都应有过程日志")
	joined := joinLogMessages(logs)
	assert.Contains(t, joined, "sweep started")
	assert.Contains(t, joined, "sweep completed: 4 stops")
}

func TestSweepShutterUnsupportedDevice(t *testing.T) {
	stack := startStack(t)

	record, err := stack.sweep.Run(context.Background(), service.SweepRequest{
		Device:    1,
		Stops:     2,
		Speed:     1,
		Direction: 0,
		Shutter:   true,
	})
	require.Error(t, err)
	assert.True(t, otad.IsKind(err, otad.KindUnsupported), "没有快门命令的设备应按 operation_unsupported 失败")
	require.NotNil(t, record)
	assert.Equal(t, model.SweepStatusFailed, record.Status)
	assert.Equal(t, 0, record.Captures)
	assert.Contains(t, record.ErrorMsg, "shutter")

	var saved model.SweepRecord
	require.NoError(t, database.GetDB().First(&saved, "id = ?", record.ID).Error)
	assert.Equal(t, model.SweepStatusFailed, saved.Status)
}

func hasCommand(list []otad.CommandDescriptor, id int) bool {
	for _, c := range list {
		if c.ID == id {
			return true
		}
	}
	return false
}

func hasProperty(list []otad.PropertyDescriptor, id int) bool {
	for _, p := range list {
		if p.ID == id {
			return true
		}
	}
	return false
}

func joinLogMessages(logs []model.SweepLog) string {
	var b strings.Builder
	for _, l := range logs {
		b.WriteString(l.Message)
		b.WriteString("\n")
	}
	return b.String()
}
