package service

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otadbridge/otadbridge/internal/config"
	"github.com/otadbridge/otadbridge/internal/model"
	"github.com/otadbridge/otadbridge/pkg/shell"
)

// fakeRunner 按脚本返回输出/错误的 Transport 替身
type fakeRunner struct {
	outputs []string
	errs    []error
	calls   int
}

func (r *fakeRunner) Run(ctx context.Context, command string) (string, error) {
	i := r.calls
	r.calls++
	var out string
	if i < len(r.outputs) {
		out = r.outputs[i]
	}
	var err error
	if i < len(r.errs) {
		err = r.errs[i]
	}
	return out, err
}

func (r *fakeRunner) Describe() string { return "fake" }

func testRigConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Controller.Name = "studio"
	cfg.Controller.Mode = "local"
	cfg.Rig.Tool = "OTADCommand.exe"
	return cfg
}

func TestTranscriptRunnerRecordsCommandsAndOutputs(t *testing.T) {
	inner := &fakeRunner{outputs: []string{"2\r\n", ""}}
	recorder := &transcriptRunner{inner: inner}

	out, err := recorder.Run(context.Background(), "OTADCommand.exe get_device_count")
	require.NoError(t, err)
	assert.Equal(t, "2\r\n", out)

	_, err = recorder.Run(context.Background(), "OTADCommand.exe send_command 0 13057")
	require.NoError(t, err)

	transcript := recorder.Transcript()
	// 每条命令行以 $ 开头，输出原样跟随；空输出也占一行，保留轮询现场
	assert.Equal(t,
		"$ OTADCommand.exe get_device_count\n2\r\n$ OTADCommand.exe send_command 0 13057\n\n",
		transcript)
}

func TestTranscriptRunnerRecordsTransportError(t *testing.T) {
	inner := &fakeRunner{errs: []error{errors.New("connection refused")}}
	recorder := &transcriptRunner{inner: inner}

	_, err := recorder.Run(context.Background(), "OTADCommand.exe get_device_count")
	require.Error(t, err)

	transcript := recorder.Transcript()
	assert.Contains(t, transcript, "$ OTADCommand.exe get_device_count\n")
	assert.Contains(t, transcript, "! transport: connection refused")
}

func TestResolveControllerDefault(t *testing.T) {
	cfg := testRigConfig()
	rig := NewRigService(cfg, NewStorageWriter(cfg))
	require.NoError(t, rig.Start(context.Background()))
	defer rig.Stop()

	// 空名称与配置默认名都解析为配置里的默认控制主机
	ctrl, err := rig.resolveController("")
	require.NoError(t, err)
	assert.Equal(t, "studio", ctrl.Name)
	assert.Equal(t, model.ControllerModeLocal, ctrl.Mode)

	ctrl, err = rig.resolveController("studio")
	require.NoError(t, err)
	assert.Equal(t, "studio", ctrl.Name)

	_, err = rig.resolveController("no-such-host")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrControllerNotFound)
}

func TestRunnerForModes(t *testing.T) {
	cfg := testRigConfig()
	rig := NewRigService(cfg, NewStorageWriter(cfg))
	require.NoError(t, rig.Start(context.Background()))
	defer rig.Stop()

	r, err := rig.runnerFor(&model.Controller{Name: "a", Mode: model.ControllerModeLocal})
	require.NoError(t, err)
	assert.IsType(t, &shell.LocalRunner{}, r)

	// 远程模式缺 host 必须在执行前拒绝
	_, err = rig.runnerFor(&model.Controller{Name: "b", Mode: model.ControllerModeSSHPass})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "host required")

	_, err = rig.runnerFor(&model.Controller{Name: "c", Mode: model.ControllerModeSSH})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "host required")

	r, err = rig.runnerFor(&model.Controller{Name: "d", Mode: model.ControllerModeSSH, Host: "192.0.2.10", Port: 22})
	require.NoError(t, err)
	assert.IsType(t, &shell.SSHRunner{}, r)

	_, err = rig.runnerFor(&model.Controller{Name: "e", Mode: "telnet"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestDriverForToolOverride(t *testing.T) {
	cfg := testRigConfig()
	rig := NewRigService(cfg, NewStorageWriter(cfg))
	require.NoError(t, rig.Start(context.Background()))
	defer rig.Stop()

	d := rig.driverFor(&model.Controller{Name: "a"}, &fakeRunner{})
	assert.Equal(t, "OTADCommand.exe", d.Tool(), "控制主机未覆盖工具路径时用全局配置")

	d = rig.driverFor(&model.Controller{Name: "b", Tool: `C:\Ortery\OTADCommand.exe`}, &fakeRunner{})
	assert.Equal(t, `C:\Ortery\OTADCommand.exe`, d.Tool())
}

func TestDeviceLockIdentity(t *testing.T) {
	cfg := testRigConfig()
	rig := NewRigService(cfg, NewStorageWriter(cfg))
	require.NoError(t, rig.Start(context.Background()))
	defer rig.Stop()

	a := rig.deviceLock("studio", 0)
	b := rig.deviceLock("studio", 0)
	c := rig.deviceLock("studio", 1)
	d := rig.deviceLock("other", 0)

	assert.Same(t, a, b, "同一控制主机同一设备取同一把锁")
	assert.NotSame(t, a, c)
	assert.NotSame(t, a, d)
}

func TestJoinInts(t *testing.T) {
	assert.Equal(t, "16641,16642,16643", joinInts([]int{16641, 16642, 16643}))
	assert.Equal(t, "", joinInts(nil))
	assert.Equal(t, fmt.Sprintf("%d", 7), joinInts([]int{7}))
}
