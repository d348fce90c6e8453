package shell

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalRunnerCapturesStdout(t *testing.T) {
	runner := NewLocalRunner("windows-1252")

	out, err := runner.Run(context.Background(), `printf 'Device ID : 3\r\n'`)
	require.NoError(t, err)
	assert.Equal(t, "Device ID : 3\r\n", out, "标准输出应按行原样捕获")
}

func TestLocalRunnerIgnoresExitCode(t *testing.T) {
	runner := NewLocalRunner("windows-1252")

	// 退出码不参与判定：失败语义完全在输出文本里
	out, err := runner.Run(context.Background(), "printf partial; exit 3")
	require.NoError(t, err)
	assert.Equal(t, "partial", out)
}

func TestLocalRunnerIgnoresStderr(t *testing.T) {
	runner := NewLocalRunner("windows-1252")

	out, err := runner.Run(context.Background(), "echo noise 1>&2; printf ok")
	require.NoError(t, err)
	assert.Equal(t, "ok", out, "标准错误不应混入捕获结果")
}

func TestLocalRunnerEmptyOutput(t *testing.T) {
	runner := NewLocalRunner("windows-1252")

	out, err := runner.Run(context.Background(), "true")
	require.NoError(t, err)
	assert.Equal(t, "", out)
}

func TestLocalRunnerContextCancel(t *testing.T) {
	runner := NewLocalRunner("windows-1252")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := runner.Run(ctx, "sleep 5")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLocalRunnerDescribe(t *testing.T) {
	assert.Equal(t, "local", NewLocalRunner("").Describe())

	wrapped := NewSSHPassRunner(Target{User: "u", Host: "h", Password: "p"}, "")
	assert.Equal(t, "sshpass://u@h", wrapped.Describe())
}

func TestSSHPassRunnerWrapsCommand(t *testing.T) {
	// 包装后的命令行仍由本机 shell 执行；这里用 printf 替代 ssh 验证包装文本本身
	wrapped := NewSSHPassRunner(Target{User: "u", Host: "h", Password: "p"}, "")
	line := wrapped.wrap.BuildSSHCommand("OTADCommand.exe turntable 0 1 0 100")
	assert.Equal(t, `sshpass -p 'p' ssh -o StrictHostKeyChecking=no -o LogLevel=QUIET u@h "OTADCommand.exe turntable 0 1 0 100"`, line)
}
