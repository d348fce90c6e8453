package shell

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildSSHCommand(t *testing.T) {
	target := Target{User: "u", Host: "h", Password: "p"}
	cmd := target.BuildSSHCommand("X")

	assert.Contains(t, cmd, "sshpass -p 'p'", "有密码时应有 sshpass 前缀")
	assert.Contains(t, cmd, "u@h")
	assert.Contains(t, cmd, "StrictHostKeyChecking=no")
	assert.Contains(t, cmd, "LogLevel=QUIET")
	assert.Contains(t, cmd, `"X"`, "内层命令应原样包裹在双引号里")
	assert.Equal(t, `sshpass -p 'p' ssh -o StrictHostKeyChecking=no -o LogLevel=QUIET u@h "X"`, cmd)
}

func TestBuildSSHCommandWithoutPassword(t *testing.T) {
	target := Target{User: "operator", Host: "rig-host"}
	cmd := target.BuildSSHCommand("OTADCommand.exe get_device_count")

	assert.NotContains(t, cmd, "sshpass", "无密码时不应有 sshpass 前缀")
	assert.Equal(t, `ssh -o StrictHostKeyChecking=no -o LogLevel=QUIET operator@rig-host "OTADCommand.exe get_device_count"`, cmd)
}

func TestBuildSSHCommandEscapesQuoteInPassword(t *testing.T) {
	target := Target{User: "u", Host: "h", Password: "a'b"}
	cmd := target.BuildSSHCommand("X")

	assert.Contains(t, cmd, `sshpass -p 'a'\''b'`)
}

func TestBuildSSHCommandKeepsWindowsPath(t *testing.T) {
	target := Target{User: "u", Host: "h", Password: "p"}
	cmd := target.BuildSSHCommand(`C:\OTAD\OTADCommand.exe get_device_count`)

	// Windows 路径的反斜杠不能被转义
	assert.Contains(t, cmd, `"C:\OTAD\OTADCommand.exe get_device_count"`)
}

func TestTargetAddr(t *testing.T) {
	assert.Equal(t, "u@h", Target{User: "u", Host: "h", Password: "secret"}.Addr())
	assert.Equal(t, "h", Target{Host: "h"}.Addr())
}
