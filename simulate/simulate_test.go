package simulate

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(devices ...DeviceConfig) *Manager {
	cfg := &Config{
		User:        "",
		Password:    "ortery",
		Tool:        "OTADCommand.exe",
		MovingState: 1,
		Devices:     devices,
	}
	m := &Manager{cfg: cfg, tool: cfg.Tool}
	for _, dc := range devices {
		m.devices = append(m.devices, newDeviceState(dc))
	}
	return m
}

func stdDevice() DeviceConfig {
	return DeviceConfig{
		Product:  "PhotoCapture 360",
		DeviceID: 2001,
		Properties: []PropertyValue{
			{ID: 16641, Value: 0},
			{ID: 16642, Value: 250},
			{ID: 16643, Value: 23400},
		},
		CommandIDs:       []int{12801, 12802, 12803, 13057},
		RejectedCommands: []int{13058},
	}
}

func TestExecOutputDeviceCount(t *testing.T) {
	m := newTestManager(stdDevice(), DeviceConfig{Product: "TurnTable Mini", DeviceID: 2002})
	assert.Equal(t, "2\r\n", m.execOutput("OTADCommand.exe get_device_count"))
}

func TestExecOutputDeviceInfo(t *testing.T) {
	m := newTestManager(stdDevice())
	out := m.execOutput("OTADCommand.exe get_device_info 0")
	assert.Equal(t, "Product Name : PhotoCapture 360\r\nDevice ID : 2001\r\n", out)
}

func TestExecOutputInvalidDeviceSentinel(t *testing.T) {
	m := newTestManager(stdDevice())
	// 越界索引与非数字索引都按真实工具回 0x0040001 哨兵
	want := "get_device_info :  command exec fail ( error code : 0x0040001)\r\n"
	assert.Equal(t, want, m.execOutput("OTADCommand.exe get_device_info 5"))
	assert.Equal(t, want, m.execOutput("OTADCommand.exe get_device_info abc"))
	assert.Equal(t, want, m.execOutput("OTADCommand.exe get_device_info"))
}

func TestExecOutputDescriptors(t *testing.T) {
	m := newTestManager(stdDevice())
	assert.Equal(t, "12801\r\n12802\r\n12803\r\n13057\r\n", m.execOutput("OTADCommand.exe get_command_desc 0"))
	// 属性表来自 properties 初始值登记的 id，按配置顺序输出
	assert.Equal(t, "16641\r\n16642\r\n16643\r\n", m.execOutput("OTADCommand.exe get_property_desc 0"))
}

func TestExecOutputPropertyReadWrite(t *testing.T) {
	m := newTestManager(stdDevice())
	assert.Equal(t, "23400\r\n", m.execOutput("OTADCommand.exe get_property_data 0 16643"))

	assert.Equal(t, "", m.execOutput("OTADCommand.exe set_property_data 0 16642 400"))
	assert.Equal(t, "400\r\n", m.execOutput("OTADCommand.exe get_property_data 0 16642"))

	// 不支持的属性回 0x0040005
	want := "get_property_data :  command exec fail ( error code : 0x0040005)\r\n"
	assert.Equal(t, want, m.execOutput("OTADCommand.exe get_property_data 0 55555"))
}

func TestExecOutputBatchSetOrderAndAtomicity(t *testing.T) {
	m := newTestManager(stdDevice())

	// 参数顺序：设备、数据值、属性列表
	assert.Equal(t, "", m.execOutput("OTADCommand.exe set_properties_data 0 9 16641 16642"))
	assert.Equal(t, "9\r\n", m.execOutput("OTADCommand.exe get_property_data 0 16641"))
	assert.Equal(t, "9\r\n", m.execOutput("OTADCommand.exe get_property_data 0 16642"))

	// 列表里有不支持的属性：整条失败，已支持的属性也不写入
	want := "set_properties_data :  command exec fail ( error code : 0x0040005)\r\n"
	assert.Equal(t, want, m.execOutput("OTADCommand.exe set_properties_data 0 77 16641 55555"))
	assert.Equal(t, "9\r\n", m.execOutput("OTADCommand.exe get_property_data 0 16641"), "失败的批量写不允许部分生效")
}

func TestExecOutputSendCommand(t *testing.T) {
	m := newTestManager(stdDevice())
	assert.Equal(t, "", m.execOutput("OTADCommand.exe send_command 0 13057"))

	// 设备拒绝的命令回 0x0040005，未知命令回 0x004000a
	assert.Equal(t,
		"send_command :  command exec fail ( error code : 0x0040005)\r\n",
		m.execOutput("OTADCommand.exe send_command 0 13058"))
	assert.Equal(t,
		"send_command :  command exec fail ( error code : 0x004000a)\r\n",
		m.execOutput("OTADCommand.exe send_command 0 99"))
}

func TestExecOutputTurntableSettle(t *testing.T) {
	dev := stdDevice()
	dev.SettlePolls = 2
	m := newTestManager(dev)

	assert.Equal(t, "", m.execOutput("OTADCommand.exe turntable 0 1 0 650"))

	// 转动后 state 属性先回"转动中"取值，读满 settle_polls 次才回到空闲
	assert.Equal(t, "1\r\n", m.execOutput("OTADCommand.exe get_property_data 0 16641"))
	assert.Equal(t, "1\r\n", m.execOutput("OTADCommand.exe get_property_data 0 16641"))
	assert.Equal(t, "0\r\n", m.execOutput("OTADCommand.exe get_property_data 0 16641"))

	// step=0 不触发 settle
	assert.Equal(t, "", m.execOutput("OTADCommand.exe turntable 0 1 0 0"))
	assert.Equal(t, "0\r\n", m.execOutput("OTADCommand.exe get_property_data 0 16641"))
}

func TestExecOutputBusyReads(t *testing.T) {
	dev := stdDevice()
	dev.BusyReads = 2
	m := newTestManager(dev)

	// 每轮逻辑读取前先回 busy_reads 次空输出，耗尽后给值，下一轮重新计数
	assert.Equal(t, "", m.execOutput("OTADCommand.exe get_property_data 0 16643"))
	assert.Equal(t, "", m.execOutput("OTADCommand.exe get_property_data 0 16643"))
	assert.Equal(t, "23400\r\n", m.execOutput("OTADCommand.exe get_property_data 0 16643"))

	assert.Equal(t, "", m.execOutput("OTADCommand.exe get_property_data 0 16643"))
	assert.Equal(t, "", m.execOutput("OTADCommand.exe get_property_data 0 16643"))
	assert.Equal(t, "23400\r\n", m.execOutput("OTADCommand.exe get_property_data 0 16643"))
}

func TestExecOutputNonToolCommand(t *testing.T) {
	m := newTestManager(stdDevice())
	out := m.execOutput("dir")
	assert.Equal(t,
		"'dir' is not recognized as an internal or external command,\r\n"+
			"operable program or batch file.\r\n", out)
}

func TestExecOutputToolPathVariants(t *testing.T) {
	m := newTestManager(stdDevice())
	// 带路径、带引号、大小写不同的工具调用都应命中
	assert.Equal(t, "1\r\n", m.execOutput(`C:\Ortery\OTADCommand.exe get_device_count`))
	assert.Equal(t, "1\r\n", m.execOutput(`"OTADCommand.exe" get_device_count`))
	assert.Equal(t, "1\r\n", m.execOutput("otadcommand.exe get_device_count"))
}

func TestExecOutputUsage(t *testing.T) {
	m := newTestManager(stdDevice())
	assert.Contains(t, m.execOutput("OTADCommand.exe"), "usage:")
	assert.Contains(t, m.execOutput("OTADCommand.exe frobnicate 0"), "unsupported operation")
}

func TestAuthOK(t *testing.T) {
	m := newTestManager(stdDevice())

	// user 留空：任意用户名 + 正确口令
	assert.True(t, m.authOK("anyone", "ortery"))
	assert.False(t, m.authOK("anyone", "wrong"))

	m.cfg.User = "rig"
	assert.True(t, m.authOK("rig", "ortery"))
	assert.False(t, m.authOK("other", "ortery"))
}

func TestParseExecPayload(t *testing.T) {
	cmd := "OTADCommand.exe get_device_count"
	payload := make([]byte, 4+len(cmd))
	binary.BigEndian.PutUint32(payload, uint32(len(cmd)))
	copy(payload[4:], cmd)
	assert.Equal(t, cmd, parseExecPayload(payload))

	// 长度头损坏时退化为去零字节整串
	assert.Equal(t, "abc", parseExecPayload([]byte("abc")))
}

func TestReloadSwapsDevices(t *testing.T) {
	m := newTestManager(stdDevice())
	m.cfg.Listen = "127.0.0.1:2322"

	next := &Config{
		Listen:   "127.0.0.1:9999",
		Password: "changed",
		Tool:     "OTAD2.exe",
		Devices: []DeviceConfig{
			{Product: "Mini", DeviceID: 9, Properties: []PropertyValue{{ID: 16643, Value: 100}}},
		},
	}
	require.NoError(t, m.Reload(next))

	// 监听地址不热更，设备集与凭据替换生效
	assert.Equal(t, "127.0.0.1:2322", m.cfg.Listen)
	assert.Equal(t, "changed", m.cfg.Password)
	assert.Equal(t, "1\r\n", m.execOutput("OTAD2.exe get_device_count"))
	assert.Equal(t, "100\r\n", m.execOutput("OTAD2.exe get_property_data 0 16643"))
}
