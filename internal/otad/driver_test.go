package otad

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptRunner 按脚本依次返回输出的 Transport 替身，并记录收到的命令行
type scriptRunner struct {
	outputs  []string
	commands []string
}

func (r *scriptRunner) Run(ctx context.Context, command string) (string, error) {
	r.commands = append(r.commands, command)
	if len(r.outputs) == 0 {
		return "", nil
	}
	out := r.outputs[0]
	r.outputs = r.outputs[1:]
	return out, nil
}

func (r *scriptRunner) Describe() string { return "script" }

func newTestDriver(runner *scriptRunner, attempts int) *Driver {
	return NewDriver(runner, Options{
		PropertyReadAttempts: attempts,
		PropertyReadInterval: time.Millisecond,
	})
}

func TestDeviceCount(t *testing.T) {
	runner := &scriptRunner{outputs: []string{"3\r\n"}}
	driver := newTestDriver(runner, 3)

	count, err := driver.DeviceCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, count, "设备数量应解析为 3")
	require.Len(t, runner.commands, 1)
	assert.Equal(t, "OTADCommand.exe get_device_count", runner.commands[0], "命令行应与工具约定一致")
}

func TestDeviceCountMalformed(t *testing.T) {
	runner := &scriptRunner{outputs: []string{"three\r\n"}}
	driver := newTestDriver(runner, 3)

	_, err := driver.DeviceCount(context.Background())
	require.Error(t, err)
	assert.Equal(t, KindParseFailure, GetKind(err), "非数字输出应判为解析失败")
}

func TestDeviceInfo(t *testing.T) {
	runner := &scriptRunner{outputs: []string{"Product Name : Photobench E\r\nDevice ID : 3\r\n"}}
	driver := newTestDriver(runner, 3)

	info, err := driver.DeviceInfo(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, "Photobench E", info.ProductName)
	assert.Equal(t, 3, info.DeviceID)
	assert.Equal(t, "OTADCommand.exe get_device_info 0", runner.commands[0])
}

func TestDeviceInfoInvalidDeviceSentinel(t *testing.T) {
	runner := &scriptRunner{outputs: []string{
		"get_device_info :  command exec fail ( error code : 0x0040001)\r\n",
	}}
	driver := newTestDriver(runner, 3)

	_, err := driver.DeviceInfo(context.Background(), 9)
	require.Error(t, err)
	// 哨兵命中必须归为设备无效，而不是解析失败
	assert.Equal(t, KindInvalidDevice, GetKind(err))

	var typed *Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, "get_device_info", typed.Op)
	assert.Equal(t, 9, typed.Device)
}

func TestDeviceInfoMalformed(t *testing.T) {
	runner := &scriptRunner{outputs: []string{"garbage output\r\n"}}
	driver := newTestDriver(runner, 3)

	_, err := driver.DeviceInfo(context.Background(), 0)
	require.Error(t, err)
	assert.Equal(t, KindParseFailure, GetKind(err))
}

func TestCommandDescriptors(t *testing.T) {
	runner := &scriptRunner{outputs: []string{"12801\r\n13057\r\n39321\r\n"}}
	driver := newTestDriver(runner, 3)

	descriptors, err := driver.CommandDescriptors(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, descriptors, 3)
	assert.Equal(t, "otadDEVICE_COMMAND_CABLERLEASE_OFF", descriptors[0].Name)
	assert.Equal(t, "otadDEVICE_COMMAND_TURNTABLE_STOP", descriptors[1].Name)
	// 未登记的 id 返回占位描述符而不是错误
	assert.False(t, descriptors[2].Known)
	assert.Equal(t, 39321, descriptors[2].ID)
	assert.Equal(t, "OTADCommand.exe get_command_desc 1", runner.commands[0])
}

func TestCommandDescriptorsInvalidDevice(t *testing.T) {
	runner := &scriptRunner{outputs: []string{
		"get_command_desc :  command exec fail ( error code : 0x0040001)\r\n",
	}}
	driver := newTestDriver(runner, 3)

	_, err := driver.CommandDescriptors(context.Background(), 7)
	require.Error(t, err)
	assert.Equal(t, KindInvalidDevice, GetKind(err))
}

func TestPropertyDescriptors(t *testing.T) {
	runner := &scriptRunner{outputs: []string{"16641\r\n16643\r\n"}}
	driver := newTestDriver(runner, 3)

	descriptors, err := driver.PropertyDescriptors(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, descriptors, 2)
	assert.Equal(t, "otadDEVICE_PROPERTY_TURNTABLE_STATE", descriptors[0].Name)
	assert.Equal(t, "otadDEVICE_PROPERTY_TURNTABLE_TOTAL_STEPS", descriptors[1].Name)
}

func TestPropertyValueRetriesOnEmptyOutput(t *testing.T) {
	// 空输出两次后给值：应恰好调用 Transport 三次并返回 42
	runner := &scriptRunner{outputs: []string{"", "", "42"}}
	driver := newTestDriver(runner, 10)

	value, err := driver.PropertyValue(context.Background(), 0, PropertyTurntableState)
	require.NoError(t, err)
	assert.Equal(t, 42, value)
	assert.Len(t, runner.commands, 3, "空输出重试应恰好发起三次调用")
	assert.Equal(t, "OTADCommand.exe get_property_data 0 16641", runner.commands[0])
}

func TestPropertyValueTimeout(t *testing.T) {
	runner := &scriptRunner{outputs: []string{"", "", ""}}
	driver := newTestDriver(runner, 3)

	_, err := driver.PropertyValue(context.Background(), 0, PropertyTurntableTotalSteps)
	require.Error(t, err)
	assert.Equal(t, KindTimeout, GetKind(err), "重试耗尽应归为超时")
	assert.Len(t, runner.commands, 3)
}

func TestPropertyValueSentinels(t *testing.T) {
	cases := []struct {
		name   string
		output string
		kind   Kind
	}{
		{"无效设备", "get_property_data :  command exec fail ( error code : 0x0040001)\r\n", KindInvalidDevice},
		{"属性不支持", "get_property_data :  command exec fail ( error code : 0x004000a)\r\n", KindUnsupported},
		{"设备不支持该属性", "get_property_data :  command exec fail ( error code : 0x0040005)\r\n", KindNotSupportedByDevice},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			runner := &scriptRunner{outputs: []string{tc.output}}
			driver := newTestDriver(runner, 3)

			_, err := driver.PropertyValue(context.Background(), 2, 16641)
			require.Error(t, err)
			assert.Equal(t, tc.kind, GetKind(err))
		})
	}
}

func TestPropertyValueMalformed(t *testing.T) {
	runner := &scriptRunner{outputs: []string{"not a number\r\n"}}
	driver := newTestDriver(runner, 3)

	_, err := driver.PropertyValue(context.Background(), 0, 16641)
	require.Error(t, err)
	assert.Equal(t, KindParseFailure, GetKind(err), "非空但不可解析的输出不应继续重试")
	assert.Len(t, runner.commands, 1)
}

func TestSetPropertyValue(t *testing.T) {
	runner := &scriptRunner{outputs: []string{"OK\r\n"}}
	driver := newTestDriver(runner, 3)

	err := driver.SetPropertyValue(context.Background(), 1, 16641, 5)
	require.NoError(t, err)
	assert.Equal(t, "OTADCommand.exe set_property_data 1 16641 5", runner.commands[0])
}

func TestSetPropertiesValuesArgumentOrder(t *testing.T) {
	runner := &scriptRunner{outputs: []string{""}}
	driver := newTestDriver(runner, 3)

	err := driver.SetPropertiesValues(context.Background(), 2, []int{16641, 16643}, 7)
	require.NoError(t, err)
	// 数据在前、属性 id 在后
	assert.Equal(t, "OTADCommand.exe set_properties_data 2 7 16641 16643", runner.commands[0])
}

func TestSetPropertiesValuesValidation(t *testing.T) {
	runner := &scriptRunner{}
	driver := newTestDriver(runner, 3)

	err := driver.SetPropertiesValues(context.Background(), 0, nil, 1)
	require.Error(t, err)
	assert.Equal(t, KindValidation, GetKind(err))

	tooMany := make([]int, MaxPropertiesPerSet+1)
	for i := range tooMany {
		tooMany[i] = 16641
	}
	err = driver.SetPropertiesValues(context.Background(), 0, tooMany, 1)
	require.Error(t, err)
	assert.Equal(t, KindValidation, GetKind(err))

	// 越界参数不应触发任何 Transport 调用
	assert.Empty(t, runner.commands)
}

func TestSendCommandSentinels(t *testing.T) {
	runner := &scriptRunner{outputs: []string{
		"send_command :  command exec fail ( error code : 0x004000a)\r\n",
	}}
	driver := newTestDriver(runner, 3)

	err := driver.SendCommand(context.Background(), 0, CommandTurntableStop)
	require.Error(t, err)
	assert.Equal(t, KindUnsupported, GetKind(err))
	assert.Equal(t, "OTADCommand.exe send_command 0 13057", runner.commands[0])
}

func TestRotate(t *testing.T) {
	runner := &scriptRunner{outputs: []string{""}}
	driver := newTestDriver(runner, 3)

	err := driver.Rotate(context.Background(), 0, SpeedNormal, DirectionClockwise, 200)
	require.NoError(t, err)
	assert.Equal(t, "OTADCommand.exe turntable 0 1 0 200", runner.commands[0])
}

func TestRotateValidation(t *testing.T) {
	runner := &scriptRunner{}
	driver := newTestDriver(runner, 3)

	cases := []struct {
		name      string
		speed     int
		direction int
		step      int
	}{
		{"速度越界", 3, DirectionClockwise, 100},
		{"方向越界", SpeedLow, 2, 100},
		{"步进越界", SpeedLow, DirectionClockwise, StepMax + 1},
		{"步进为负", SpeedLow, DirectionClockwise, -1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := driver.Rotate(context.Background(), 0, tc.speed, tc.direction, tc.step)
			require.Error(t, err)
			assert.Equal(t, KindValidation, GetKind(err))
		})
	}

	// 越界参数一律在调用工具之前拒绝
	assert.Empty(t, runner.commands)
}

func TestRotateStepUpperBound(t *testing.T) {
	runner := &scriptRunner{outputs: []string{""}}
	driver := newTestDriver(runner, 3)

	// 上限值本身合法
	err := driver.Rotate(context.Background(), 0, SpeedHigh, DirectionCounterClockwise, StepMax)
	require.NoError(t, err)
	assert.Equal(t, "OTADCommand.exe turntable 0 2 1 665535", runner.commands[0])
}

func TestRotateInvalidDeviceSentinel(t *testing.T) {
	runner := &scriptRunner{outputs: []string{
		"turntable :  command exec fail ( error code : 0x0040001)\r\n",
	}}
	driver := newTestDriver(runner, 3)

	err := driver.Rotate(context.Background(), 4, SpeedLow, DirectionClockwise, 10)
	require.Error(t, err)
	assert.Equal(t, KindInvalidDevice, GetKind(err))
}

func TestDriverToolPathOverride(t *testing.T) {
	runner := &scriptRunner{outputs: []string{"1\r\n"}}
	driver := NewDriver(runner, Options{Tool: `C:\OTAD\OTADCommand.exe`})

	_, err := driver.DeviceCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, `C:\OTAD\OTADCommand.exe get_device_count`, runner.commands[0])
}
