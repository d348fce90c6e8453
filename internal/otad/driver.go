package otad

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/otadbridge/otadbridge/pkg/logger"
	"github.com/otadbridge/otadbridge/pkg/shell"
)

// 厂商工具的操作名，同时是哨兵文本的前缀
const (
	opGetDeviceCount    = "get_device_count"
	opGetDeviceInfo     = "get_device_info"
	opGetCommandDesc    = "get_command_desc"
	opGetPropertyDesc   = "get_property_desc"
	opGetPropertyData   = "get_property_data"
	opSetPropertyData   = "set_property_data"
	opSetPropertiesData = "set_properties_data"
	opSendCommand       = "send_command"
	opTurntable         = "turntable"
)

// DefaultTool 厂商工具默认调用名
const DefaultTool = "OTADCommand.exe"

// MaxPropertiesPerSet 一次 set_properties_data 允许的属性数上限
const MaxPropertiesPerSet = 20

// 工具输出的固定格式。不做宽松解析：不符合即判定为协议失配。
var (
	deviceCountPattern   = regexp.MustCompile(`^([0-9]+)\r\n$`)
	deviceInfoPattern    = regexp.MustCompile(`^Product Name : ([A-Za-z0-9 ]+)\r\nDevice ID : ([0-9]+)\r\n`)
	descriptorIDPattern  = regexp.MustCompile(`([0-9]+)\r\n`)
	propertyValuePattern = regexp.MustCompile(`^([0-9]+)`)
)

// DeviceInfo 设备信息查询结果
type DeviceInfo struct {
	ProductName string `json:"product_name"`
	DeviceID    int    `json:"device_id"`
}

// Options 驱动参数
type Options struct {
	// Tool 工具调用路径，空值使用 DefaultTool
	Tool string
	// PropertyReadAttempts 属性读取空输出时的调用次数上限
	PropertyReadAttempts int
	// PropertyReadInterval 两次属性读取之间的等待
	PropertyReadInterval time.Duration
}

// Driver 命令/响应层。持有一个 Transport（shell.Runner），每个操作
// 拼命令行、执行、按哨兵与固定格式判读输出。Driver 自身无状态，
// 并发安全性由上层按设备序列化保证。
type Driver struct {
	runner   shell.Runner
	tool     string
	attempts int
	interval time.Duration
}

// NewDriver 创建驱动
func NewDriver(runner shell.Runner, opts Options) *Driver {
	tool := opts.Tool
	if tool == "" {
		tool = DefaultTool
	}
	attempts := opts.PropertyReadAttempts
	if attempts <= 0 {
		attempts = 20
	}
	interval := opts.PropertyReadInterval
	if interval < 0 {
		interval = 0
	}
	return &Driver{
		runner:   runner,
		tool:     tool,
		attempts: attempts,
		interval: interval,
	}
}

// Tool 返回工具调用路径
func (d *Driver) Tool() string {
	return d.tool
}

// run 执行一条工具命令行并返回原始输出文本
func (d *Driver) run(ctx context.Context, op string, device int, command string) (string, error) {
	logger.Debugf("rig exec [%s]: %s", d.runner.Describe(), command)
	output, err := d.runner.Run(ctx, command)
	if err != nil {
		return "", &Error{
			Kind:    KindTransport,
			Op:      op,
			Device:  device,
			Message: "command did not reach the vendor tool",
			Cause:   err,
		}
	}
	return output, nil
}

// DeviceCount 查询本机接入的设备数量
func (d *Driver) DeviceCount(ctx context.Context) (int, error) {
	command := fmt.Sprintf("%s %s", d.tool, opGetDeviceCount)
	output, err := d.run(ctx, opGetDeviceCount, -1, command)
	if err != nil {
		return 0, err
	}

	m := deviceCountPattern.FindStringSubmatch(output)
	if m == nil {
		return 0, parseFailure(opGetDeviceCount, -1, output)
	}
	count, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, parseFailure(opGetDeviceCount, -1, output)
	}
	return count, nil
}

// DeviceInfo 查询设备信息（产品名 + 设备 ID）
func (d *Driver) DeviceInfo(ctx context.Context, device int) (DeviceInfo, error) {
	command := fmt.Sprintf("%s %s %d", d.tool, opGetDeviceInfo, device)
	output, err := d.run(ctx, opGetDeviceInfo, device, command)
	if err != nil {
		return DeviceInfo{}, err
	}

	if e := classifyExecFail(opGetDeviceInfo, device, output, codeInvalidDevice); e != nil {
		return DeviceInfo{}, e
	}

	m := deviceInfoPattern.FindStringSubmatch(output)
	if m == nil {
		return DeviceInfo{}, parseFailure(opGetDeviceInfo, device, output)
	}
	id, err := strconv.Atoi(m[2])
	if err != nil {
		return DeviceInfo{}, parseFailure(opGetDeviceInfo, device, output)
	}
	return DeviceInfo{ProductName: m[1], DeviceID: id}, nil
}

// CommandDescriptors 查询设备支持的命令列表。
// 输出里的每个数值 id 都查表成描述符；未登记的 id 给占位描述符，不报错。
func (d *Driver) CommandDescriptors(ctx context.Context, device int) ([]CommandDescriptor, error) {
	command := fmt.Sprintf("%s %s %d", d.tool, opGetCommandDesc, device)
	output, err := d.run(ctx, opGetCommandDesc, device, command)
	if err != nil {
		return nil, err
	}

	if e := classifyExecFail(opGetCommandDesc, device, output, codeInvalidDevice); e != nil {
		return nil, e
	}

	ids := parseDescriptorIDs(output)
	descriptors := make([]CommandDescriptor, 0, len(ids))
	for _, id := range ids {
		descriptors = append(descriptors, LookupCommand(id))
	}
	return descriptors, nil
}

// PropertyDescriptors 查询设备可读写的属性列表
func (d *Driver) PropertyDescriptors(ctx context.Context, device int) ([]PropertyDescriptor, error) {
	command := fmt.Sprintf("%s %s %d", d.tool, opGetPropertyDesc, device)
	output, err := d.run(ctx, opGetPropertyDesc, device, command)
	if err != nil {
		return nil, err
	}

	if e := classifyExecFail(opGetPropertyDesc, device, output, codeInvalidDevice); e != nil {
		return nil, e
	}

	ids := parseDescriptorIDs(output)
	descriptors := make([]PropertyDescriptor, 0, len(ids))
	for _, id := range ids {
		descriptors = append(descriptors, LookupProperty(id))
	}
	return descriptors, nil
}

// PropertyValue 读取属性值。值未就绪时工具给空输出，按配置的上限
// 反复重试，耗尽后归为 Timeout；非空输出先过哨兵再解析。
func (d *Driver) PropertyValue(ctx context.Context, device, property int) (int, error) {
	command := fmt.Sprintf("%s %s %d %d", d.tool, opGetPropertyData, device, property)

	for attempt := 1; attempt <= d.attempts; attempt++ {
		if attempt > 1 {
			if err := sleepContext(ctx, d.interval); err != nil {
				return 0, &Error{
					Kind:    KindTimeout,
					Op:      opGetPropertyData,
					Device:  device,
					Message: fmt.Sprintf("property %d read aborted while polling", property),
					Cause:   err,
				}
			}
		}

		output, err := d.run(ctx, opGetPropertyData, device, command)
		if err != nil {
			return 0, err
		}
		if output == "" {
			continue
		}

		if e := classifyExecFail(opGetPropertyData, device, output,
			codeInvalidDevice, codeUnsupported, codeNotSupported); e != nil {
			return 0, e
		}

		m := propertyValuePattern.FindStringSubmatch(output)
		if m == nil {
			return 0, parseFailure(opGetPropertyData, device, output)
		}
		value, err := strconv.Atoi(m[1])
		if err != nil {
			return 0, parseFailure(opGetPropertyData, device, output)
		}
		return value, nil
	}

	return 0, &Error{
		Kind:    KindTimeout,
		Op:      opGetPropertyData,
		Device:  device,
		Message: fmt.Sprintf("property %d produced no output after %d attempts", property, d.attempts),
	}
}

// SetPropertyValue 写入属性值
func (d *Driver) SetPropertyValue(ctx context.Context, device, property, value int) error {
	command := fmt.Sprintf("%s %s %d %d %d", d.tool, opSetPropertyData, device, property, value)
	output, err := d.run(ctx, opSetPropertyData, device, command)
	if err != nil {
		return err
	}

	if e := classifyExecFail(opSetPropertyData, device, output,
		codeInvalidDevice, codeUnsupported, codeNotSupported); e != nil {
		return e
	}
	return nil
}

// SetPropertiesValues 把同一个值写入一组属性（1~20 个）。
// 属性数越界在调用工具之前拒绝。
func (d *Driver) SetPropertiesValues(ctx context.Context, device int, properties []int, value int) error {
	if len(properties) == 0 {
		return &Error{
			Kind:    KindValidation,
			Op:      opSetPropertiesData,
			Device:  device,
			Message: "at least one property id is required",
		}
	}
	if len(properties) > MaxPropertiesPerSet {
		return &Error{
			Kind:    KindValidation,
			Op:      opSetPropertiesData,
			Device:  device,
			Message: fmt.Sprintf("a maximum of %d property ids can be set at a time", MaxPropertiesPerSet),
		}
	}

	// 参数顺序是先数据后属性 id 列表，工具即如此定义
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %d %d", d.tool, opSetPropertiesData, device, value)
	for _, property := range properties {
		fmt.Fprintf(&b, " %d", property)
	}

	output, err := d.run(ctx, opSetPropertiesData, device, b.String())
	if err != nil {
		return err
	}

	if e := classifyExecFail(opSetPropertiesData, device, output,
		codeInvalidDevice, codeUnsupported, codeNotSupported); e != nil {
		return e
	}
	return nil
}

// SendCommand 向设备下发一个命令 id
func (d *Driver) SendCommand(ctx context.Context, device, commandID int) error {
	command := fmt.Sprintf("%s %s %d %d", d.tool, opSendCommand, device, commandID)
	output, err := d.run(ctx, opSendCommand, device, command)
	if err != nil {
		return err
	}

	if e := classifyExecFail(opSendCommand, device, output,
		codeInvalidDevice, codeUnsupported, codeNotSupported); e != nil {
		return e
	}
	return nil
}

// Rotate 转动转盘。speed/direction/step 越界在调用工具之前拒绝。
func (d *Driver) Rotate(ctx context.Context, device, speed, direction, step int) error {
	if speed < SpeedLow || speed > SpeedHigh {
		return &Error{
			Kind:    KindValidation,
			Op:      opTurntable,
			Device:  device,
			Message: fmt.Sprintf("the range for speed is from %d to %d", SpeedLow, SpeedHigh),
		}
	}
	if direction != DirectionClockwise && direction != DirectionCounterClockwise {
		return &Error{
			Kind:    KindValidation,
			Op:      opTurntable,
			Device:  device,
			Message: fmt.Sprintf("the accepted values for direction are %d and %d", DirectionClockwise, DirectionCounterClockwise),
		}
	}
	if step < 0 || step > StepMax {
		return &Error{
			Kind:    KindValidation,
			Op:      opTurntable,
			Device:  device,
			Message: fmt.Sprintf("the range for step is from 0 to %d", StepMax),
		}
	}

	command := fmt.Sprintf("%s %s %d %d %d %d", d.tool, opTurntable, device, speed, direction, step)
	output, err := d.run(ctx, opTurntable, device, command)
	if err != nil {
		return err
	}

	if e := classifyExecFail(opTurntable, device, output, codeInvalidDevice); e != nil {
		return e
	}
	return nil
}

// parseDescriptorIDs 提取输出中所有 "数字\r\n" 形式的 id
func parseDescriptorIDs(output string) []int {
	matches := descriptorIDPattern.FindAllStringSubmatch(output, -1)
	ids := make([]int, 0, len(matches))
	for _, m := range matches {
		if id, err := strconv.Atoi(m[1]); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// parseFailure 输出不符合既定格式：原始输出整体保留在 Output 字段
func parseFailure(op string, device int, output string) *Error {
	return &Error{
		Kind:    KindParseFailure,
		Op:      op,
		Device:  device,
		Message: fmt.Sprintf("unexpected output %q", truncate(output, 120)),
		Output:  output,
	}
}

// sleepContext 可被取消的等待
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
