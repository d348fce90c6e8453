// Package otad 实现 Ortery 转盘厂商工具（OTADCommand.exe）的命令/响应层：
// 拼装调用命令行、经 Transport 执行、按固定格式解析输出并把失败归类。
package otad

// 厂商工具文档列出的命令 id
const (
	CommandCableReleaseOff        = 12801
	CommandCableReleaseHalfway    = 12802
	CommandCableReleaseCompletely = 12803
	CommandTurntableStop          = 13057
	CommandTurntableRelease       = 13058
)

// 厂商工具文档列出的属性 id
const (
	PropertyTurntableState      = 16641
	PropertyTurntableTotalSteps = 16643
)

// turntable 操作的参数取值
const (
	SpeedLow    = 0
	SpeedNormal = 1
	SpeedHigh   = 2

	DirectionClockwise        = 0
	DirectionCounterClockwise = 1

	// StepMax 工具接受的步进上限，取厂商文档原值
	StepMax = 665535
)

// CommandDescriptor 命令描述符：符号名 + 数值 id + 人读说明
type CommandDescriptor struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Known       bool   `json:"known"`
}

// PropertyDescriptor 属性描述符
type PropertyDescriptor struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Known       bool   `json:"known"`
}

// 静态描述符表：进程内常量，启动即就绪，之后只读。
// 16641 同时出现在命令表与属性表里，厂商文档即如此。
var commandTable = map[int]CommandDescriptor{
	CommandCableReleaseOff: {
		ID:          CommandCableReleaseOff,
		Name:        "otadDEVICE_COMMAND_CABLERLEASE_OFF",
		Description: "Shutter Release OFF",
		Known:       true,
	},
	CommandCableReleaseHalfway: {
		ID:          CommandCableReleaseHalfway,
		Name:        "otadDEVICE_COMMAND_CABLERLEASE_HALFWAY",
		Description: "Shutter Release Halfway (Focus)",
		Known:       true,
	},
	CommandCableReleaseCompletely: {
		ID:          CommandCableReleaseCompletely,
		Name:        "otadDEVICE_COMMAND_CABLERLEASE_COMPLETELY",
		Description: "Shutter Release Completely (Snap)",
		Known:       true,
	},
	CommandTurntableStop: {
		ID:          CommandTurntableStop,
		Name:        "otadDEVICE_COMMAND_TURNTABLE_STOP",
		Description: "Stop the turntable",
		Known:       true,
	},
	CommandTurntableRelease: {
		ID:          CommandTurntableRelease,
		Name:        "otadDEVICE_COMMAND_TURNTABLE_RELEASE",
		Description: "Release the motor of turntable",
		Known:       true,
	},
	PropertyTurntableState: {
		ID:          PropertyTurntableState,
		Name:        "otadDEVICE_PROPERTY_TURNTABLE_STATE",
		Description: "State of turntable",
		Known:       true,
	},
}

var propertyTable = map[int]PropertyDescriptor{
	PropertyTurntableState: {
		ID:          PropertyTurntableState,
		Name:        "otadDEVICE_PROPERTY_TURNTABLE_STATE",
		Description: "State of turntable",
		Known:       true,
	},
	PropertyTurntableTotalSteps: {
		ID:          PropertyTurntableTotalSteps,
		Name:        "otadDEVICE_PROPERTY_TURNTABLE_TOTAL_STEPS",
		Description: "Total step of turntable",
		Known:       true,
	},
}

// LookupCommand 查命令描述符。未登记的 id 返回占位描述符（携带原 id），
// 永远不失败：设备上报未知 id 是正常情形。
func LookupCommand(id int) CommandDescriptor {
	if d, ok := commandTable[id]; ok {
		return d
	}
	return CommandDescriptor{ID: id, Name: "UNKNOWN", Description: "Unknown command"}
}

// LookupProperty 查属性描述符，未知 id 同样返回占位描述符
func LookupProperty(id int) PropertyDescriptor {
	if d, ok := propertyTable[id]; ok {
		return d
	}
	return PropertyDescriptor{ID: id, Name: "UNKNOWN", Description: "Unknown property"}
}
