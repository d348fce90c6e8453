package otad

import (
	"errors"
	"fmt"
)

// Kind 失败类别：厂商工具的三个哨兵错误码加上本层自身的失败形态。
// 同一类别在不同操作上复用，通过 Op / Device 字段区分语境。
type Kind string

const (
	// KindInvalidDevice 设备索引无效或设备离线（0x0040001）
	KindInvalidDevice Kind = "invalid_device"
	// KindUnsupported 属性/命令不被支持（0x004000a）
	KindUnsupported Kind = "operation_unsupported"
	// KindNotSupportedByDevice 工具支持但该设备不支持（0x0040005）
	KindNotSupportedByDevice Kind = "not_supported_by_device"
	// KindParseFailure 输出与既定格式不符，视为协议失配，不重试
	KindParseFailure Kind = "parse_failure"
	// KindValidation 参数越界，在调用工具之前拒绝
	KindValidation Kind = "validation_error"
	// KindTimeout 空输出轮询达到上限
	KindTimeout Kind = "timeout"
	// KindTransport 命令没有送达（进程无法启动 / SSH 不可达）
	KindTransport Kind = "transport_error"
)

// Error 统一的失败类型。厂商工具的每种失败都归入一个 Kind，
// 不为每个操作定义独立错误类型。
type Error struct {
	Kind    Kind
	Op      string // 厂商操作名，如 get_property_data
	Device  int    // 设备索引；与设备无关的操作为 -1
	Message string
	Output  string // 触发判定的原始输出（解析失败时保留现场）
	Cause   error
}

// Error 实现 error 接口
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: [%s] %s", e.Op, e.Kind, e.Message)
	if e.Device >= 0 {
		msg += fmt.Sprintf(" (device %d)", e.Device)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap 返回底层错误
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is 支持 errors.Is 按 Kind 匹配：target 为 *Error 时只比较 Kind
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// NewError 构造指定类别的失败
func NewError(kind Kind, op string, device int, message string) *Error {
	return &Error{Kind: kind, Op: op, Device: device, Message: message}
}

// GetKind 提取错误类别；非本层错误返回空串
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind 判断错误是否属于指定类别
func IsKind(err error, kind Kind) bool {
	return GetKind(err) == kind
}

// 厂商工具哨兵错误码
const (
	codeInvalidDevice = "0x0040001"
	codeUnsupported   = "0x004000a"
	codeNotSupported  = "0x0040005"
)

var sentinelKinds = map[string]Kind{
	codeInvalidDevice: KindInvalidDevice,
	codeUnsupported:   KindUnsupported,
	codeNotSupported:  KindNotSupportedByDevice,
}

// execFailSentinel 按操作名与错误码拼出工具的哨兵文本。
// 冒号前后的空格数是工具输出的原样，不能改。
func execFailSentinel(op, code string) string {
	return op + " :  command exec fail ( error code : " + code + ")\r\n"
}

// classifyExecFail 将输出与给定错误码的哨兵文本做整串相等比较，
// 命中即返回对应类别的 Error；不指定 codes 时不做任何判定。
// 哨兵匹配必须是整串相等：部分匹配一律交给上层按格式解析处理。
func classifyExecFail(op string, device int, output string, codes ...string) *Error {
	for _, code := range codes {
		if output == execFailSentinel(op, code) {
			return &Error{
				Kind:    sentinelKinds[code],
				Op:      op,
				Device:  device,
				Message: "command exec fail ( error code : " + code + ")",
			}
		}
	}
	return nil
}
