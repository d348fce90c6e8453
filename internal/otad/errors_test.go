package otad

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecFailSentinelFormat(t *testing.T) {
	// 哨兵文本的空格与回车换行必须与工具输出逐字节一致
	want := "get_device_info :  command exec fail ( error code : 0x0040001)\r\n"
	assert.Equal(t, want, execFailSentinel("get_device_info", codeInvalidDevice))
}

func TestClassifyExecFail(t *testing.T) {
	output := execFailSentinel("send_command", codeNotSupported)
	e := classifyExecFail("send_command", 3, output, codeInvalidDevice, codeUnsupported, codeNotSupported)
	require.NotNil(t, e)
	assert.Equal(t, KindNotSupportedByDevice, e.Kind)
	assert.Equal(t, "send_command", e.Op)
	assert.Equal(t, 3, e.Device)
}

func TestClassifyExecFailRequiresExactMatch(t *testing.T) {
	// 多一个字符就不再是哨兵，交由上层按格式解析
	output := execFailSentinel("turntable", codeInvalidDevice) + "x"
	assert.Nil(t, classifyExecFail("turntable", 0, output, codeInvalidDevice))

	// 操作名不符也不能命中
	output = execFailSentinel("send_command", codeInvalidDevice)
	assert.Nil(t, classifyExecFail("turntable", 0, output, codeInvalidDevice))
}

func TestClassifyExecFailRespectsCodeSet(t *testing.T) {
	// turntable 只判定 0x0040001；其余错误码输出不触发哨兵
	output := execFailSentinel("turntable", codeUnsupported)
	assert.Nil(t, classifyExecFail("turntable", 0, output, codeInvalidDevice))
}

func TestErrorIsMatchesByKind(t *testing.T) {
	err := NewError(KindInvalidDevice, "get_device_info", 2, "device offline")
	wrapped := fmt.Errorf("query failed: %w", err)

	assert.True(t, errors.Is(wrapped, &Error{Kind: KindInvalidDevice}))
	assert.False(t, errors.Is(wrapped, &Error{Kind: KindParseFailure}))
	assert.Equal(t, KindInvalidDevice, GetKind(wrapped))
	assert.True(t, IsKind(wrapped, KindInvalidDevice))
}

func TestErrorMessage(t *testing.T) {
	err := NewError(KindTimeout, "get_property_data", 1, "no output after 3 attempts")
	assert.Contains(t, err.Error(), "get_property_data")
	assert.Contains(t, err.Error(), "timeout")
	assert.Contains(t, err.Error(), "device 1")

	// 与设备无关的操作不带设备后缀
	err = NewError(KindParseFailure, "get_device_count", -1, "unexpected output")
	assert.NotContains(t, err.Error(), "device")
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := &Error{Kind: KindTransport, Op: "get_device_count", Device: -1, Message: "unreachable", Cause: cause}
	assert.ErrorIs(t, err, cause)
}

func TestGetKindOnForeignError(t *testing.T) {
	assert.Equal(t, Kind(""), GetKind(errors.New("plain")))
	assert.False(t, IsKind(nil, KindTimeout))
}
