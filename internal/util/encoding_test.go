package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/text/encoding/charmap"
)

func TestDecodeConsoleASCIIPassthrough(t *testing.T) {
	out := DecodeConsole([]byte("Product Name : Photobench E\r\n"), "windows-1252")
	assert.Equal(t, "Product Name : Photobench E\r\n", out)
}

func TestDecodeConsoleEmpty(t *testing.T) {
	assert.Equal(t, "", DecodeConsole(nil, "windows-1252"))
}

func TestDecodeConsoleWindows1252(t *testing.T) {
	// 0xE9 在 windows-1252 里是 é
	out := DecodeConsole([]byte{'P', 'h', 'o', 't', 0xE9}, "windows-1252")
	assert.Equal(t, "Photé", out)
}

func TestDecodeConsoleCP437(t *testing.T) {
	// 0xE9 在 cp437 里是 Θ
	out := DecodeConsole([]byte{0xE9}, "cp437")
	assert.Equal(t, "Θ", out)
}

func TestConsoleEncodingResolution(t *testing.T) {
	assert.Equal(t, charmap.CodePage437, ConsoleEncoding("CP437"))
	assert.Equal(t, charmap.Windows1252, ConsoleEncoding(" windows-1252 "))
	// 未知名称回退 windows-1252
	assert.Equal(t, charmap.Windows1252, ConsoleEncoding("no-such-page"))
}
