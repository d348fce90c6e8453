package logger

import (
	"strings"

	"github.com/sirupsen/logrus"
)

// OutputLines 一段控制台输出的头部与尾部行
type OutputLines struct {
	HeadLines []string `json:"head_lines"`
	TailLines []string `json:"tail_lines"`
}

// ParseOutputLines 提取输出的头尾各 maxLines 行。厂商工具的输出是 CRLF
// 行尾，这里统一归一后再切分；空行保留，现场原样可辨。
func ParseOutputLines(output string, maxLines int) OutputLines {
	if maxLines <= 0 {
		maxLines = 5
	}

	output = strings.ReplaceAll(output, "\r\n", "\n")
	output = strings.ReplaceAll(output, "\r", "\n")
	lines := strings.Split(output, "\n")

	total := len(lines)
	if total == 0 {
		return OutputLines{}
	}

	headCount := maxLines
	if headCount > total {
		headCount = total
	}
	head := make([]string, headCount)
	copy(head, lines[:headCount])

	if total <= maxLines {
		tail := make([]string, len(head))
		copy(tail, head)
		return OutputLines{HeadLines: head, TailLines: tail}
	}

	tail := make([]string, maxLines)
	copy(tail, lines[total-maxLines:])
	return OutputLines{HeadLines: head, TailLines: tail}
}

// FormatOutputLines 把头尾行拼成单行日志文本；头尾相同只显示一次
func FormatOutputLines(lines OutputLines) string {
	var parts []string
	if len(lines.HeadLines) > 0 {
		parts = append(parts, "head-lines: ["+strings.Join(lines.HeadLines, " ⟩ ")+"]")
	}
	if len(lines.TailLines) > 0 && !sameLines(lines.HeadLines, lines.TailLines) {
		parts = append(parts, "tail-lines: ["+strings.Join(lines.TailLines, " ⟩ ")+"]")
	}
	return strings.Join(parts, ", ")
}

func sameLines(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// DebugCommandOutput 在 debug 级别记录一次工具调用的输出预览。
// 级别不够时直接返回；空输出（属性轮询未就绪）不记，避免刷屏。
func DebugCommandOutput(command string, output string, maxLines int) {
	if output == "" || GetLogger().Level < logrus.DebugLevel {
		return
	}

	lines := ParseOutputLines(output, maxLines)
	if len(lines.HeadLines) == 0 && len(lines.TailLines) == 0 {
		return
	}
	Debugf("Command echo [%s]: %s", command, FormatOutputLines(lines))
}
