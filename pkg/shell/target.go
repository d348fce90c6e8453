// Package shell 是厂商工具的进程调用边界：构造（可选 SSH 包装的）命令行，
// 同步执行并捕获标准输出文本。不做解析，不做重试。
package shell

import (
	"fmt"
	"strings"
)

// Target 远端执行目标：拥有 USB 转盘的 Windows 主机。
// 每个会话构造一次，之后只读。
type Target struct {
	User     string `json:"user"`
	Host     string `json:"host"`
	Password string `json:"password"`
}

// BuildSSHCommand 把一条命令包装为远端 SSH 执行形式。
// 有密码时前缀 sshpass 注入，避免交互式提示；
// StrictHostKeyChecking=no 与 LogLevel=QUIET 保证输出里只有远端命令自身的文本。
func (t Target) BuildSSHCommand(command string) string {
	var b strings.Builder
	if t.Password != "" {
		b.WriteString(fmt.Sprintf("sshpass -p %s ", singleQuote(t.Password)))
	}
	b.WriteString("ssh -o StrictHostKeyChecking=no -o LogLevel=QUIET ")
	b.WriteString(fmt.Sprintf("%s@%s ", t.User, t.Host))
	// 远端命令整体用双引号包裹；Windows 路径里的反斜杠原样透传
	b.WriteString(`"` + command + `"`)
	return b.String()
}

// Addr 日志与记录用的目标摘要（不含密码）
func (t Target) Addr() string {
	if t.User == "" {
		return t.Host
	}
	return fmt.Sprintf("%s@%s", t.User, t.Host)
}

// singleQuote 单引号包裹，内部单引号按 POSIX 约定转义
func singleQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
