package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/otadbridge/otadbridge/internal/util"
	"github.com/otadbridge/otadbridge/pkg/logger"
	sshpkg "github.com/otadbridge/otadbridge/pkg/ssh"
)

// Runner 执行方式常量
const (
	ModeLocal   = "local"
	ModeSSHPass = "sshpass"
	ModeSSH     = "ssh"
)

// Runner 同步执行一条命令行并返回标准输出文本。
// 标准错误与退出码不参与上层判定，只有"命令根本没能执行"才返回 error。
type Runner interface {
	Run(ctx context.Context, command string) (string, error)
	// Describe 执行方式摘要（写入操作记录，不含密码）
	Describe() string
}

// LocalRunner 经本机 shell 执行。wrap 非空时先做 SSH 包装，
// 包装后的 sshpass/ssh 命令行仍由本机 shell 跑。
type LocalRunner struct {
	wrap     *Target
	encoding string
}

// NewLocalRunner 创建本机执行器
func NewLocalRunner(encoding string) *LocalRunner {
	return &LocalRunner{encoding: encoding}
}

// NewSSHPassRunner 创建 sshpass 包装执行器
func NewSSHPassRunner(target Target, encoding string) *LocalRunner {
	return &LocalRunner{wrap: &target, encoding: encoding}
}

// Run 执行命令并捕获标准输出
func (r *LocalRunner) Run(ctx context.Context, command string) (string, error) {
	line := command
	if r.wrap != nil {
		line = r.wrap.BuildSSHCommand(command)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", line)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	err := cmd.Run()
	if ctx.Err() != nil {
		return "", fmt.Errorf("command aborted: %w", ctx.Err())
	}
	if err != nil {
		// 非零退出码不算失败；只有进程无法启动才上报
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return "", fmt.Errorf("failed to spawn command: %w", err)
		}
	}

	output := util.DecodeConsole(stdout.Bytes(), r.encoding)
	logger.DebugCommandOutput(command, output, 5)
	return output, nil
}

// Describe 执行方式摘要
func (r *LocalRunner) Describe() string {
	if r.wrap != nil {
		return "sshpass://" + r.wrap.Addr()
	}
	return "local"
}

// SSHRunner 经原生 SSH 客户端（连接池复用）在远端执行
type SSHRunner struct {
	pool     *sshpkg.Pool
	info     *sshpkg.ConnectionInfo
	encoding string
}

// NewSSHRunner 创建原生 SSH 执行器
func NewSSHRunner(pool *sshpkg.Pool, info *sshpkg.ConnectionInfo, encoding string) *SSHRunner {
	return &SSHRunner{pool: pool, info: info, encoding: encoding}
}

// Run 在远端执行命令并捕获标准输出
func (r *SSHRunner) Run(ctx context.Context, command string) (string, error) {
	out, err := r.pool.Execute(ctx, r.info, command)
	if err != nil {
		return "", err
	}

	output := util.DecodeConsole(out, r.encoding)
	logger.DebugCommandOutput(command, output, 5)
	return output, nil
}

// Describe 执行方式摘要
func (r *SSHRunner) Describe() string {
	return fmt.Sprintf("ssh://%s@%s:%d", r.info.Username, r.info.Host, r.info.Port)
}
