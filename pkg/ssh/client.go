package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// Config SSH客户端配置
type Config struct {
	Timeout     time.Duration `yaml:"timeout"`
	KeepAlive   time.Duration `yaml:"keep_alive"`
	MaxSessions int           `yaml:"max_sessions"`
}

// Client SSH客户端：面向转盘控制主机的单条命令执行（exec 通道，无 PTY）
type Client struct {
	config     *Config
	connection *ssh.Client
	mutex      sync.RWMutex
	// 保存最近一次成功连接的参数，用于会话创建失败（如 EOF）时自动重连
	info *ConnectionInfo
}

// ConnectionInfo SSH连接信息
type ConnectionInfo struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// NewClient 创建SSH客户端
func NewClient(config *Config) *Client {
	return &Client{config: config}
}

// Connect 连接SSH服务器
func (c *Client) Connect(ctx context.Context, info *ConnectionInfo) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	// 记录连接参数以便后续自动重连
	c.info = info

	sshConfig := &ssh.ClientConfig{
		User:            info.Username,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         c.config.Timeout,
		// 兼容旧版 Windows OpenSSH 的主机密钥算法
		HostKeyAlgorithms: []string{
			"ssh-ed25519",
			"rsa-sha2-512",
			"rsa-sha2-256",
			"ssh-rsa",
			"ecdsa-sha2-nistp256",
			"ecdsa-sha2-nistp384",
			"ecdsa-sha2-nistp521",
		},
	}

	if info.Password != "" {
		// 同时尝试 password 与 keyboard-interactive，兼容不同的 sshd 配置
		sshConfig.Auth = []ssh.AuthMethod{
			ssh.Password(info.Password),
			ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range questions {
					answers[i] = info.Password
				}
				return answers, nil
			}),
		}
	}

	address := fmt.Sprintf("%s:%d", info.Host, info.Port)

	dialer := &net.Dialer{Timeout: c.config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, address, sshConfig)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create SSH connection: %w", err)
	}

	c.connection = ssh.NewClient(sshConn, chans, reqs)

	// 启动保活机制
	go c.keepAlive(ctx)

	return nil
}

// newSessionWithRetry 创建会话（带重试）
// Windows OpenSSH 在快速连续打开会话通道时偶发
// "administratively prohibited (open failed)" 或 EOF，做短退避重试。
func (c *Client) newSessionWithRetry() (*ssh.Session, error) {
	c.mutex.RLock()
	conn := c.connection
	c.mutex.RUnlock()
	if conn == nil {
		return nil, fmt.Errorf("SSH connection not established")
	}

	backoffs := []time.Duration{0, 200 * time.Millisecond, 500 * time.Millisecond, 1 * time.Second, 2 * time.Second}
	var lastErr error
	for _, d := range backoffs {
		if d > 0 {
			time.Sleep(d)
		}
		c.mutex.RLock()
		conn = c.connection
		c.mutex.RUnlock()
		if conn == nil {
			break
		}
		sess, err := conn.NewSession()
		if err == nil {
			return sess, nil
		}
		lastErr = err
		if strings.Contains(strings.ToLower(err.Error()), "eof") && c.info != nil {
			// 连接已失效，按保存的参数重建一次，下一轮退避再试
			_ = c.Close()
			ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
			_ = c.Connect(ctx, c.info)
			cancel()
			time.Sleep(200 * time.Millisecond)
		}
	}
	return nil, lastErr
}

// Execute 在远端执行一条命令并返回其标准输出字节。
// 远端命令的退出码与标准错误不参与判定：转盘工具的失败语义完全体现在
// 标准输出文本里，由上层按哨兵文本分类。这里只把"命令无法送达远端"
// 作为错误返回。
func (c *Client) Execute(ctx context.Context, command string) ([]byte, error) {
	session, err := c.newSessionWithRetry()
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	defer session.Close()

	var stdout bytes.Buffer
	session.Stdout = &stdout

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		return stdout.Bytes(), ctx.Err()
	}

	if err != nil {
		var exitErr *ssh.ExitError
		var missErr *ssh.ExitMissingError
		if !errors.As(err, &exitErr) && !errors.As(err, &missErr) {
			return stdout.Bytes(), fmt.Errorf("failed to run command: %w", err)
		}
	}
	return stdout.Bytes(), nil
}

// Close 关闭SSH连接
func (c *Client) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.connection != nil {
		err := c.connection.Close()
		c.connection = nil
		return err
	}
	return nil
}

// IsConnected 检查连接状态
func (c *Client) IsConnected() bool {
	c.mutex.RLock()
	conn := c.connection
	c.mutex.RUnlock()
	if conn == nil {
		return false
	}
	// 轻量级健康检查：发送 keepalive 请求而不创建会话
	_, _, err := conn.SendRequest("keepalive@openssh.com", false, nil)
	return err == nil
}

// keepAlive 保持连接活跃
func (c *Client) keepAlive(ctx context.Context) {
	if c.config.KeepAlive <= 0 {
		return
	}

	ticker := time.NewTicker(c.config.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mutex.RLock()
			conn := c.connection
			c.mutex.RUnlock()
			if conn == nil {
				return
			}
			if _, _, err := conn.SendRequest("keepalive@openssh.com", false, nil); err != nil {
				// 连接可能已断开，主动关闭以便池清理
				_ = c.Close()
				return
			}
		}
	}
}
