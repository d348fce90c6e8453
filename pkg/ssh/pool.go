package ssh

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Pool SSH连接池：同一控制主机的重复操作复用底层连接
type Pool struct {
	config      *Config
	connections map[string]*pooledConnection
	mutex       sync.RWMutex
	maxIdle     int
	maxActive   int
	idleTimeout time.Duration
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// pooledConnection 池化的连接
type pooledConnection struct {
	client   *Client
	info     *ConnectionInfo
	lastUsed time.Time
	inUse    bool
	created  time.Time
}

// PoolConfig 连接池配置
type PoolConfig struct {
	MaxIdle         int           `yaml:"max_idle"`
	MaxActive       int           `yaml:"max_active"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	SSHConfig       *Config       `yaml:"ssh"`
}

// NewPool 创建SSH连接池
func NewPool(config *PoolConfig) *Pool {
	interval := config.CleanupInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	pool := &Pool{
		config:      config.SSHConfig,
		connections: make(map[string]*pooledConnection),
		maxIdle:     config.MaxIdle,
		maxActive:   config.MaxActive,
		idleTimeout: config.IdleTimeout,
		stopCh:      make(chan struct{}),
	}

	// 启动清理协程
	go pool.cleanup(interval)

	return pool
}

// GetConnection 获取SSH连接
func (p *Pool) GetConnection(ctx context.Context, info *ConnectionInfo) (*Client, error) {
	key := p.connectionKey(info)

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if conn, exists := p.connections[key]; exists {
		if !conn.inUse && conn.client.IsConnected() {
			conn.inUse = true
			conn.lastUsed = time.Now()
			return conn.client, nil
		}
		// 连接已断开或正在使用，删除
		delete(p.connections, key)
	}

	if p.maxActive > 0 && p.activeCount() >= p.maxActive {
		return nil, fmt.Errorf("connection pool is full, active connections: %d", p.activeCount())
	}

	client := NewClient(p.config)
	if err := client.Connect(ctx, info); err != nil {
		return nil, fmt.Errorf("failed to create SSH connection: %w", err)
	}

	p.connections[key] = &pooledConnection{
		client:   client,
		info:     info,
		lastUsed: time.Now(),
		inUse:    true,
		created:  time.Now(),
	}

	return client, nil
}

// ReleaseConnection 释放SSH连接
func (p *Pool) ReleaseConnection(info *ConnectionInfo) {
	key := p.connectionKey(info)

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if conn, exists := p.connections[key]; exists {
		conn.inUse = false
		conn.lastUsed = time.Now()
	}
}

// Execute 通过连接池执行一条命令，返回远端标准输出
func (p *Pool) Execute(ctx context.Context, info *ConnectionInfo, command string) ([]byte, error) {
	client, err := p.GetConnection(ctx, info)
	if err != nil {
		return nil, err
	}
	defer p.ReleaseConnection(info)

	return client.Execute(ctx, command)
}

// Close 关闭连接池
func (p *Pool) Close() error {
	p.stopOnce.Do(func() { close(p.stopCh) })

	p.mutex.Lock()
	defer p.mutex.Unlock()

	var lastErr error
	for key, conn := range p.connections {
		if err := conn.client.Close(); err != nil {
			lastErr = err
		}
		delete(p.connections, key)
	}
	return lastErr
}

// GetStats 获取连接池统计信息
func (p *Pool) GetStats() map[string]interface{} {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	return map[string]interface{}{
		"total_connections":  len(p.connections),
		"active_connections": p.activeCount(),
		"idle_connections":   p.idleCount(),
		"max_idle":           p.maxIdle,
		"max_active":         p.maxActive,
	}
}

// Health 健康检查：存在连接但全部断开视为异常
func (p *Pool) Health() error {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	if len(p.connections) == 0 {
		return nil
	}

	for _, conn := range p.connections {
		if conn.client.IsConnected() {
			return nil
		}
	}
	return fmt.Errorf("all connections are disconnected")
}

// connectionKey 生成连接键
func (p *Pool) connectionKey(info *ConnectionInfo) string {
	return fmt.Sprintf("%s:%d@%s", info.Host, info.Port, info.Username)
}

// activeCount 获取活跃连接数（调用方需持锁）
func (p *Pool) activeCount() int {
	count := 0
	for _, conn := range p.connections {
		if conn.inUse {
			count++
		}
	}
	return count
}

// idleCount 获取空闲连接数（调用方需持锁）
func (p *Pool) idleCount() int {
	count := 0
	for _, conn := range p.connections {
		if !conn.inUse {
			count++
		}
	}
	return count
}

// cleanup 定期清理过期连接
func (p *Pool) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.cleanupExpired()
		}
	}
}

// cleanupExpired 清理超时空闲连接与断开的连接
func (p *Pool) cleanupExpired() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	now := time.Now()
	for key, conn := range p.connections {
		if conn.inUse {
			continue
		}
		if (p.idleTimeout > 0 && now.Sub(conn.lastUsed) > p.idleTimeout) || !conn.client.IsConnected() {
			conn.client.Close()
			delete(p.connections, key)
		}
	}

	// 空闲连接超出上限时收缩
	if p.maxIdle > 0 {
		excess := p.idleCount() - p.maxIdle
		for key, conn := range p.connections {
			if excess <= 0 {
				break
			}
			if !conn.inUse {
				conn.client.Close()
				delete(p.connections, key)
				excess--
			}
		}
	}
}
