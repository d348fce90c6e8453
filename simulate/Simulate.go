package simulate

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/crypto/ssh"

	"github.com/otadbridge/otadbridge/pkg/logger"
)

// simulate.yaml 配置结构：一台被模拟的 Windows 控制主机与其接入的转盘设备。
// 对外表现为 SSH 服务，exec 通道上凡是调用厂商工具的命令行都按设备集回放
// 工具的原样输出（CRLF、哨兵文本逐字节一致）。
type Config struct {
	Listen      string         `mapstructure:"listen"`
	User        string         `mapstructure:"user"`
	Password    string         `mapstructure:"password"`
	Tool        string         `mapstructure:"tool"`
	HostKeyFile string         `mapstructure:"host_key_file"`
	MaxConn     int            `mapstructure:"max_conn"`
	MovingState int            `mapstructure:"moving_state"`
	Devices     []DeviceConfig `mapstructure:"devices"`
}

// DeviceConfig 一台转盘设备的模拟参数
type DeviceConfig struct {
	Product  string `mapstructure:"product"`
	DeviceID int    `mapstructure:"device_id"`
	// Properties 可读写属性的初始值
	Properties []PropertyValue `mapstructure:"properties"`
	// CommandIDs 设备支持的命令；不在列表里的命令回 0x004000a 哨兵
	CommandIDs []int `mapstructure:"command_ids"`
	// PropertyIDs 设备可读写的属性；不在列表里的属性回 0x0040005 哨兵
	PropertyIDs []int `mapstructure:"property_ids"`
	// RejectedCommands 工具认识但该设备拒绝的命令，回 0x0040005 哨兵
	RejectedCommands []int `mapstructure:"rejected_commands"`
	// BusyReads 每次属性读取前先回的空输出次数（模拟设备未就绪）
	BusyReads int `mapstructure:"busy_reads"`
	// SettlePolls 转动后 state 属性回"转动中"取值的读取次数
	SettlePolls int `mapstructure:"settle_polls"`
}

// PropertyValue 属性初始值
type PropertyValue struct {
	ID    int `mapstructure:"id"`
	Value int `mapstructure:"value"`
}

// 厂商工具的哨兵错误码，与真实工具逐字节一致
const (
	codeInvalidDevice = "0x0040001"
	codeUnsupported   = "0x004000a"
	codeNotSupported  = "0x0040005"
)

// statePropertyID 转盘状态属性
const statePropertyID = 16641

// deviceState 设备运行期状态
type deviceState struct {
	cfg        DeviceConfig
	values     map[int]int // 当前属性值
	properties map[int]bool
	// propertyList get_property_desc 的输出顺序：先 properties 初始值再 property_ids，去重
	propertyList []int
	commands     map[int]bool
	rejected     map[int]bool
	busyLeft     map[int]int // 每个属性剩余的空输出次数
	settleLeft   int         // state 属性剩余的"转动中"读取次数
}

func newDeviceState(cfg DeviceConfig) *deviceState {
	d := &deviceState{
		cfg:        cfg,
		values:     make(map[int]int),
		properties: make(map[int]bool),
		commands:   make(map[int]bool),
		rejected:   make(map[int]bool),
		busyLeft:   make(map[int]int),
	}
	for _, p := range cfg.Properties {
		d.values[p.ID] = p.Value
		if !d.properties[p.ID] {
			d.properties[p.ID] = true
			d.propertyList = append(d.propertyList, p.ID)
		}
	}
	for _, id := range cfg.PropertyIDs {
		if !d.properties[id] {
			d.properties[id] = true
			d.propertyList = append(d.propertyList, id)
		}
	}
	for _, id := range cfg.CommandIDs {
		d.commands[id] = true
	}
	for _, id := range cfg.RejectedCommands {
		d.rejected[id] = true
	}
	return d
}

// Manager 模拟控制主机的 SSH 服务
type Manager struct {
	cfg      *Config
	listener net.Listener
	hostKey  ssh.Signer
	devices  []*deviceState
	tool     string

	mu     sync.Mutex
	active int
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// LoadConfig 读取模拟配置
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(path)
	v.SetDefault("listen", "127.0.0.1:2322")
	v.SetDefault("password", "ortery")
	v.SetDefault("tool", "OTADCommand.exe")
	v.SetDefault("host_key_file", filepath.Join("simulate", "hostkey_rsa.pem"))
	v.SetDefault("moving_state", 1)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read simulate config: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal simulate config: %w", err)
	}
	return &cfg, nil
}

// Start 启动模拟服务
func Start(cfg *Config) (*Manager, error) {
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:2322"
	}
	if cfg.Password == "" {
		cfg.Password = "ortery"
	}
	if cfg.Tool == "" {
		cfg.Tool = "OTADCommand.exe"
	}
	if cfg.MovingState == 0 {
		cfg.MovingState = 1
	}

	hostKey, err := loadOrCreateHostKey(cfg.HostKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to init host key: %w", err)
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:      cfg,
		listener: ln,
		hostKey:  hostKey,
		tool:     cfg.Tool,
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, dc := range cfg.Devices {
		m.devices = append(m.devices, newDeviceState(dc))
	}

	go m.acceptLoop()
	logger.Info("Simulate: rig host started", "addr", ln.Addr().String(), "devices", len(m.devices))
	return m, nil
}

// Addr 实际监听地址（listen 配置为 :0 时由系统分配端口）
func (m *Manager) Addr() string {
	if m.listener == nil {
		return ""
	}
	return m.listener.Addr().String()
}

// Stop 停止模拟服务并等待在途会话结束
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.listener != nil {
		_ = m.listener.Close()
	}
	m.wg.Wait()
	logger.Info("Simulate: rig host stopped")
}

// Reload 原地应用新的设备集、凭据与工具名；监听地址与 host key 不热更，
// 变化时需要重启进程
func (m *Manager) Reload(cfg *Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cfg.Listen != "" && cfg.Listen != m.cfg.Listen {
		logger.Warn("Simulate: listen address change requires restart", "current", m.cfg.Listen, "requested", cfg.Listen)
	}
	if cfg.Password == "" {
		cfg.Password = m.cfg.Password
	}
	if cfg.Tool == "" {
		cfg.Tool = m.cfg.Tool
	}
	if cfg.MovingState == 0 {
		cfg.MovingState = m.cfg.MovingState
	}
	cfg.Listen = m.cfg.Listen
	cfg.HostKeyFile = m.cfg.HostKeyFile

	devices := make([]*deviceState, 0, len(cfg.Devices))
	for _, dc := range cfg.Devices {
		devices = append(devices, newDeviceState(dc))
	}
	m.cfg = cfg
	m.devices = devices
	m.tool = cfg.Tool
	logger.Info("Simulate: config reloaded", "devices", len(devices))
	return nil
}

func (m *Manager) acceptLoop() {
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				logger.Warn("Simulate: accept temporary error", "error", err)
				time.Sleep(200 * time.Millisecond)
				continue
			}
			// listener closed
			return
		}
		logger.Debug("Simulate: accept connection", "remote", conn.RemoteAddr().String())

		// 并发限制
		m.mu.Lock()
		if m.cfg.MaxConn > 0 && m.active >= m.cfg.MaxConn {
			m.mu.Unlock()
			_ = conn.Close()
			logger.Warn("Simulate: reject connection, max_conn exceeded")
			continue
		}
		m.active++
		m.mu.Unlock()

		m.wg.Add(1)
		go func(c net.Conn) {
			defer m.wg.Done()
			m.handleConn(c)
			m.mu.Lock()
			m.active--
			m.mu.Unlock()
		}(conn)
	}
}

// loadOrCreateHostKey 加载或生成持久化的 host key（RSA 2048），
// 避免客户端看到的指纹在重启后变化
func loadOrCreateHostKey(path string) (ssh.Signer, error) {
	if path == "" {
		path = filepath.Join("simulate", "hostkey_rsa.pem")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to ensure host key dir: %w", err)
	}

	if bs, err := os.ReadFile(path); err == nil {
		signer, perr := ssh.ParsePrivateKey(bs)
		if perr == nil {
			logger.Debug("Simulate: host key loaded", "file", path)
			return signer, nil
		}
		logger.Warn("Simulate: host key parse failed, regenerating", "error", perr)
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate host key: %w", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	if err := os.WriteFile(path, pemBytes, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write host key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse generated host key: %w", err)
	}
	logger.Info("Simulate: host key generated", "file", path)
	return signer, nil
}

func (m *Manager) handleConn(nc net.Conn) {
	logger.Debug("Simulate: handshake start", "remote", nc.RemoteAddr().String())
	srvCfg := &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if m.authOK(meta.User(), string(password)) {
				logger.Debug("Simulate: auth success (password)", "user", meta.User())
				return nil, nil
			}
			logger.Debug("Simulate: auth failed (password)", "user", meta.User())
			return nil, fmt.Errorf("access denied")
		},
		KeyboardInteractiveCallback: func(meta ssh.ConnMetadata, challenge ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
			// 兼容部分客户端默认使用 keyboard-interactive 的情况
			answers, err := challenge(meta.User(), "Authentication", []string{"Password:"}, []bool{false})
			if err != nil {
				return nil, err
			}
			if len(answers) > 0 && m.authOK(meta.User(), answers[0]) {
				logger.Debug("Simulate: auth success (keyboard-interactive)", "user", meta.User())
				return nil, nil
			}
			logger.Debug("Simulate: auth failed (keyboard-interactive)", "user", meta.User())
			return nil, fmt.Errorf("access denied")
		},
	}
	srvCfg.AddHostKey(m.hostKey)

	conn, chans, reqs, err := ssh.NewServerConn(nc, srvCfg)
	if err != nil {
		logger.Debug("Simulate: SSH handshake failed", "remote", nc.RemoteAddr().String(), "error", err)
		_ = nc.Close()
		return
	}
	defer conn.Close()
	logger.Debug("Simulate: handshake success", "user", conn.User(), "client", string(conn.ClientVersion()))

	// 丢弃全局请求
	go ssh.DiscardRequests(reqs)

	for ch := range chans {
		if ch.ChannelType() != "session" {
			_ = ch.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := ch.Accept()
		if err != nil {
			logger.Error("Simulate: channel accept failed", "error", err)
			continue
		}
		go m.handleSession(channel, requests)
	}
}

func (m *Manager) authOK(user, password string) bool {
	m.mu.Lock()
	expectUser, expectPass := m.cfg.User, m.cfg.Password
	m.mu.Unlock()

	if expectUser != "" && strings.TrimSpace(user) != expectUser {
		return false
	}
	return strings.TrimSpace(password) == expectPass
}

// handleSession 只服务 exec 请求：真实控制主机上的工具调用就是单条命令
func (m *Manager) handleSession(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		switch req.Type {
		case "exec":
			command := parseExecPayload(req.Payload)
			_ = req.Reply(true, nil)
			logger.Debug("Simulate: exec", "cmd", command)

			out := m.execOutput(command)
			if out != "" {
				_, _ = channel.Write([]byte(out))
			}

			// 正常退出码，失败语义只在标准输出文本里
			status := make([]byte, 4)
			_, _ = channel.SendRequest("exit-status", false, status)
			return
		case "pty-req":
			_ = req.Reply(true, nil)
		default:
			_ = req.Reply(false, nil)
		}
	}
}

// parseExecPayload exec 负载为 uint32 长度 + 命令字节
func parseExecPayload(payload []byte) string {
	if len(payload) >= 4 {
		n := int(binary.BigEndian.Uint32(payload[:4]))
		if n >= 0 && 4+n <= len(payload) {
			return string(payload[4 : 4+n])
		}
	}
	return strings.TrimSpace(strings.ReplaceAll(string(payload), "\x00", ""))
}

// execFail 厂商工具的哨兵文本。冒号前后的空格数与真实工具一致，不能改。
func execFail(op, code string) string {
	return op + " :  command exec fail ( error code : " + code + ")\r\n"
}

// execOutput 按厂商工具的行为回放一条命令行的输出
func (m *Manager) execOutput(command string) string {
	fields := strings.Fields(strings.TrimSpace(command))
	if len(fields) == 0 {
		return ""
	}

	// 命令必须调用厂商工具，否则按 Windows cmd 的口吻报错
	if !m.isTool(fields[0]) {
		return "'" + fields[0] + "' is not recognized as an internal or external command,\r\n" +
			"operable program or batch file.\r\n"
	}
	if len(fields) < 2 {
		return "usage: " + m.tool + " <operation> [args]\r\n"
	}

	op := fields[1]
	args := fields[2:]

	m.mu.Lock()
	defer m.mu.Unlock()

	switch op {
	case "get_device_count":
		return fmt.Sprintf("%d\r\n", len(m.devices))
	case "get_device_info":
		dev, fail := m.deviceArg(op, args, 0)
		if fail != "" {
			return fail
		}
		return fmt.Sprintf("Product Name : %s\r\nDevice ID : %d\r\n", dev.cfg.Product, dev.cfg.DeviceID)
	case "get_command_desc":
		dev, fail := m.deviceArg(op, args, 0)
		if fail != "" {
			return fail
		}
		var b strings.Builder
		for _, id := range dev.cfg.CommandIDs {
			fmt.Fprintf(&b, "%d\r\n", id)
		}
		return b.String()
	case "get_property_desc":
		dev, fail := m.deviceArg(op, args, 0)
		if fail != "" {
			return fail
		}
		var b strings.Builder
		for _, id := range dev.propertyList {
			fmt.Fprintf(&b, "%d\r\n", id)
		}
		return b.String()
	case "get_property_data":
		dev, fail := m.deviceArg(op, args, 0)
		if fail != "" {
			return fail
		}
		property, ok := intArg(args, 1)
		if !ok {
			return execFail(op, codeUnsupported)
		}
		return m.readProperty(dev, property)
	case "set_property_data":
		dev, fail := m.deviceArg(op, args, 0)
		if fail != "" {
			return fail
		}
		property, ok1 := intArg(args, 1)
		value, ok2 := intArg(args, 2)
		if !ok1 || !ok2 {
			return execFail(op, codeUnsupported)
		}
		if !dev.properties[property] {
			return execFail(op, codeNotSupported)
		}
		dev.values[property] = value
		return ""
	case "set_properties_data":
		// 参数顺序：设备、数据值、属性 id 列表
		dev, fail := m.deviceArg(op, args, 0)
		if fail != "" {
			return fail
		}
		value, ok := intArg(args, 1)
		if !ok || len(args) < 3 {
			return execFail(op, codeUnsupported)
		}
		ids := make([]int, 0, len(args)-2)
		for _, raw := range args[2:] {
			id, err := strconv.Atoi(raw)
			if err != nil {
				return execFail(op, codeUnsupported)
			}
			ids = append(ids, id)
		}
		for _, id := range ids {
			if !dev.properties[id] {
				return execFail(op, codeNotSupported)
			}
		}
		for _, id := range ids {
			dev.values[id] = value
		}
		return ""
	case "send_command":
		dev, fail := m.deviceArg(op, args, 0)
		if fail != "" {
			return fail
		}
		commandID, ok := intArg(args, 1)
		if !ok {
			return execFail(op, codeUnsupported)
		}
		if dev.rejected[commandID] {
			return execFail(op, codeNotSupported)
		}
		if !dev.commands[commandID] {
			return execFail(op, codeUnsupported)
		}
		return ""
	case "turntable":
		dev, fail := m.deviceArg(op, args, 0)
		if fail != "" {
			return fail
		}
		if len(args) < 4 {
			return execFail(op, codeUnsupported)
		}
		step, ok := intArg(args, 3)
		if !ok {
			return execFail(op, codeUnsupported)
		}
		// 转动后 state 属性要经过 settle_polls 次读取才回到空闲值
		if step > 0 && dev.cfg.SettlePolls > 0 {
			dev.settleLeft = dev.cfg.SettlePolls
		}
		return ""
	default:
		return "unsupported operation: " + op + "\r\n"
	}
}

// readProperty 属性读取：先回配置好的空输出（未就绪），state 属性在转动后
// 回"转动中"取值直到 settle 计数耗尽
func (m *Manager) readProperty(dev *deviceState, property int) string {
	if !dev.properties[property] {
		return execFail("get_property_data", codeNotSupported)
	}

	if dev.cfg.BusyReads > 0 {
		left, tracked := dev.busyLeft[property]
		if !tracked {
			left = dev.cfg.BusyReads
		}
		if left > 0 {
			dev.busyLeft[property] = left - 1
			return ""
		}
		// 本轮空输出结束，下一轮读取重新计数
		delete(dev.busyLeft, property)
	}

	if property == statePropertyID && dev.settleLeft > 0 {
		dev.settleLeft--
		return fmt.Sprintf("%d\r\n", m.cfg.MovingState)
	}

	return fmt.Sprintf("%d\r\n", dev.values[property])
}

// deviceArg 解析设备索引参数；越界按真实工具回 0x0040001 哨兵
func (m *Manager) deviceArg(op string, args []string, pos int) (*deviceState, string) {
	idx, ok := intArg(args, pos)
	if !ok || idx < 0 || idx >= len(m.devices) {
		return nil, execFail(op, codeInvalidDevice)
	}
	return m.devices[idx], ""
}

func intArg(args []string, pos int) (int, bool) {
	if pos >= len(args) {
		return 0, false
	}
	v, err := strconv.Atoi(args[pos])
	if err != nil {
		return 0, false
	}
	return v, true
}

// isTool 判断命令行首段是否调用厂商工具（允许带路径或引号）。
// 被模拟的是 Windows 主机，路径段要同时认反斜杠和正斜杠。
func (m *Manager) isTool(head string) bool {
	head = strings.Trim(head, `"'`)
	if strings.EqualFold(head, m.tool) {
		return true
	}
	return strings.EqualFold(pathTail(head), pathTail(m.tool))
}

// pathTail 取路径最后一段
func pathTail(p string) string {
	if i := strings.LastIndexAny(p, `\/`); i >= 0 {
		return p[i+1:]
	}
	return p
}
