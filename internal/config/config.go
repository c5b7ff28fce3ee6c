// =============================================================================
// 文件: internal/config/config.go
// 描述: 配置管理 - 会话角色、链路损伤、ARQ 参数、应用层约定、监控
// =============================================================================
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config 主配置
type Config struct {
	Role          string `yaml:"role"`
	Peer          string `yaml:"peer"`
	Port          int    `yaml:"port"`
	Carrier       string `yaml:"carrier"`
	WebSocketPath string `yaml:"websocket_path"`
	LogLevel      string `yaml:"log_level"`

	Link    LinkConfig    `yaml:"link"`
	ARQ     ARQConfig     `yaml:"arq"`
	App     AppConfig     `yaml:"app"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// LinkConfig 链路损伤配置 (每次写入独立的伯努利试验)
type LinkConfig struct {
	Loss            float64 `yaml:"loss"`
	Corrupt         float64 `yaml:"corrupt"`
	Reorder         float64 `yaml:"reorder"`
	PollTimeoutMs   int     `yaml:"poll_timeout_ms"`
	WriteTimeoutSec int     `yaml:"write_timeout_sec"`
	Seed            int64   `yaml:"seed"`
}

// ARQConfig 停等 ARQ 配置 (重传不设上限)
type ARQConfig struct {
	RTOMs          int    `yaml:"rto_ms"`
	PollIntervalMs int    `yaml:"poll_interval_ms"`
	Digest         string `yaml:"digest"`
}

// AppConfig 回显应用配置
type AppConfig struct {
	EndSentinel    string   `yaml:"end_sentinel"`
	IdleTimeoutSec int      `yaml:"idle_timeout_sec"`
	EchoTimeoutSec int      `yaml:"echo_timeout_sec"`
	LingerMs       int      `yaml:"linger_ms"`
	Messages       []string `yaml:"messages"`
}

// MetricsConfig 监控配置
type MetricsConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Listen      string `yaml:"listen"`
	Path        string `yaml:"path"`
	HealthPath  string `yaml:"health_path"`
	EnablePprof bool   `yaml:"enable_pprof"`
}

// Load 加载配置
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.syncRelatedConfig()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Role:          "sender",
		Peer:          "localhost",
		Port:          5000,
		Carrier:       "tcp",
		WebSocketPath: "/swrdt",
		LogLevel:      "info",

		Link: LinkConfig{
			PollTimeoutMs:   100,
			WriteTimeoutSec: 30,
		},

		ARQ: ARQConfig{
			RTOMs:          1000,
			PollIntervalMs: 10,
			Digest:         "md5",
		},

		App: AppConfig{
			EndSentinel:    "END",
			IdleTimeoutSec: 10,
			EchoTimeoutSec: 2,
			LingerMs:       2000,
			Messages:       DefaultMessages(10),
		},

		Metrics: MetricsConfig{
			Enabled:     false,
			Listen:      ":9100",
			Path:        "/metrics",
			HealthPath:  "/health",
			EnablePprof: false,
		},
	}
}

// DefaultMessages 生成 "sending message - N" 消息列表
func DefaultMessages(n int) []string {
	msgs := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		msgs = append(msgs, fmt.Sprintf("sending message - %d", i))
	}
	return msgs
}

// Validate 验证配置
func (c *Config) Validate() error {
	switch c.Role {
	case "sender", "receiver":
	default:
		return fmt.Errorf("role 必须为 sender 或 receiver: %q", c.Role)
	}

	if c.Role == "sender" && c.Peer == "" {
		return fmt.Errorf("sender 必须指定 peer")
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port 需在 1-65535 之间")
	}

	switch c.Carrier {
	case "tcp", "websocket":
	default:
		return fmt.Errorf("carrier 必须为 tcp 或 websocket: %q", c.Carrier)
	}

	if c.Carrier == "websocket" && !strings.HasPrefix(c.WebSocketPath, "/") {
		return fmt.Errorf("websocket_path 必须以 / 开头")
	}

	switch c.LogLevel {
	case "debug", "info", "error":
	default:
		return fmt.Errorf("log_level 必须为 debug, info 或 error: %q", c.LogLevel)
	}

	if err := c.validateLinkConfig(); err != nil {
		return fmt.Errorf("link 配置错误: %w", err)
	}

	if err := c.validateARQConfig(); err != nil {
		return fmt.Errorf("arq 配置错误: %w", err)
	}

	if err := c.validateAppConfig(); err != nil {
		return fmt.Errorf("app 配置错误: %w", err)
	}

	// 端口冲突检测
	if c.Metrics.Enabled {
		metricsPort, err := parsePort(c.Metrics.Listen)
		if err != nil {
			return fmt.Errorf("metrics.listen 端口格式错误: %w", err)
		}
		if metricsPort == c.Port {
			return fmt.Errorf("metrics.listen 端口 (%d) 与 port 冲突", metricsPort)
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") || !strings.HasPrefix(c.Metrics.HealthPath, "/") {
			return fmt.Errorf("metrics.path 与 metrics.health_path 必须以 / 开头")
		}
	}

	return nil
}

// validateLinkConfig 验证链路配置
func (c *Config) validateLinkConfig() error {
	probs := []struct {
		name  string
		value float64
	}{
		{"loss", c.Link.Loss},
		{"corrupt", c.Link.Corrupt},
		{"reorder", c.Link.Reorder},
	}
	for _, p := range probs {
		if p.value < 0 || p.value > 1 {
			return fmt.Errorf("%s 需在 0-1 之间: %v", p.name, p.value)
		}
	}
	if c.Link.Loss >= 1 {
		return fmt.Errorf("loss 为 1 时任何数据都无法送达")
	}
	if c.Link.PollTimeoutMs < 1 || c.Link.PollTimeoutMs > 10000 {
		return fmt.Errorf("poll_timeout_ms 需在 1-10000 之间")
	}
	if c.Link.WriteTimeoutSec < 0 {
		return fmt.Errorf("write_timeout_sec 不能为负")
	}
	return nil
}

// validateARQConfig 验证 ARQ 配置
func (c *Config) validateARQConfig() error {
	if c.ARQ.RTOMs < 1 || c.ARQ.RTOMs > 60000 {
		return fmt.Errorf("rto_ms 需在 1-60000 之间")
	}
	if c.ARQ.PollIntervalMs < 1 || c.ARQ.PollIntervalMs > c.ARQ.RTOMs {
		return fmt.Errorf("poll_interval_ms 需在 1 与 rto_ms 之间")
	}
	switch c.ARQ.Digest {
	case "md5", "blake2b":
	default:
		return fmt.Errorf("digest 必须为 md5 或 blake2b: %q", c.ARQ.Digest)
	}
	return nil
}

// validateAppConfig 验证应用层配置
func (c *Config) validateAppConfig() error {
	if c.App.EndSentinel == "" {
		return fmt.Errorf("end_sentinel 不能为空")
	}
	if c.App.EndSentinel == "ACK" {
		return fmt.Errorf("end_sentinel 不能与 ACK 负载相同")
	}
	if c.App.IdleTimeoutSec < 1 {
		return fmt.Errorf("idle_timeout_sec 必须为正")
	}
	if c.App.EchoTimeoutSec < 1 {
		return fmt.Errorf("echo_timeout_sec 必须为正")
	}
	if c.App.LingerMs < 0 {
		return fmt.Errorf("linger_ms 不能为负")
	}
	for i, m := range c.App.Messages {
		if m == c.App.EndSentinel {
			return fmt.Errorf("messages[%d] 与 end_sentinel 相同", i)
		}
	}
	return nil
}

// syncRelatedConfig 同步关联配置
func (c *Config) syncRelatedConfig() {
	c.Role = strings.ToLower(strings.TrimSpace(c.Role))
	c.Carrier = strings.ToLower(strings.TrimSpace(c.Carrier))
	c.ARQ.Digest = strings.ToLower(strings.TrimSpace(c.ARQ.Digest))

	if c.Carrier == "websocket" && c.WebSocketPath == "" {
		c.WebSocketPath = "/swrdt"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.HealthPath == "" {
		c.Metrics.HealthPath = "/health"
	}
}

// parsePort 解析端口号
func parsePort(addr string) (int, error) {
	if strings.HasPrefix(addr, ":") {
		return strconv.Atoi(addr[1:])
	}
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return strconv.Atoi(addr)
	}
	return strconv.Atoi(portStr)
}

// GetAddress 会话地址 (sender 为对端地址，receiver 为监听地址)
func (c *Config) GetAddress() string {
	return net.JoinHostPort(c.Peer, strconv.Itoa(c.Port))
}

// GenerateExampleConfig 生成示例配置
func GenerateExampleConfig() string {
	return `# SWRDT 停等可靠传输配置文件示例
# =============================================================================

# 基础配置
role: "sender"                      # 角色: sender, receiver
peer: "localhost"                   # sender: 对端地址; receiver: 监听地址 (留空监听全部)
port: 5000                          # 会话端口
carrier: "tcp"                      # 承载: tcp, websocket
websocket_path: "/swrdt"            # WebSocket 路径
log_level: "info"                   # 日志级别: debug, info, error

# 链路损伤模拟 (每次写入独立判定)
link:
  loss: 0.0                         # 丢弃概率
  corrupt: 0.0                      # 损坏概率 (覆写 1-5 字节)
  reorder: 0.0                      # 暂扣并与下一次写入合并的概率
  poll_timeout_ms: 100              # 后台读取轮询间隔
  write_timeout_sec: 30             # 单次写入超时
  seed: 0                           # 随机种子 (0 = 按时间)

# 停等 ARQ (重传不设上限)
arq:
  rto_ms: 1000                      # 重传超时
  poll_interval_ms: 10              # 发送循环轮询间隔
  digest: "md5"                     # 校验摘要: md5, blake2b

# 回显应用
app:
  end_sentinel: "END"               # 结束标记
  idle_timeout_sec: 10              # receiver 空闲退出时间
  echo_timeout_sec: 2               # sender 等待回显时间
  linger_ms: 2000                   # END 之后的收尾窗口
  messages:                         # sender 发送的消息 (留空使用默认 10 条)
    - "sending message - 1"
    - "sending message - 2"
    - "sending message - 3"

# 监控
metrics:
  enabled: false
  listen: ":9100"                   # 监控端口 (不能与 port 相同)
  path: "/metrics"                  # Prometheus 路径
  health_path: "/health"            # 健康检查路径
  enable_pprof: false               # 启用 pprof
`
}

// WriteExampleConfig 写入示例配置文件
func WriteExampleConfig(path string) error {
	return os.WriteFile(path, []byte(GenerateExampleConfig()), 0644)
}
