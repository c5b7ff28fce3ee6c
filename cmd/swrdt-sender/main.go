// =============================================================================
// 文件: cmd/swrdt-sender/main.go
// 描述: 发送端入口 - 逐条发送消息、等待回显、发送结束标记，集成 Prometheus 指标
// =============================================================================
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mrcgq/swrdt/internal/config"
	"github.com/mrcgq/swrdt/internal/echo"
	"github.com/mrcgq/swrdt/internal/metrics"
	"github.com/mrcgq/swrdt/internal/transport"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var errInterrupted = errors.New("收到中断信号")

func main() {
	configPath := flag.String("c", "", "配置文件路径 (留空使用默认配置)")
	showVersion := flag.Bool("v", false, "显示版本")
	genConfig := flag.Bool("gen-config", false, "生成示例配置文件")

	peer := flag.String("peer", "", "receiver 地址")
	port := flag.Int("port", 0, "receiver 端口")
	carrier := flag.String("carrier", "", "承载: tcp/websocket")
	loss := flag.Float64("loss", 0, "丢弃概率")
	corrupt := flag.Float64("corrupt", 0, "损坏概率")
	reorder := flag.Float64("reorder", 0, "暂扣合并概率")
	seed := flag.Int64("seed", 0, "链路随机种子")
	rto := flag.Duration("rto", 0, "重传超时")
	digest := flag.String("digest", "", "校验摘要: md5/blake2b")
	logLevel := flag.String("log", "", "日志级别: debug/info/error")
	metricsListen := flag.String("metrics", "", "启用监控并监听该地址")
	messagesFile := flag.String("messages", "", "消息文件 (每行一条)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "用法: %s [选项] [peer port]\n\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		printVersion()
		return
	}

	if *genConfig {
		if err := config.WriteExampleConfig("config.example.yaml"); err != nil {
			fmt.Fprintf(os.Stderr, "生成配置失败: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("已生成示例配置文件: config.example.yaml")
		return
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "配置错误: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	cfg.Role = "sender"

	// 位置参数: peer port
	if args := flag.Args(); len(args) > 0 {
		cfg.Peer = args[0]
		if len(args) > 1 {
			p, err := strconv.Atoi(args[1])
			if err != nil {
				fmt.Fprintf(os.Stderr, "端口格式错误: %v\n", err)
				os.Exit(1)
			}
			cfg.Port = p
		}
	}

	// 只覆盖显式指定的参数
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "peer":
			cfg.Peer = *peer
		case "port":
			cfg.Port = *port
		case "carrier":
			cfg.Carrier = strings.ToLower(*carrier)
		case "loss":
			cfg.Link.Loss = *loss
		case "corrupt":
			cfg.Link.Corrupt = *corrupt
		case "reorder":
			cfg.Link.Reorder = *reorder
		case "seed":
			cfg.Link.Seed = *seed
		case "rto":
			cfg.ARQ.RTOMs = int(rto.Milliseconds())
		case "digest":
			cfg.ARQ.Digest = strings.ToLower(*digest)
		case "log":
			cfg.LogLevel = *logLevel
		case "metrics":
			cfg.Metrics.Enabled = true
			cfg.Metrics.Listen = *metricsListen
		}
	})

	if *messagesFile != "" {
		msgs, err := readMessages(*messagesFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "读取消息失败: %v\n", err)
			os.Exit(1)
		}
		cfg.App.Messages = msgs
	}
	if len(cfg.App.Messages) == 0 {
		cfg.App.Messages = config.DefaultMessages(10)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "配置错误: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		if errors.Is(err, errInterrupted) {
			fmt.Println("\n已中断")
			return
		}
		fmt.Fprintf(os.Stderr, "运行失败: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 创建 Metrics 服务器
	var metricsServer *metrics.MetricsServer
	var swrdtMetrics *metrics.SWRDTMetrics

	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewMetricsServer(
			cfg.Metrics.Listen,
			cfg.Metrics.Path,
			cfg.Metrics.HealthPath,
			cfg.Metrics.EnablePprof,
			cfg.LogLevel,
		)
		swrdtMetrics = metrics.NewSWRDTMetrics(metricsServer.GetRegistry())

		if err := metricsServer.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Metrics 启动失败: %v\n", err)
			metricsServer = nil
		} else {
			defer metricsServer.Stop()
		}
	}

	printBanner(cfg, metricsServer)

	g, gctx := errgroup.WithContext(ctx)

	// 等待信号
	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)

		select {
		case <-sigCh:
			return errInterrupted
		case <-gctx.Done():
			return nil
		}
	})

	g.Go(func() error {
		defer cancel()

		s, err := transport.Open(gctx, transport.RoleSender, cfg.Peer, cfg.Port, transport.NewSessionConfig(cfg))
		if err != nil {
			return err
		}
		defer s.Close()

		if metricsServer != nil {
			attachMetrics(metricsServer, swrdtMetrics, s)
		}

		res, err := echo.RunSender(gctx, s, cfg.App.Messages, echo.OptionsFromConfig(cfg))
		if res != nil {
			printSummary(res, s.Stats())
		}
		return err
	})

	return g.Wait()
}

// attachMetrics 注册会话与链路收集器
func attachMetrics(ms *metrics.MetricsServer, m *metrics.SWRDTMetrics, s *transport.Session) {
	s.SetMetrics(m)
	ms.MustRegisterCollector(metrics.NewSessionCollector(s))
	if ls, ok := s.Link().(*transport.LinkSimulator); ok {
		ms.MustRegisterCollector(metrics.NewLinkCollector(ls))
	}
	ms.SetHealthCheck(func() metrics.HealthStatus {
		return createHealthStatus(ms, s)
	})
}

// readMessages 读取消息文件，忽略空行
func readMessages(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var msgs []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		msgs = append(msgs, line)
	}
	return msgs, scanner.Err()
}

// =============================================================================
// 健康检查
// =============================================================================

func createHealthStatus(ms *metrics.MetricsServer, s *transport.Session) metrics.HealthStatus {
	st := s.Stats()
	status := metrics.HealthStatus{
		Status:     "healthy",
		Timestamp:  time.Now(),
		Version:    Version,
		Uptime:     ms.Uptime(),
		Components: make(map[string]metrics.ComponentHealth),
	}

	switch st.State {
	case "IDLE", "AWAITING_ACK":
		status.Components["session"] = metrics.ComponentHealth{
			Status:  "healthy",
			Message: fmt.Sprintf("state: %s, seq: %d", st.State, st.CurrSeq),
		}
	default:
		status.Status = "unhealthy"
		status.Components["session"] = metrics.ComponentHealth{
			Status:  "unhealthy",
			Message: fmt.Sprintf("state: %s", st.State),
		}
	}

	status.Components["arq"] = metrics.ComponentHealth{
		Status:  "healthy",
		Message: fmt.Sprintf("retransmits: %d", st.Retransmits),
	}
	return status
}

// =============================================================================
// 版本和横幅
// =============================================================================

func printVersion() {
	fmt.Printf("SWRDT Sender v%s\n", Version)
	fmt.Printf("  Build: %s\n", BuildTime)
	fmt.Printf("  Commit: %s\n", GitCommit)
	fmt.Printf("  Go: %s\n", runtime.Version())
	fmt.Printf("  OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Println()
	fmt.Println("使用示例:")
	fmt.Println("  swrdt-sender localhost 5000")
	fmt.Println("  swrdt-sender -loss 0.2 -corrupt 0.1 -reorder 0.1 localhost 5000")
	fmt.Println("  swrdt-sender -c config.yaml -metrics :9100")
}

func printBanner(cfg *config.Config, ms *metrics.MetricsServer) {
	fmt.Println()
	fmt.Println("╔══════════════════════════════════════════════════════════════════╗")
	fmt.Printf("║         SWRDT Sender v%-43s║\n", Version)
	fmt.Println("╠══════════════════════════════════════════════════════════════════╣")
	fmt.Printf("║  对端: %-57s ║\n", cfg.GetAddress())
	fmt.Printf("║  承载: %-57s ║\n", cfg.Carrier)
	fmt.Printf("║  损伤: %-57s ║\n", fmt.Sprintf("loss=%.2f corrupt=%.2f reorder=%.2f",
		cfg.Link.Loss, cfg.Link.Corrupt, cfg.Link.Reorder))
	fmt.Printf("║  RTO: %-58s ║\n", fmt.Sprintf("%d ms (%s)", cfg.ARQ.RTOMs, cfg.ARQ.Digest))
	fmt.Printf("║  消息: %-57s ║\n", fmt.Sprintf("%d 条", len(cfg.App.Messages)))
	if ms != nil {
		fmt.Println("╠══════════════════════════════════════════════════════════════════╣")
		fmt.Printf("║  Prometheus: http://%s%-35s ║\n", ms.Addr(), cfg.Metrics.Path)
	}
	fmt.Println("╚══════════════════════════════════════════════════════════════════╝")
	fmt.Println()
}

func printSummary(res *echo.SenderResult, st transport.SessionStats) {
	fmt.Println("──────────────────────────────────────────")
	fmt.Printf("  已发送: %d  已回显: %d  未回显: %d\n", res.Sent, res.Echoed, res.Missed)
	fmt.Printf("  重传: %d (超时 %d, 损坏 ACK %d, ACK 不符 %d)\n",
		st.Retransmits, st.TimeoutRetransmits, st.CorruptAckRetransmits, st.MismatchAckRetransmits)
	if st.SRTT > 0 {
		fmt.Printf("  SRTT: %v (建议 RTO %v)\n", st.SRTT.Round(time.Microsecond), st.SuggestedRTO.Round(time.Millisecond))
	}
	fmt.Printf("  结束标记确认: %v\n", res.EndAcked)
	fmt.Println("──────────────────────────────────────────")
}
