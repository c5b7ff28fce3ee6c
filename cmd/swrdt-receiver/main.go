// =============================================================================
// 文件: cmd/swrdt-receiver/main.go
// 描述: 接收端入口 - 接受一个连接并回显新消息，收到 END 或空闲超时后退出
// =============================================================================
package main

import (
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

	listen := flag.String("listen", "", "监听地址 (留空监听全部)")
	port := flag.Int("port", 0, "监听端口")
	carrier := flag.String("carrier", "", "承载: tcp/websocket")
	loss := flag.Float64("loss", 0, "丢弃概率")
	corrupt := flag.Float64("corrupt", 0, "损坏概率")
	reorder := flag.Float64("reorder", 0, "暂扣合并概率")
	seed := flag.Int64("seed", 0, "链路随机种子")
	rto := flag.Duration("rto", 0, "重传超时")
	digest := flag.String("digest", "", "校验摘要: md5/blake2b")
	logLevel := flag.String("log", "", "日志级别: debug/info/error")
	metricsListen := flag.String("metrics", "", "启用监控并监听该地址")
	idle := flag.Duration("idle", 0, "空闲退出时间")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "用法: %s [选项] [port]\n\n", os.Args[0])
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
	cfg.Role = "receiver"

	// 位置参数: port
	if args := flag.Args(); len(args) > 0 {
		p, err := strconv.Atoi(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "端口格式错误: %v\n", err)
			os.Exit(1)
		}
		cfg.Port = p
	}

	// 只覆盖显式指定的参数
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			cfg.Peer = *listen
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
		case "idle":
			cfg.App.IdleTimeoutSec = int(idle.Seconds())
		}
	})

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

		s, err := transport.Open(gctx, transport.RoleReceiver, cfg.Peer, cfg.Port, transport.NewSessionConfig(cfg))
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		defer s.Close()

		if metricsServer != nil {
			s.SetMetrics(swrdtMetrics)
			metricsServer.MustRegisterCollector(metrics.NewSessionCollector(s))
			if ls, ok := s.Link().(*transport.LinkSimulator); ok {
				metricsServer.MustRegisterCollector(metrics.NewLinkCollector(ls))
			}
			metricsServer.SetHealthCheck(func() metrics.HealthStatus {
				return createHealthStatus(metricsServer, s)
			})
		}

		res, err := echo.RunReceiver(gctx, s, echo.OptionsFromConfig(cfg))
		if res != nil {
			printSummary(res, s.Stats())
		}
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	return g.Wait()
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

	if st.State == "ABORTED" || st.State == "CLOSED" {
		status.Status = "unhealthy"
	}
	status.Components["session"] = metrics.ComponentHealth{
		Status:  status.Status,
		Message: fmt.Sprintf("state: %s, expected: %d", st.State, st.ExpectedSeq),
	}

	if st.AppQueueLen > 0 {
		status.Components["delivery"] = metrics.ComponentHealth{
			Status:  "degraded",
			Message: fmt.Sprintf("queued: %d", st.AppQueueLen),
		}
	}
	return status
}

// =============================================================================
// 版本和横幅
// =============================================================================

func printVersion() {
	fmt.Printf("SWRDT Receiver v%s\n", Version)
	fmt.Printf("  Build: %s\n", BuildTime)
	fmt.Printf("  Commit: %s\n", GitCommit)
	fmt.Printf("  Go: %s\n", runtime.Version())
	fmt.Printf("  OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Println()
	fmt.Println("使用示例:")
	fmt.Println("  swrdt-receiver 5000")
	fmt.Println("  swrdt-receiver -carrier websocket -loss 0.2 5000")
	fmt.Println("  swrdt-receiver -c config.yaml -metrics :9101")
}

func printBanner(cfg *config.Config, ms *metrics.MetricsServer) {
	listen := cfg.GetAddress()
	if cfg.Peer == "" {
		listen = fmt.Sprintf("*:%d", cfg.Port)
	}

	fmt.Println()
	fmt.Println("╔══════════════════════════════════════════════════════════════════╗")
	fmt.Printf("║         SWRDT Receiver v%-41s║\n", Version)
	fmt.Println("╠══════════════════════════════════════════════════════════════════╣")
	fmt.Printf("║  监听: %-57s ║\n", listen)
	fmt.Printf("║  承载: %-57s ║\n", cfg.Carrier)
	fmt.Printf("║  损伤: %-57s ║\n", fmt.Sprintf("loss=%.2f corrupt=%.2f reorder=%.2f",
		cfg.Link.Loss, cfg.Link.Corrupt, cfg.Link.Reorder))
	fmt.Printf("║  空闲退出: %-53s ║\n", fmt.Sprintf("%d 秒", cfg.App.IdleTimeoutSec))
	if ms != nil {
		fmt.Println("╠══════════════════════════════════════════════════════════════════╣")
		fmt.Printf("║  Prometheus: http://%s%-35s ║\n", ms.Addr(), cfg.Metrics.Path)
	}
	fmt.Println("╠══════════════════════════════════════════════════════════════════╣")
	fmt.Println("║  按 Ctrl+C 停止                                                  ║")
	fmt.Println("╚══════════════════════════════════════════════════════════════════╝")
	fmt.Println()
}

func printSummary(res *echo.ReceiverResult, st transport.SessionStats) {
	fmt.Println("──────────────────────────────────────────")
	fmt.Printf("  已接收: %d  已回显: %d  应用层重复: %d\n", res.Received, res.Echoed, res.DuplicatesIgnored)
	fmt.Printf("  传输层重复: %d  乱序: %d  损坏帧: %d\n", st.Duplicates, st.OutOfOrder, st.CorruptFrames)
	fmt.Printf("  退出原因: %s\n", res.Reason)
	fmt.Println("──────────────────────────────────────────")
}
