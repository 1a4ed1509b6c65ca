// veil-echo is a demonstration echo service over the veil mux: the
// server echoes every payload back on the flow it arrived on, the
// client sends a batch of messages and waits for the echoes.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v2"

	"github.com/veilnet/veil/cmd/veil-echo/config"
	"github.com/veilnet/veil/internal/mux"
	"github.com/veilnet/veil/internal/ops"
)

var (
	configFile = flag.String("f", "configs/veil.yaml", "path to the configuration file")
	mode       = flag.String("mode", "server", "server or client")
	addr       = flag.String("addr", "", "override the configured address")
	count      = flag.Int("count", 10, "messages to send in client mode")
	version    = "0.1.0"
)

func main() {
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to create logger: %v", err))
	}
	defer logger.Sync()

	cfg, err := loadConfig(*configFile)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}
	if *addr != "" {
		cfg.Addr = *addr
	}

	if rebuilt, err := buildLogger(cfg.Log); err != nil {
		logger.Warn("Invalid log config, keeping defaults", zap.Error(err))
	} else {
		logger = rebuilt
		defer logger.Sync()
	}

	logger.Info("Starting veil-echo",
		zap.String("version", version),
		zap.String("mode", *mode),
		zap.String("addr", cfg.Addr))

	switch *mode {
	case "server":
		err = runServer(cfg, logger)
	case "client":
		err = runClient(cfg, logger)
	default:
		err = fmt.Errorf("unknown mode %q", *mode)
	}
	if err != nil {
		logger.Fatal("veil-echo failed", zap.Error(err))
	}
}

func runServer(cfg *config.Config, logger *zap.Logger) error {
	m, err := mux.Listen("udp", cfg.Addr, cfg.Mux.ToMux(), logger)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	defer m.Close()

	if cfg.Ops.Enable {
		opsServer := ops.NewServer(cfg.Ops.Addr, m, logger)
		go func() {
			if err := opsServer.Start(); err != nil {
				logger.Error("Ops server error", zap.Error(err))
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			opsServer.Stop(ctx)
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("Received signal", zap.String("signal", sig.String()))
		cancel()
	}()

	logger.Info("Echo server ready", zap.String("addr", m.LocalAddr().String()))

	for {
		f, err := m.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}

		logger.Info("Flow accepted", zap.String("flow", f.ID().String()))
		go echoFlow(ctx, f, logger)
	}
}

func echoFlow(ctx context.Context, f *mux.Flow, logger *zap.Logger) {
	defer f.Close()

	for {
		payload, err := f.Receive(ctx)
		if err != nil {
			logger.Info("Flow finished",
				zap.String("flow", f.ID().String()),
				zap.Error(err))
			return
		}

		if _, err := f.Send(payload); err != nil {
			if err == mux.ErrBackpressure {
				// The peer stopped acking; drop the echo rather than
				// spin.
				continue
			}
			logger.Warn("Echo send failed",
				zap.String("flow", f.ID().String()),
				zap.Error(err))
			return
		}
	}
}

func runClient(cfg *config.Config, logger *zap.Logger) error {
	m, err := mux.Dial("udp", cfg.Addr, cfg.Mux.ToMux(), logger)
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}
	defer m.Close()

	f, err := m.OpenFlow()
	if err != nil {
		return fmt.Errorf("failed to open flow: %w", err)
	}
	defer f.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	for i := 0; i < *count; i++ {
		payload := []byte(fmt.Sprintf("veil-echo message %d", i))
		seq, err := f.Send(payload)
		if err != nil {
			return fmt.Errorf("send %d failed: %w", i, err)
		}
		logger.Debug("Sent", zap.Uint64("seq", seq))
	}

	for i := 0; i < *count; i++ {
		payload, err := f.Receive(ctx)
		if err != nil {
			return fmt.Errorf("receive failed after %d echoes: %w", i, err)
		}
		logger.Debug("Echo", zap.ByteString("payload", payload))
	}

	stats := f.Stats()
	logger.Info("Client done",
		zap.Int("messages", *count),
		zap.Duration("elapsed", time.Since(start)),
		zap.Uint64("retransmissions", stats.Retransmissions),
		zap.Uint64("fec_recovered", stats.FECRecovered),
		zap.Duration("srtt", stats.SRTT))

	return nil
}

// buildLogger constructs a zap logger per the Log config section.
func buildLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		lvl, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("failed to parse log level: %w", err)
		}
		zcfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	return zcfg.Build()
}

// loadConfig reads the yaml configuration, falling back to defaults
// when the file does not exist.
func loadConfig(filename string) (*config.Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("Config file not found, using default config")
			return config.DefaultConfig(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := config.DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}
