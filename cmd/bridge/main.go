// Command bridge is the industrial gateway entrypoint: it loads
// configuration, wires the Robot Driver, PLC Driver, Safety Supervisor,
// Bridge Coordinator, and External Adapter together, starts the optional
// Telemetry Publisher and Alert Sink, and runs until a termination signal
// arrives.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hadefuwa/rpi-dobot-sub000/internal/adapter"
	"github.com/hadefuwa/rpi-dobot-sub000/internal/alert"
	"github.com/hadefuwa/rpi-dobot-sub000/internal/bridge"
	"github.com/hadefuwa/rpi-dobot-sub000/internal/config"
	"github.com/hadefuwa/rpi-dobot-sub000/internal/plc"
	"github.com/hadefuwa/rpi-dobot-sub000/internal/robotdriver"
	"github.com/hadefuwa/rpi-dobot-sub000/internal/safety"
	"github.com/hadefuwa/rpi-dobot-sub000/internal/telemetry"
	"github.com/hadefuwa/rpi-dobot-sub000/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Logging.Level, cfg.Logging.Encoding)
	if err != nil {
		fmt.Fprintln(os.Stderr, "init logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("bridge exited with error", zap.Error(err))
	}
}

// initLogger builds a zap.Config from the textual level/encoding, matching
// the teacher's ISO8601-timestamped production baseline.
func initLogger(level, encoding string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	zcfg.Encoding = encoding
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zcfg.Build()
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var tp transport.Duplex
	switch cfg.Robot.Transport {
	case "tcp":
		tp = transport.NewTCP(cfg.Robot.Host, strconv.Itoa(cfg.Robot.Port))
	default:
		tp = transport.NewSerial(cfg.Robot.SerialPath, cfg.Robot.Baud)
	}

	plcDrv := plc.New(cfg.PLC.IP, cfg.PLC.Rack, cfg.PLC.Slot,
		cfg.PLC.ReadTimeout(), cfg.PLC.ReconnectCooldown(), cfg.PLC.WatchdogInterval(), logger)

	safetySup := safety.New(cfg.Robot.Envelope, nil, plcDrv, logger)

	robotDrv := robotdriver.New(tp, safetySup, logger)
	safetySup.SetRobotStopper(robotDrv)

	bus := adapter.NewBus(logger)
	busStop := make(chan struct{})
	go bus.Run(busStop)

	bridgeCoord := bridge.New(robotDrv, plcDrv, safetySup, bus, cfg.Bridge, logger)

	// externalAdapter is the handle an out-of-scope API/UI process would
	// import; constructed here so its lifetime matches the rest of the
	// wiring, even though nothing in this process calls into it directly.
	_ = adapter.New(bridgeCoord, safetySup, cfg, bus)

	var telemetryPub *telemetry.Publisher
	if cfg.Telemetry.RedisURL != "" {
		pub, err := telemetry.New(cfg.Telemetry.RedisURL, logger)
		if err != nil {
			logger.Warn("telemetry publisher disabled: connect failed", zap.Error(err))
		} else {
			telemetryPub = pub
			telemetryPub.Run(bus)
		}
	}

	var alertSink *alert.Sink
	if cfg.Telemetry.MQTTBroker != "" {
		sink, err := alert.New(cfg.Telemetry.MQTTBroker, cfg.Telemetry.MQTTClientID, logger)
		if err != nil {
			logger.Warn("alert sink disabled: connect failed", zap.Error(err))
		} else {
			alertSink = sink
			alertSink.Run(bus)
		}
	}

	if err := plcDrv.Connect(); err != nil {
		logger.Warn("initial plc connect failed, watchdog will retry", zap.Error(err))
	}
	plcDrv.StartWatchdog()

	if err := robotDrv.Connect(ctx, robotdriver.ConnectOptions{
		VelocityRatio:     cfg.Robot.VelocityRatio,
		AccelerationRatio: cfg.Robot.AccelerationRatio,
		Home: robotdriver.Pose{
			X: cfg.Robot.Home.X, Y: cfg.Robot.Home.Y, Z: cfg.Robot.Home.Z, R: cfg.Robot.Home.R,
		},
		RequestTimeout: 2 * time.Second,
	}); err != nil {
		logger.Error("robot driver connect failed", zap.Error(err))
	}

	if err := bridgeCoord.Start(ctx); err != nil {
		logger.Warn("bridge coordinator did not start automatically", zap.Error(err))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received, stopping bridge")

	bridgeCoord.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := robotDrv.Disconnect(shutdownCtx); err != nil {
		logger.Warn("robot driver disconnect error", zap.Error(err))
	}

	plcDrv.StopWatchdog()
	plcDrv.Disconnect()

	if telemetryPub != nil {
		if err := telemetryPub.Close(); err != nil {
			logger.Warn("telemetry publisher close error", zap.Error(err))
		}
	}
	if alertSink != nil {
		alertSink.Close()
	}

	close(busStop)
	logger.Info("bridge shut down cleanly")
	return nil
}
