package config

import (
	"time"

	"github.com/spf13/viper"
)

// Pose mirrors the data model's (x, y, z, r) tuple, millimeters and degrees.
type Pose struct {
	X float32
	Y float32
	Z float32
	R float32
}

// Envelope is the per-axis min/max bounding box the Safety Supervisor validates against.
type Envelope struct {
	MinX, MaxX float32
	MinY, MaxY float32
	MinZ, MaxZ float32
	MinR, MaxR float32
}

type RobotConfig struct {
	Transport         string // "serial" or "tcp"
	SerialPath        string
	Baud              int
	Host              string
	Port              int
	VelocityRatio     int // 1..100
	AccelerationRatio int // 1..100
	RawUnits          bool // reserved: raw mm/s PTP params, unimplemented extension point
	Home              Pose
	Envelope          Envelope
}

type PLCConfig struct {
	IP                  string
	Rack                int
	Slot                int
	ReadTimeoutMs       int
	ReconnectCooldownMs int
	WatchdogMs          int
}

func (c PLCConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutMs) * time.Millisecond
}

func (c PLCConfig) ReconnectCooldown() time.Duration {
	return time.Duration(c.ReconnectCooldownMs) * time.Millisecond
}

func (c PLCConfig) WatchdogInterval() time.Duration {
	return time.Duration(c.WatchdogMs) * time.Millisecond
}

type BridgeConfig struct {
	PollIntervalMs   int
	ErrorThreshold   int
	PoseEpsilonMm    float64
	FeedbackMaxHz    int
	HaltedCooldownMs int
}

func (c BridgeConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

func (c BridgeConfig) FeedbackMinInterval() time.Duration {
	if c.FeedbackMaxHz <= 0 {
		return 0
	}
	return time.Second / time.Duration(c.FeedbackMaxHz)
}

type TelemetryConfig struct {
	RedisURL     string
	MQTTBroker   string
	MQTTClientID string
}

type LoggingConfig struct {
	Level    string
	Encoding string
}

type Config struct {
	Robot     RobotConfig
	PLC       PLCConfig
	Bridge    BridgeConfig
	Telemetry TelemetryConfig
	Logging   LoggingConfig
}

// Load resolves configuration from environment variables and defaults,
// matching only the recognized keys named in the external interfaces section.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("bridge")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/rpi-dobot-sub000")
	v.AutomaticEnv()

	v.SetDefault("robot.transport", "serial")
	v.SetDefault("robot.serialPath", "/dev/ttyACM0")
	v.SetDefault("robot.baud", 115200)
	v.SetDefault("robot.host", "")
	v.SetDefault("robot.port", 29999)
	v.SetDefault("robot.velocityRatio", 50)
	v.SetDefault("robot.accelerationRatio", 50)
	v.SetDefault("robot.rawUnits", false)
	v.SetDefault("robot.home.x", 200.0)
	v.SetDefault("robot.home.y", 0.0)
	v.SetDefault("robot.home.z", 150.0)
	v.SetDefault("robot.home.r", 0.0)
	v.SetDefault("robot.envelope.minX", -300.0)
	v.SetDefault("robot.envelope.maxX", 300.0)
	v.SetDefault("robot.envelope.minY", -300.0)
	v.SetDefault("robot.envelope.maxY", 300.0)
	v.SetDefault("robot.envelope.minZ", -100.0)
	v.SetDefault("robot.envelope.maxZ", 400.0)
	v.SetDefault("robot.envelope.minR", -180.0)
	v.SetDefault("robot.envelope.maxR", 180.0)

	v.SetDefault("plc.ip", "192.168.0.1")
	v.SetDefault("plc.rack", 0)
	v.SetDefault("plc.slot", 1)
	v.SetDefault("plc.readTimeoutMs", 5000)
	v.SetDefault("plc.reconnectCooldownMs", 5000)
	v.SetDefault("plc.watchdogMs", 10000)

	v.SetDefault("bridge.pollIntervalMs", 100)
	v.SetDefault("bridge.errorThreshold", 3)
	v.SetDefault("bridge.poseEpsilonMm", 0.1)
	v.SetDefault("bridge.feedbackMaxHz", 20)
	v.SetDefault("bridge.haltedCooldownMs", 0)

	v.SetDefault("telemetry.redisURL", "")
	v.SetDefault("telemetry.mqttBroker", "")
	v.SetDefault("telemetry.mqttClientID", "rpi-dobot-sub000")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "json")

	_ = v.ReadInConfig() // config file is optional; env vars and defaults suffice

	cfg := &Config{
		Robot: RobotConfig{
			Transport:         v.GetString("robot.transport"),
			SerialPath:        v.GetString("robot.serialPath"),
			Baud:              v.GetInt("robot.baud"),
			Host:              v.GetString("robot.host"),
			Port:              v.GetInt("robot.port"),
			VelocityRatio:     v.GetInt("robot.velocityRatio"),
			AccelerationRatio: v.GetInt("robot.accelerationRatio"),
			RawUnits:          v.GetBool("robot.rawUnits"),
			Home: Pose{
				X: float32(v.GetFloat64("robot.home.x")),
				Y: float32(v.GetFloat64("robot.home.y")),
				Z: float32(v.GetFloat64("robot.home.z")),
				R: float32(v.GetFloat64("robot.home.r")),
			},
			Envelope: Envelope{
				MinX: float32(v.GetFloat64("robot.envelope.minX")),
				MaxX: float32(v.GetFloat64("robot.envelope.maxX")),
				MinY: float32(v.GetFloat64("robot.envelope.minY")),
				MaxY: float32(v.GetFloat64("robot.envelope.maxY")),
				MinZ: float32(v.GetFloat64("robot.envelope.minZ")),
				MaxZ: float32(v.GetFloat64("robot.envelope.maxZ")),
				MinR: float32(v.GetFloat64("robot.envelope.minR")),
				MaxR: float32(v.GetFloat64("robot.envelope.maxR")),
			},
		},
		PLC: PLCConfig{
			IP:                  v.GetString("plc.ip"),
			Rack:                v.GetInt("plc.rack"),
			Slot:                v.GetInt("plc.slot"),
			ReadTimeoutMs:       v.GetInt("plc.readTimeoutMs"),
			ReconnectCooldownMs: v.GetInt("plc.reconnectCooldownMs"),
			WatchdogMs:          v.GetInt("plc.watchdogMs"),
		},
		Bridge: BridgeConfig{
			PollIntervalMs:   v.GetInt("bridge.pollIntervalMs"),
			ErrorThreshold:   v.GetInt("bridge.errorThreshold"),
			PoseEpsilonMm:    v.GetFloat64("bridge.poseEpsilonMm"),
			FeedbackMaxHz:    v.GetInt("bridge.feedbackMaxHz"),
			HaltedCooldownMs: v.GetInt("bridge.haltedCooldownMs"),
		},
		Telemetry: TelemetryConfig{
			RedisURL:     v.GetString("telemetry.redisURL"),
			MQTTBroker:   v.GetString("telemetry.mqttBroker"),
			MQTTClientID: v.GetString("telemetry.mqttClientID"),
		},
		Logging: LoggingConfig{
			Level:    v.GetString("log.level"),
			Encoding: v.GetString("log.encoding"),
		},
	}

	return cfg, nil
}
