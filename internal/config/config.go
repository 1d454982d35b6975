package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rzbill/regflow/pkg/log"
)

// Config is the top-level regflow configuration loaded from file and env.
type Config struct {
	Store     StoreConfig     `yaml:"store" envPrefix:"STORE_"`
	Queue     QueueConfig     `yaml:"queue" envPrefix:"QUEUE_"`
	Writer    WriterConfig    `yaml:"writer" envPrefix:"WRITER_"`
	Gate      GateConfig      `yaml:"gate" envPrefix:"GATE_"`
	Notify    NotifyConfig    `yaml:"notify" envPrefix:"NOTIFY_"`
	Server    ServerConfig    `yaml:"server" envPrefix:"SERVER_"`
	Log       LogConfig       `yaml:"log" envPrefix:"LOG_"`
	Telemetry TelemetryConfig `yaml:"telemetry" envPrefix:"OTEL_"`
}

// StoreConfig controls the Pebble store session.
type StoreConfig struct {
	DataDir        string        `yaml:"dataDir" env:"DATA_DIR"`
	Fsync          string        `yaml:"fsync" env:"FSYNC"`
	OpenRetries    int           `yaml:"openRetries" env:"OPEN_RETRIES"`
	OpenRetryDelay time.Duration `yaml:"openRetryDelay" env:"OPEN_RETRY_DELAY"`
	// OpTimeout bounds every store call made on behalf of a request.
	OpTimeout       time.Duration `yaml:"opTimeout" env:"OP_TIMEOUT"`
	SlowOpThreshold time.Duration `yaml:"slowOpThreshold" env:"SLOW_OP_THRESHOLD"`
}

// QueueConfig controls the intake queue and its processor.
type QueueConfig struct {
	MaxAttempts     int           `yaml:"maxAttempts" env:"MAX_ATTEMPTS"`
	LeaseDuration   time.Duration `yaml:"leaseDuration" env:"LEASE_DURATION"`
	BatchSize       int           `yaml:"batchSize" env:"BATCH_SIZE"`
	ProcessInterval time.Duration `yaml:"processInterval" env:"PROCESS_INTERVAL"`
	Retention       time.Duration `yaml:"retention" env:"RETENTION"`
	EnqueueRetries  int           `yaml:"enqueueRetries" env:"ENQUEUE_RETRIES"`
}

// WriterConfig holds the retry budgets of each write path and the sequence
// seed policy.
type WriterConfig struct {
	ImmediateRetries int    `yaml:"immediateRetries" env:"IMMEDIATE_RETRIES"`
	ProcessorRetries int    `yaml:"processorRetries" env:"PROCESSOR_RETRIES"`
	EmergencyRetries int    `yaml:"emergencyRetries" env:"EMERGENCY_RETRIES"`
	SequenceFloor    uint64 `yaml:"sequenceFloor" env:"SEQUENCE_FLOOR"`
	SequenceBuffer   uint64 `yaml:"sequenceBuffer" env:"SEQUENCE_BUFFER"`
}

// GateConfig controls rate limiting and request deduplication.
type GateConfig struct {
	RateLimit     int           `yaml:"rateLimit" env:"RATE_LIMIT"`
	RateWindow    time.Duration `yaml:"rateWindow" env:"RATE_WINDOW"`
	DedupWindow   time.Duration `yaml:"dedupWindow" env:"DEDUP_WINDOW"`
	SweepInterval time.Duration `yaml:"sweepInterval" env:"SWEEP_INTERVAL"`
}

type NotifyConfig struct {
	WebhookURL string        `yaml:"webhookURL" env:"WEBHOOK_URL"`
	Timeout    time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

type ServerConfig struct {
	HTTPAddr        string        `yaml:"httpAddr" env:"HTTP_ADDR"`
	GRPCAddr        string        `yaml:"grpcAddr" env:"GRPC_ADDR"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" env:"SHUTDOWN_TIMEOUT"`
	// TrustedProxies are addresses or CIDR prefixes allowed to set
	// X-Forwarded-For. Empty means the TCP peer is the client.
	TrustedProxies []string `yaml:"trustedProxies" env:"TRUSTED_PROXIES" envSeparator:","`
}

type LogConfig struct {
	Level         string `yaml:"level" env:"LEVEL"`
	Format        string `yaml:"format" env:"FORMAT"`
	Output        string `yaml:"output" env:"OUTPUT"`
	IncludeCaller bool   `yaml:"includeCaller" env:"INCLUDE_CALLER"`
}

// Logger returns the pkg/log form of the section. Payer emails are redacted.
func (c LogConfig) Logger() *log.Config {
	return &log.Config{
		Level:         c.Level,
		Format:        c.Format,
		Output:        c.Output,
		IncludeCaller: c.IncludeCaller,
		RedactedKeys:  []string{"email"},
	}
}

// TelemetryConfig enables OTLP tracing when Endpoint is set.
type TelemetryConfig struct {
	Endpoint    string `yaml:"endpoint" env:"ENDPOINT"`
	ServiceName string `yaml:"serviceName" env:"SERVICE_NAME"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		Store: StoreConfig{
			DataDir:         DefaultDataDir(),
			Fsync:           "always",
			OpenRetries:     5,
			OpenRetryDelay:  200 * time.Millisecond,
			OpTimeout:       5 * time.Second,
			SlowOpThreshold: 250 * time.Millisecond,
		},
		Queue: QueueConfig{
			MaxAttempts:     10,
			LeaseDuration:   60 * time.Second,
			BatchSize:       50,
			ProcessInterval: 30 * time.Second,
			Retention:       24 * time.Hour,
			EnqueueRetries:  3,
		},
		Writer: WriterConfig{
			ImmediateRetries: 3,
			ProcessorRetries: 10,
			EmergencyRetries: 20,
			SequenceFloor:    1000,
			SequenceBuffer:   100,
		},
		Gate: GateConfig{
			RateLimit:     3,
			RateWindow:    60 * time.Second,
			DedupWindow:   2 * time.Minute,
			SweepInterval: time.Minute,
		},
		Notify: NotifyConfig{Timeout: 10 * time.Second},
		Server: ServerConfig{
			HTTPAddr:        ":8080",
			GRPCAddr:        ":9090",
			ShutdownTimeout: 10 * time.Second,
		},
		Log:       LogConfig{Level: "info", Format: "text"},
		Telemetry: TelemetryConfig{ServiceName: "regflow"},
	}
}

// Load reads a YAML or JSON file over the defaults. JSON is a YAML subset, so
// one decoder serves both. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every out-of-range setting at once.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	check(c.Store.DataDir != "", "store.dataDir is required")
	check(c.Store.OpTimeout > 0, "store.opTimeout must be positive")
	check(c.Queue.MaxAttempts > 0, "queue.maxAttempts must be positive, got %d", c.Queue.MaxAttempts)
	check(c.Queue.LeaseDuration > 0, "queue.leaseDuration must be positive")
	check(c.Queue.BatchSize > 0, "queue.batchSize must be positive, got %d", c.Queue.BatchSize)
	check(c.Queue.ProcessInterval > 0, "queue.processInterval must be positive")
	check(c.Queue.Retention > 0, "queue.retention must be positive")
	check(c.Writer.ImmediateRetries > 0, "writer.immediateRetries must be positive")
	check(c.Writer.ProcessorRetries > 0, "writer.processorRetries must be positive")
	check(c.Writer.EmergencyRetries > 0, "writer.emergencyRetries must be positive")
	check(c.Gate.RateLimit > 0, "gate.rateLimit must be positive, got %d", c.Gate.RateLimit)
	check(c.Gate.RateWindow > 0, "gate.rateWindow must be positive")
	check(c.Gate.DedupWindow > 0, "gate.dedupWindow must be positive")
	for _, p := range c.Server.TrustedProxies {
		if !validProxy(p) {
			errs = append(errs, fmt.Errorf("server.trustedProxies: %q is not an address or CIDR prefix", p))
		}
	}
	switch c.Store.Fsync {
	case "", "always", "interval", "never":
	default:
		errs = append(errs, fmt.Errorf("store.fsync: unknown mode %q", c.Store.Fsync))
	}
	return errors.Join(errs...)
}

func validProxy(s string) bool {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		_, err := netip.ParsePrefix(s)
		return err == nil
	}
	_, err := netip.ParseAddr(s)
	return err == nil
}
