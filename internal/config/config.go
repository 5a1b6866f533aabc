package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Environment variables shared across the three processes.
const (
	// EnvEndpoint carries the channel endpoint URL to the view process.
	EnvEndpoint = "VIEWPROC_ENDPOINT"
	// EnvGeneration carries the generation the view process was spawned
	// under.
	EnvGeneration = "VIEWPROC_GENERATION"
	// EnvPrevCrashed is set by the crash guard when it relaunches the app
	// after a crash.
	EnvPrevCrashed = "VIEWPROC_PREV_CRASHED"
)

// Config is the runtime configuration, read once from the environment at
// process start. All variables are prefixed VIEWPROC_.
type Config struct {
	PingInterval   time.Duration `envconfig:"PING_INTERVAL" default:"2s"`
	PingTimeout    time.Duration `envconfig:"PING_TIMEOUT" default:"5s"`
	ConnectTimeout time.Duration `envconfig:"CONNECT_TIMEOUT" default:"10s"`

	RespawnLimit  int           `envconfig:"RESPAWN_LIMIT" default:"5"`
	RespawnWindow time.Duration `envconfig:"RESPAWN_WINDOW" default:"30s"`

	RequestQueueSize int `envconfig:"REQUEST_QUEUE_SIZE" default:"256"`
	EventBufferSize  int `envconfig:"EVENT_BUFFER_SIZE" default:"1024"`

	// NoCrashGuard disables the watchdog process, which is handy when a
	// debugger should own the app process instead.
	NoCrashGuard   bool   `envconfig:"NO_CRASH_GUARD" default:"false"`
	CrashReportDir string `envconfig:"CRASH_REPORT_DIR" default:""`
}

// Load reads the configuration from the environment.
func Load() (Config, error) {
	var c Config
	if err := envconfig.Process("viewproc", &c); err != nil {
		return Config{}, fmt.Errorf("reading environment configuration: %w", err)
	}
	return c, nil
}
