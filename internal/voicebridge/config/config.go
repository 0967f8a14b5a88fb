package config

import (
	"flag"
	"net"
	"os"
	"strconv"
	"time"
)

// Config holds the voice bridge configuration
type Config struct {
	// Control plane
	APIBindAddr string
	APIPort     int

	// Audio socket servers
	AudioBindAddr string
	AudioHost     string // Address the PBX connects to
	PortMin       int
	PortMax       int
	FrameSize     int
	FrameInterval time.Duration

	// Voice service
	APIKey           string
	DefaultAgentID   string
	APIBase          string
	VoiceURL         string // Direct upstream URL, skips the signed URL request
	OpenTimeout      time.Duration
	SignedURLTimeout time.Duration

	// Sessions
	InactivityTimeout  time.Duration
	StaleThreshold     time.Duration
	StaleSweepInterval time.Duration
	KeepAliveInterval  time.Duration

	// PBX manager interface
	AMIHost           string
	AMIPort           int
	AMIUser           string
	AMIPass           string
	OriginateChannel  string
	OriginateCallerID string

	// Remote agents
	DatabaseURL       string
	PersistentPorts   string
	AgentSyncInterval time.Duration

	HealthPort      int
	ShutdownTimeout time.Duration
	LogLevel        string
}

// Load loads configuration from command line flags and environment variables
func Load() *Config {
	return load(flag.CommandLine, os.Args[1:], os.Getenv)
}

func load(fs *flag.FlagSet, args []string, getenv func(string) string) *Config {
	cfg := &Config{}

	fs.StringVar(&cfg.APIBindAddr, "bind", "0.0.0.0", "Control plane bind address")
	fs.IntVar(&cfg.APIPort, "port", 3000, "Control plane HTTP/WebSocket port")
	fs.StringVar(&cfg.AudioBindAddr, "audio-bind", "0.0.0.0", "Audio socket bind address")
	fs.StringVar(&cfg.AudioHost, "audio-host", "", "Audio socket address advertised to the PBX (auto-detected if not set)")
	fs.IntVar(&cfg.PortMin, "audio-port-min", 15052, "Minimum audio socket port")
	fs.IntVar(&cfg.PortMax, "audio-port-max", 15099, "Maximum audio socket port")
	fs.IntVar(&cfg.FrameSize, "frame-size", 320, "Outbound audio frame size in bytes")
	fs.DurationVar(&cfg.FrameInterval, "frame-interval", 19*time.Millisecond, "Delay between outbound audio frames")
	fs.StringVar(&cfg.DefaultAgentID, "agent-id", "", "Default voice agent id")
	fs.StringVar(&cfg.APIBase, "api-base", "https://api.elevenlabs.io", "Voice service API base URL")
	fs.StringVar(&cfg.VoiceURL, "voice-url", "", "Direct voice WebSocket URL")
	fs.DurationVar(&cfg.OpenTimeout, "open-timeout", 15*time.Second, "Upstream socket open timeout")
	fs.DurationVar(&cfg.SignedURLTimeout, "signed-url-timeout", 10*time.Second, "Signed URL request timeout")
	fs.DurationVar(&cfg.InactivityTimeout, "inactivity-timeout", 5*time.Minute, "Session inactivity timeout")
	fs.DurationVar(&cfg.StaleThreshold, "stale-threshold", 10*time.Minute, "Idle time after which the sweep closes a session")
	fs.DurationVar(&cfg.StaleSweepInterval, "stale-sweep-interval", time.Minute, "Stale session sweep interval")
	fs.DurationVar(&cfg.KeepAliveInterval, "keepalive", 30*time.Second, "Control client keep-alive interval")
	fs.StringVar(&cfg.AMIHost, "ami-host", "localhost", "PBX manager interface host")
	fs.IntVar(&cfg.AMIPort, "ami-port", 5038, "PBX manager interface port")
	fs.StringVar(&cfg.OriginateChannel, "originate-channel", "SIP/%s@45656", "Dial string template for originated calls")
	fs.StringVar(&cfg.OriginateCallerID, "originate-callerid", "", "Caller id for originated calls")
	fs.StringVar(&cfg.PersistentPorts, "persistent-ports", "", "Persistent agent ports (port=agentId,...)")
	fs.DurationVar(&cfg.AgentSyncInterval, "agent-sync-interval", 60*time.Second, "Remote agent sync interval")
	fs.IntVar(&cfg.HealthPort, "health-port", 9090, "gRPC health port")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", 5*time.Second, "Forced exit delay after a shutdown signal")
	fs.StringVar(&cfg.LogLevel, "loglevel", "debug", "Log level (debug, info, warn, error)")

	fs.Parse(args)

	// Environment overrides
	setString(getenv, "API_BIND", &cfg.APIBindAddr)
	setInt(getenv, "API_PORT", &cfg.APIPort)
	setString(getenv, "AUDIOSOCKET_BIND", &cfg.AudioBindAddr)
	setString(getenv, "AUDIOSOCKET_HOST", &cfg.AudioHost)
	setInt(getenv, "AUDIOSOCKET_PORT_MIN", &cfg.PortMin)
	setInt(getenv, "AUDIOSOCKET_PORT_MAX", &cfg.PortMax)
	setInt(getenv, "FRAME_SIZE", &cfg.FrameSize)
	setDuration(getenv, "FRAME_INTERVAL", &cfg.FrameInterval)
	setString(getenv, "ELEVENLABS_API_KEY", &cfg.APIKey)
	setString(getenv, "ELEVENLABS_AGENT_ID", &cfg.DefaultAgentID)
	setString(getenv, "ELEVENLABS_API_BASE", &cfg.APIBase)
	setString(getenv, "VOICE_WS_URL", &cfg.VoiceURL)
	setDuration(getenv, "UPSTREAM_OPEN_TIMEOUT", &cfg.OpenTimeout)
	setDuration(getenv, "SIGNED_URL_TIMEOUT", &cfg.SignedURLTimeout)
	setDuration(getenv, "INACTIVITY_TIMEOUT", &cfg.InactivityTimeout)
	setDuration(getenv, "STALE_THRESHOLD", &cfg.StaleThreshold)
	setDuration(getenv, "STALE_SWEEP_INTERVAL", &cfg.StaleSweepInterval)
	setDuration(getenv, "KEEPALIVE_INTERVAL", &cfg.KeepAliveInterval)
	setString(getenv, "ASTERISK_HOST", &cfg.AMIHost)
	setInt(getenv, "ASTERISK_PORT", &cfg.AMIPort)
	setString(getenv, "ASTERISK_USER", &cfg.AMIUser)
	setString(getenv, "ASTERISK_PASS", &cfg.AMIPass)
	setString(getenv, "ORIGINATE_CHANNEL", &cfg.OriginateChannel)
	setString(getenv, "ORIGINATE_CALLERID", &cfg.OriginateCallerID)
	setString(getenv, "DATABASE_URL", &cfg.DatabaseURL)
	setString(getenv, "PERSISTENT_PORTS", &cfg.PersistentPorts)
	setDuration(getenv, "CHECK_REMOTE_AGENTS_INTERVAL", &cfg.AgentSyncInterval)
	setInt(getenv, "HEALTH_PORT", &cfg.HealthPort)
	setDuration(getenv, "SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout)
	setString(getenv, "LOGLEVEL", &cfg.LogLevel)

	if cfg.AudioHost == "" {
		cfg.AudioHost = getPrimaryInterfaceIP()
	}

	return cfg
}

func setString(getenv func(string) string, key string, dst *string) {
	if v := getenv(key); v != "" {
		*dst = v
	}
}

// setInt keeps the current value when the variable is not a number
func setInt(getenv func(string) string, key string, dst *int) {
	if v := getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// setDuration accepts Go durations ("30s") or plain milliseconds ("30000")
func setDuration(getenv func(string) string, key string, dst *time.Duration) {
	v := getenv(key)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
		return
	}
	if ms, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(ms) * time.Millisecond
	}
}

// getPrimaryInterfaceIP detects the primary network interface IP address
func getPrimaryInterfaceIP() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}

	return "127.0.0.1"
}
