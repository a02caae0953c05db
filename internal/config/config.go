// Package config loads the callbridge configuration from command line
// flags and environment variables. Flags win over defaults, environment
// variables win over flags.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/sebas/callbridge/internal/nat"
)

// Config holds the full callbridge configuration
type Config struct {
	// SIP settings
	Server        string // trunk or registrar, host or host:port
	Username      string
	Password      string
	DisplayName   string
	Port          int    // local SIP listening port
	BindAddr      string // address to bind for listening
	AdvertiseAddr string // address to advertise in SIP headers
	Register      bool   // maintain a REGISTER binding
	RingTimeout   time.Duration
	MaxDuration   time.Duration

	// Media settings
	RTPPortMin     int
	RTPPortMax     int
	PublicIPURL    string // HTTP public-IP discovery endpoint
	StaticPublicIP string // skip discovery and advertise this address

	// AI session settings
	AIURL             string
	AIKey             string
	AIModel           string
	SystemInstruction string

	// Call settings
	Destination     string
	CallerName      string
	DetectVoicemail bool

	LogLevel string
	LogFile  string
}

// Load loads configuration from command line flags and environment variables
func Load() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.Server, "server", "", "SIP server (host or host:port)")
	flag.StringVar(&cfg.Username, "user", "", "SIP username")
	flag.StringVar(&cfg.Password, "pass", "", "SIP password")
	flag.StringVar(&cfg.DisplayName, "display", "", "Display name placed in From")
	flag.IntVar(&cfg.Port, "port", 5060, "Local SIP listening port")
	flag.StringVar(&cfg.BindAddr, "bind", "0.0.0.0", "SIP bind address")
	flag.StringVar(&cfg.AdvertiseAddr, "advertise", "", "Address to advertise in SIP headers (auto-detected if not set)")
	flag.BoolVar(&cfg.Register, "register", false, "Maintain a REGISTER binding with the server")
	flag.DurationVar(&cfg.RingTimeout, "ring-timeout", 60*time.Second, "Give up on an unanswered call after this long")
	flag.DurationVar(&cfg.MaxDuration, "max-duration", 14*time.Minute, "Hard cap on call duration")

	flag.IntVar(&cfg.RTPPortMin, "rtp-min", 40000, "Lowest RTP port")
	flag.IntVar(&cfg.RTPPortMax, "rtp-max", 40200, "Highest RTP port")
	flag.StringVar(&cfg.PublicIPURL, "public-ip-url", "", "HTTP endpoint for public IP discovery (default api.ipify.org)")
	flag.StringVar(&cfg.StaticPublicIP, "public-ip", "", "Advertise this public IP instead of discovering it")

	flag.StringVar(&cfg.AIURL, "ai-url", "", "AI realtime session WebSocket URL")
	flag.StringVar(&cfg.AIModel, "ai-model", "", "AI model name")
	flag.StringVar(&cfg.SystemInstruction, "goal", "", "System instruction for the AI agent")

	flag.StringVar(&cfg.Destination, "dest", "", "Number or sip: URI to call")
	flag.StringVar(&cfg.CallerName, "caller", "", "Caller display name")
	flag.BoolVar(&cfg.DetectVoicemail, "detect-voicemail", false, "Hang up when an answering machine is detected")

	flag.StringVar(&cfg.LogLevel, "loglevel", "info", "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.LogFile, "logfile", "", "Also write debug logs to this file")

	flag.Parse()

	// Override with environment variables if set
	if server := os.Getenv("SIP_SERVER"); server != "" {
		cfg.Server = server
	}
	if user := os.Getenv("SIP_USER"); user != "" {
		cfg.Username = user
	}
	if pass := os.Getenv("SIP_PASS"); pass != "" {
		cfg.Password = pass
	}
	if port := os.Getenv("SIP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Port = p
		}
	}
	if bind := os.Getenv("BIND"); bind != "" {
		cfg.BindAddr = bind
	}
	if advertise := os.Getenv("ADVERTISE"); advertise != "" {
		cfg.AdvertiseAddr = advertise
	} else if cfg.AdvertiseAddr == "" {
		cfg.AdvertiseAddr = nat.LocalIP()
	}
	if key := os.Getenv("AI_API_KEY"); key != "" {
		cfg.AIKey = key
	}
	if url := os.Getenv("AI_URL"); url != "" {
		cfg.AIURL = url
	}
	if model := os.Getenv("AI_MODEL"); model != "" {
		cfg.AIModel = model
	}
	if loglevel := os.Getenv("LOGLEVEL"); loglevel != "" {
		cfg.LogLevel = loglevel
	}

	return cfg
}

// Validate checks that the settings required to place a call are present
func (c *Config) Validate() error {
	if c.Server == "" {
		return fmt.Errorf("SIP server is required (-server or SIP_SERVER)")
	}
	if c.Destination == "" {
		return fmt.Errorf("destination is required (-dest)")
	}
	if c.AIKey == "" {
		return fmt.Errorf("AI API key is required (AI_API_KEY)")
	}
	if c.RTPPortMin >= c.RTPPortMax {
		return fmt.Errorf("invalid RTP port range %d-%d", c.RTPPortMin, c.RTPPortMax)
	}
	return nil
}
