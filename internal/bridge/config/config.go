package config

import (
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sebas/streambridge/internal/bridge/sdputil"
)

// Config holds the stream bridge configuration
type Config struct {
	UDPPortMin         int
	UDPPortMax         int
	KeepaliveInterval  time.Duration
	StatusServiceURL   string
	KeepaliveURL       string
	VideoCodecPriority []sdputil.Codec
	Interface          string
	RTSPPort           int
	PLIWorkaround      bool
	LogLevel           string
}

// Load loads configuration from command line flags and environment variables
func Load() *Config {
	cfg := &Config{}

	var portRange, priority string
	var keepaliveSecs int

	flag.StringVar(&portRange, "udp-port-range", "4000-5000", "UDP port range for pipeline sockets (MIN-MAX)")
	flag.IntVar(&keepaliveSecs, "keepalive-interval", 5, "Registry keepalive interval in seconds")
	flag.StringVar(&cfg.StatusServiceURL, "status-url", "", "Stream registry service URL (empty disables registration)")
	flag.StringVar(&cfg.KeepaliveURL, "keepalive-url", "", "Keepalive service URL (empty disables keepalive)")
	flag.StringVar(&priority, "video-codec-priority", "", "Preferred video codecs, e.g. \"H264,VP8\"")
	flag.StringVar(&cfg.Interface, "interface", "localhost", "Hostname or IP advertised in RTSP URLs")
	flag.IntVar(&cfg.RTSPPort, "rtsp-port", 8554, "RTSP server port")
	flag.BoolVar(&cfg.PLIWorkaround, "pli-workaround", false, "Request keyframes periodically while a mountpoint has no player")
	flag.StringVar(&cfg.LogLevel, "loglevel", "debug", "Log level")

	flag.Parse()

	// Environment overrides
	if v := os.Getenv("UDP_PORT_RANGE"); v != "" {
		portRange = v
	}
	if v := os.Getenv("KEEPALIVE_INTERVAL"); v != "" {
		keepaliveSecs, _ = strconv.Atoi(v)
	}
	if v := os.Getenv("STATUS_URL"); v != "" {
		cfg.StatusServiceURL = v
	}
	if v := os.Getenv("KEEPALIVE_URL"); v != "" {
		cfg.KeepaliveURL = v
	}
	if v := os.Getenv("VIDEO_CODEC_PRIORITY"); v != "" {
		priority = v
	}
	if v := os.Getenv("INTERFACE"); v != "" {
		cfg.Interface = v
	}
	if v := os.Getenv("RTSP_PORT"); v != "" {
		cfg.RTSPPort, _ = strconv.Atoi(v)
	}
	if v := os.Getenv("PLI_WORKAROUND"); v != "" {
		cfg.PLIWorkaround = v == "true" || v == "1"
	}
	if v := os.Getenv("LOGLEVEL"); v != "" {
		cfg.LogLevel = v
	}

	cfg.UDPPortMin, cfg.UDPPortMax = ParsePortRange(portRange)
	if keepaliveSecs <= 0 {
		keepaliveSecs = 5
	}
	cfg.KeepaliveInterval = time.Duration(keepaliveSecs) * time.Second
	cfg.VideoCodecPriority = ParseCodecPriority(priority)

	return cfg
}

// ParsePortRange parses a "MIN-MAX" range, swapping reversed bounds and
// falling back to the full 4000-5000 default on malformed input.
func ParsePortRange(s string) (int, int) {
	parts := strings.SplitN(strings.TrimSpace(s), "-", 2)
	if len(parts) != 2 {
		return 4000, 5000
	}
	minPort, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	maxPort, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err1 != nil || err2 != nil || minPort < 1 || maxPort > 65535 {
		return 4000, 5000
	}
	if minPort > maxPort {
		minPort, maxPort = maxPort, minPort
	}
	return minPort, maxPort
}

// ParseCodecPriority parses a comma-separated codec list, dropping names
// that are not recognized video codecs.
func ParseCodecPriority(s string) []sdputil.Codec {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []sdputil.Codec
	for _, name := range strings.Split(s, ",") {
		c := sdputil.ParseCodec(name)
		if c == sdputil.CodecUnknown || c == sdputil.CodecOpus {
			continue
		}
		out = append(out, c)
	}
	return out
}
