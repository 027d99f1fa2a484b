package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sebas/streambridge/internal/banner"
	"github.com/sebas/streambridge/internal/bridge/config"
	"github.com/sebas/streambridge/internal/bridge/plugin"
	"github.com/sebas/streambridge/internal/logger"
)

// loggingHost is a stand-in gateway for running the bridge standalone:
// relayed media and pushed events are logged instead of reaching a peer.
type loggingHost struct{}

func (loggingHost) RelayRTP(h *plugin.Handle, video bool, buf []byte) {
	slog.Debug("relay rtp", "handle", h.ID(), "video", video, "bytes", len(buf))
}

func (loggingHost) RelayRTCP(h *plugin.Handle, video bool, buf []byte) {
	slog.Debug("relay rtcp", "handle", h.ID(), "video", video, "bytes", len(buf))
}

func (loggingHost) PushEvent(h *plugin.Handle, transaction string, event, jsep []byte) error {
	slog.Info("event", "handle", h.ID(), "transaction", transaction,
		"event", string(event), "has_jsep", jsep != nil)
	return nil
}

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	logger.InitLogger(os.Stdout)
	logger.SetLevel(cfg.LogLevel)

	banner.Print("Stream Bridge", []banner.ConfigLine{
		{Label: "RTSP port", Value: fmt.Sprintf("%d", cfg.RTSPPort)},
		{Label: "Interface", Value: cfg.Interface},
		{Label: "UDP ports", Value: fmt.Sprintf("%d-%d", cfg.UDPPortMin, cfg.UDPPortMax)},
		{Label: "Keepalive", Value: cfg.KeepaliveInterval.String()},
		{Label: "Status URL", Value: orNone(cfg.StatusServiceURL)},
		{Label: "Keepalive URL", Value: orNone(cfg.KeepaliveURL)},
		{Label: "Log level", Value: logger.GetLevel()},
	})

	p := plugin.New(cfg, loggingHost{})
	if err := p.Init(); err != nil {
		slog.Error("Failed to start stream bridge", "error", err)
		os.Exit(1)
	}

	// Wait for signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("Received signal, shutting down", "signal", sig.String())

	// Graceful shutdown
	p.Destroy()
	slog.Info("Stream bridge stopped")
}

func orNone(s string) string {
	if s == "" {
		return "(disabled)"
	}
	return s
}
