// Command voicerec is the voice receive worker. It is spawned by the parent
// bot process once per recording session.
//
// Usage:
//
//	voicerec [-config file] [-listen addr] <remote-media-addr> <local-control-addr> <speaker-map-json...>
//
// The worker binds one UDP socket, waits for the parent to hand in the
// recording sink from the control address, records until a STOP command or
// signal, and writes the sink back to stdout as a single JSON line. All
// logging goes to stderr.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voicerec/internal/config"
	"github.com/MrWong99/voicerec/internal/dispatch"
	"github.com/MrWong99/voicerec/internal/handoff"
	"github.com/MrWong99/voicerec/internal/health"
	"github.com/MrWong99/voicerec/internal/observe"
	"github.com/MrWong99/voicerec/internal/session"
	"github.com/MrWong99/voicerec/internal/timeline"
	"github.com/MrWong99/voicerec/pkg/audio/discord"
	"github.com/MrWong99/voicerec/pkg/sink"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

// invocation holds the positional parameters passed by the parent.
type invocation struct {
	remote   netip.AddrPort
	control  netip.AddrPort
	speakers map[uint32]session.Speaker
}

func run(args []string, stdout io.Writer) int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	fs := flag.NewFlagSet("voicerec", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	configPath := fs.String("config", "", "path to an optional YAML configuration file")
	listenAddr := fs.String("listen", "0.0.0.0:0", "local UDP address to bind")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "usage: voicerec [-config file] [-listen addr] <remote-media-addr> <local-control-addr> <speaker-map-json...>")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 1
	}

	inv, err := parseInvocation(fs.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "voicerec: %v\n", err)
		fs.Usage()
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg := config.Default()
	if *configPath != "" {
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "voicerec: %v\n", err)
			return 1
		}
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(newLogger(cfg.Server.LogLevel))

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	provider, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(provider.Meter)
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Socket and decoder ────────────────────────────────────────────────────
	conn, err := net.ListenPacket("udp", *listenAddr)
	if err != nil {
		slog.Error("failed to bind UDP socket", "listen", *listenAddr, "err", err)
		return 1
	}
	defer conn.Close()

	key, err := cfg.Decode.Key()
	if err != nil {
		slog.Error("invalid decode key", "err", err)
		return 1
	}
	decoder, err := discord.NewManager(discord.Config{
		Mode:       cfg.Decode.Mode,
		SecretKey:  key,
		SampleRate: cfg.Audio.SampleRate,
		Channels:   cfg.Audio.Channels,
		QueueSize:  cfg.Receiver.DecodeQueue,
		Metrics:    metrics,
	})
	if err != nil {
		slog.Error("failed to create decoder", "err", err)
		return 1
	}

	slog.Info("voicerec starting",
		"local", conn.LocalAddr().String(),
		"remote", inv.remote.String(),
		"control", inv.control.String(),
		"speakers", len(inv.speakers),
		"mode", cfg.Decode.Mode,
		"log_level", cfg.Server.LogLevel,
	)

	var hs handoff.Session
	serveCtx, stopServe := context.WithCancel(ctx)
	defer stopServe()

	g, gctx := errgroup.WithContext(serveCtx)
	if cfg.Server.MetricsAddr != "" {
		g.Go(func() error {
			// Losing the ops endpoint must not abort the recording.
			if err := serveOps(gctx, cfg.Server.MetricsAddr, provider.Handler, metrics, &hs, decoder); err != nil {
				slog.Error("ops endpoint failed", "err", err)
			}
			return nil
		})
	}

	status := 0
	g.Go(func() error {
		defer stopServe()
		if err := record(ctx, cfg, inv, conn, &hs, decoder, metrics); err != nil {
			slog.Error("recording failed", "err", err)
			status = 1
			return nil
		}
		if err := hs.Emit(stdout); err != nil {
			slog.Error("handoff failed", "err", err)
			status = 1
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("worker error", "err", err)
		return 1
	}
	if status == 0 {
		slog.Info("goodbye")
	}
	return status
}

// record waits for the sink, then runs the dispatch loop to completion.
// It returns an error only when no sink was received.
func record(ctx context.Context, cfg *config.Config, inv invocation, conn net.PacketConn, hs *handoff.Session, decoder *discord.Manager, metrics *observe.Metrics) error {
	sk, err := hs.Await(ctx, conn, inv.control, sink.DefaultRegistry(), cfg.Receiver.PollInterval)
	if err != nil {
		return err
	}

	ctx, span := observe.StartSessionSpan(ctx, inv.remote.String(), inv.control.String())
	defer span.End()
	log := observe.Logger(ctx)

	// The decoder must outlive a cancelled ctx so queued packets drain.
	decoder.Start(context.WithoutCancel(ctx))

	st := session.New(inv.speakers)
	rec := timeline.New(timeline.Config{
		SampleRate: cfg.Audio.SampleRate,
		Channels:   cfg.Audio.Channels,
		FrameSize:  cfg.Audio.FrameSize,
		MaxPending: cfg.Receiver.MaxPending,
		MaxGap:     int(cfg.Receiver.MaxGap.Seconds() * float64(cfg.Audio.SampleRate)),
	}, st, sk, timeline.WithMetrics(metrics), timeline.WithLogger(log))

	d, err := dispatch.New(dispatch.Config{
		Conn:         conn,
		Remote:       inv.remote,
		Control:      inv.control,
		PollInterval: cfg.Receiver.PollInterval,
		ReadBuffer:   cfg.Receiver.ReadBuffer,
		Metrics:      metrics,
		Logger:       log,
	}, st, decoder, rec)
	if err != nil {
		decoder.Stop()
		return err
	}
	if err := d.Run(ctx); err != nil {
		// The session still ends normally; the sink is handed back.
		log.Warn("receive loop ended on transport error", "err", err)
	}
	return nil
}

// serveOps serves /metrics, /healthz and /readyz until ctx is done.
func serveOps(ctx context.Context, addr string, metricsHandler http.Handler, m *observe.Metrics, hs *handoff.Session, decoder *discord.Manager) error {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metricsHandler)
	health.New(
		health.Flag("sink", hs.Received, "handoff not received"),
		health.Flag("decoder", decoder.Running, "decoder not running"),
	).Register(mux)

	srv := &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(m)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("ops endpoint listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ops server: %w", err)
	}
	return nil
}

// parseInvocation validates the positional arguments. The speaker map may
// arrive split across several arguments; they are joined with spaces.
func parseInvocation(args []string) (invocation, error) {
	if len(args) < 3 {
		return invocation{}, fmt.Errorf("expected 3 positional arguments, got %d", len(args))
	}
	remote, err := resolveUDP(args[0])
	if err != nil {
		return invocation{}, fmt.Errorf("remote address: %w", err)
	}
	control, err := resolveUDP(args[1])
	if err != nil {
		return invocation{}, fmt.Errorf("control address: %w", err)
	}
	speakers, err := session.ParseSpeakerMap([]byte(strings.Join(args[2:], " ")))
	if err != nil {
		return invocation{}, err
	}
	return invocation{remote: remote, control: control, speakers: speakers}, nil
}

// resolveUDP accepts "host:port" or "ip:port" and returns the unmapped form.
func resolveUDP(s string) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
	}
	ua, err := net.ResolveUDPAddr("udp", s)
	if err != nil {
		return netip.AddrPort{}, err
	}
	ap := ua.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
}

// newLogger returns a text logger on stderr. stdout carries the handoff.
func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
