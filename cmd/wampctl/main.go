// Command wampctl runs a long-lived WAMP peer: it holds an ESTABLISHED
// session against a configured router, exposes it to a local debug HTTP
// endpoint, and reconnects the transport with backoff on connection loss.
// It can run in the foreground or be installed as an OS service.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/kardianos/service"

	"github.com/relaywamp/peer/internal/config"
	"github.com/relaywamp/peer/internal/debugserver"
	"github.com/relaywamp/peer/internal/transport"
	"github.com/relaywamp/peer/wamp"
)

// currentSession holds the peer's active Session, if any, for the debug
// server to read without a direct reference to runPeer's local state.
var currentSession atomic.Pointer[wamp.Session]

const (
	serviceName        = "WampctlPeer"
	serviceDisplayName = "wampctl WAMP peer"
	serviceDescription = "Holds a long-lived WAMP session against a configured router"
)

// peer implements kardianos/service.Interface for service-manager lifecycle.
type peer struct {
	cfg    *config.PeerConfig
	cancel context.CancelFunc
}

func (p *peer) Start(s service.Service) error {
	go p.run()
	return nil
}

func (p *peer) Stop(s service.Service) error {
	slog.Info("service stop requested")
	if p.cancel != nil {
		p.cancel()
	}
	return nil
}

func (p *peer) run() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	defer cancel()

	if err := runPeer(ctx, p.cfg); err != nil {
		slog.Error("peer exited with error", "error", err)
		os.Exit(1)
	}
}

func main() {
	var (
		configPath  = flag.String("config", "", "path to config file (default: "+config.DefaultConfigPath+")")
		doInstall   = flag.Bool("install", false, "install as an OS service")
		doUninstall = flag.Bool("uninstall", false, "uninstall the OS service")
		doRun       = flag.Bool("run", false, "run in foreground (non-service mode)")
		debugAddr   = flag.String("debug-addr", "", "address for the local debug introspection server, e.g. 127.0.0.1:9191 (disabled if empty)")
	)
	flag.Parse()

	initLogger("info")

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	initLogger(cfg.LogLevel)

	svcConfig := &service.Config{
		Name:        serviceName,
		DisplayName: serviceDisplayName,
		Description: serviceDescription,
		Arguments:   []string{"-run"},
	}

	p := &peer{cfg: cfg}
	svc, err := service.New(p, svcConfig)
	if err != nil {
		slog.Error("failed to create service", "error", err)
		os.Exit(1)
	}

	switch {
	case *doInstall:
		if err := svc.Install(); err != nil {
			slog.Error("failed to install service", "error", err)
			os.Exit(1)
		}
		fmt.Println("Service installed successfully:", serviceName)
		return

	case *doUninstall:
		if err := svc.Stop(); err != nil {
			slog.Warn("failed to stop service (may not be running)", "error", err)
		}
		if err := svc.Uninstall(); err != nil {
			slog.Error("failed to uninstall service", "error", err)
			os.Exit(1)
		}
		fmt.Println("Service uninstalled successfully:", serviceName)
		return

	case *doRun:
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		if *debugAddr != "" {
			go serveDebug(ctx, *debugAddr)
		}

		slog.Info("starting peer in foreground mode")
		if err := runPeer(ctx, cfg); err != nil {
			slog.Error("peer exited with error", "error", err)
			os.Exit(1)
		}
		return

	default:
		if service.Interactive() {
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			if *debugAddr != "" {
				go serveDebug(ctx, *debugAddr)
			}

			fmt.Println("wampctl is running. Press Ctrl+C to stop.")
			if err := runPeer(ctx, cfg); err != nil {
				slog.Error("peer exited with error", "error", err)
				os.Exit(1)
			}
		} else {
			if err := svc.Run(); err != nil {
				slog.Error("service run failed", "error", err)
				os.Exit(1)
			}
		}
	}
}

// runPeer holds a session open against the configured router until ctx is
// canceled, reconnecting the transport with backoff whenever the
// connection is lost. Each reconnect establishes a fresh Session: there is
// no persistent session resumption across a transport failure.
func runPeer(ctx context.Context, cfg *config.PeerConfig) error {
	transportCfg := transport.Config{
		Host:              cfg.Host,
		Port:              cfg.Port,
		Location:          "ws",
		Subprotocol:       "wamp.2.json",
		UseTLS:            cfg.UseTLS,
		CACertificatePath: cfg.CACertificatePath,
		DialTimeout:       10 * time.Second,
	}
	if cfg.SSLVersion == "1.3" {
		transportCfg.MinTLSVersion = tls.VersionTLS13
	}
	backoffCfg := transport.BackoffConfig{}

	client := wamp.NewClient(wamp.DialTransportWithBackoff(transportCfg, backoffCfg, slog.Default()), wamp.ClientConfig{
		Realm:          cfg.Realm,
		Roles:          wamp.Details(cfg.RolesDetails()),
		OnChallenge:    onChallengeFor(cfg),
		CallTimeout:    time.Duration(cfg.CallTimeoutSeconds) * time.Second,
		GoodbyeTimeout: time.Duration(cfg.GoodbyeTimeoutSeconds) * time.Second,
		Logger:         slog.Default(),
	})

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		slog.Info("opening WAMP session", "host", cfg.Host, "port", cfg.Port, "realm", cfg.Realm)
		session, err := client.Open(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("failed to open session, retrying", "error", err)
			continue
		}

		slog.Info("WAMP session established", "session_id", session.SessionID())
		currentSession.Store(session)
		waitUntilClosedOrDone(ctx, session)
		currentSession.CompareAndSwap(session, nil)
		_ = session.Close(context.Background())

		if ctx.Err() != nil {
			return nil
		}
		slog.Warn("WAMP session lost, reconnecting")
	}
}

// waitUntilClosedOrDone blocks until ctx is canceled or the session leaves
// ESTABLISHED (a connection loss the dispatcher observed).
func waitUntilClosedOrDone(ctx context.Context, session *wamp.Session) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if session.State() != wamp.StateEstablished {
				return
			}
		}
	}
}

func onChallengeFor(cfg *config.PeerConfig) wamp.OnChallengeFunc {
	switch cfg.AuthMethod {
	case "wampcra":
		return wamp.CRAResponder(cfg.AuthSecret)
	case "ticket":
		return wamp.TicketResponder(cfg.AuthSecret)
	default:
		return nil
	}
}

func serveDebug(ctx context.Context, addr string) {
	srv := debugserver.New(addr, currentSession.Load, slog.Default())
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil {
		slog.Warn("debug server stopped", "error", err)
	}
}

// initLogger configures the global slog logger at the given level.
func initLogger(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: lvl,
	})
	slog.SetDefault(slog.New(handler))
}
