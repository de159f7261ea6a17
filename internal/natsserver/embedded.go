package natsserver

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/nats-io/nats-server/v2/server"
)

const (
	serverName   = "loqa-relay"
	readyTimeout = 5 * time.Second
	// maxPayload fits the largest mirrored audio chunk after base64 expansion.
	maxPayload = 8 << 20
)

// EmbeddedServer is an in-process broker for the worker event mirror. Bus
// subscribers on the same host dial it instead of a standalone NATS.
type EmbeddedServer struct {
	ns  *server.Server
	log *slog.Logger
}

// Start runs the broker when the bus is enabled in embedded mode and returns
// nil otherwise. JetStream is only switched on when mirrored events are
// retained, since the live mirror is plain core NATS.
func Start(cfg config.BusConfig, log *slog.Logger) (*EmbeddedServer, error) {
	if !cfg.Enabled || !cfg.Embedded {
		return nil, nil
	}
	log = log.With(slog.String("component", "nats-embedded"))

	storeDir := cfg.StoreDir
	if storeDir == "" {
		storeDir = "./data/nats"
	}
	opts := &server.Options{
		ServerName: serverName,
		Host:       "0.0.0.0",
		Port:       cfg.Port,
		JetStream:  cfg.RetainMinutes > 0,
		StoreDir:   storeDir,
		MaxPayload: maxPayload,
		NoSigs:     true,
	}
	// The relay's own bus client dials with the same credentials.
	switch {
	case cfg.Username != "":
		opts.Username = cfg.Username
		opts.Password = cfg.Password
	case cfg.Token != "":
		opts.Authorization = cfg.Token
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}
	ns.SetLogger(&serverLogger{log: log}, false, false)

	go ns.Start()

	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server not ready after %s", readyTimeout)
	}

	log.Info("embedded NATS server started",
		slog.String("url", ns.ClientURL()),
		slog.Bool("jetstream", opts.JetStream),
		slog.String("store_dir", storeDir))

	return &EmbeddedServer{ns: ns, log: log}, nil
}

// ClientURL is the address the mirror client and local subscribers dial.
func (e *EmbeddedServer) ClientURL() string {
	return e.ns.ClientURL()
}

// Shutdown stops the broker after the bus client has drained.
func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.log.Info("shutting down embedded NATS server")
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}

// serverLogger routes broker notices into the relay's structured log.
type serverLogger struct {
	log *slog.Logger
}

func (l *serverLogger) Noticef(format string, v ...any) { l.log.Debug(fmt.Sprintf(format, v...)) }
func (l *serverLogger) Warnf(format string, v ...any)   { l.log.Warn(fmt.Sprintf(format, v...)) }
func (l *serverLogger) Fatalf(format string, v ...any)  { l.log.Error(fmt.Sprintf(format, v...)) }
func (l *serverLogger) Errorf(format string, v ...any)  { l.log.Error(fmt.Sprintf(format, v...)) }
func (l *serverLogger) Debugf(format string, v ...any)  { l.log.Debug(fmt.Sprintf(format, v...)) }
func (l *serverLogger) Tracef(format string, v ...any)  { l.log.Debug(fmt.Sprintf(format, v...)) }
