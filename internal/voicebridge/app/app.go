package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/sebas/voicebridge/internal/logger"
	"github.com/sebas/voicebridge/internal/voicebridge/agentsync"
	"github.com/sebas/voicebridge/internal/voicebridge/bridge"
	"github.com/sebas/voicebridge/internal/voicebridge/config"
	"github.com/sebas/voicebridge/internal/voicebridge/control"
	"github.com/sebas/voicebridge/internal/voicebridge/directory"
	"github.com/sebas/voicebridge/internal/voicebridge/health"
	"github.com/sebas/voicebridge/internal/voicebridge/metrics"
	"github.com/sebas/voicebridge/internal/voicebridge/pbx"
	"github.com/sebas/voicebridge/internal/voicebridge/portpool"
	"github.com/sebas/voicebridge/internal/voicebridge/session"
	"github.com/sebas/voicebridge/internal/voicebridge/voice"
)

// VoiceBridge owns every long-lived component of the service
type VoiceBridge struct {
	config    *config.Config
	metrics   *metrics.Collector
	directory directory.Directory
	calls     *portpool.Manager
	registry  *session.Registry
	bridge    *bridge.Bridge
	control   *control.Server
	syncer    *agentsync.Syncer
	health    *health.Server

	cancel context.CancelFunc
}

// NewServer wires the components. ctx bounds the database connection attempt.
func NewServer(ctx context.Context, cfg *config.Config) (*VoiceBridge, error) {
	m := metrics.New()

	dir, err := newDirectory(ctx, cfg)
	if err != nil {
		return nil, err
	}

	calls := portpool.NewManager(portpool.Config{
		BindAddr: cfg.AudioBindAddr,
		MinPort:  cfg.PortMin,
		MaxPort:  cfg.PortMax,
	})
	m.RegisterPortGauge(func() float64 { return float64(calls.Pool().Allocated()) })

	registry := session.NewRegistry(session.Config{
		InactivityTimeout: cfg.InactivityTimeout,
		StaleThreshold:    cfg.StaleThreshold,
		CallServers:       calls,
		Metrics:           m,
	})
	logger.SetForwarder(registry)

	client := voice.NewClient(voice.Config{
		APIKey:           cfg.APIKey,
		APIBase:          cfg.APIBase,
		DirectURL:        cfg.VoiceURL,
		OpenTimeout:      cfg.OpenTimeout,
		SignedURLTimeout: cfg.SignedURLTimeout,
	})

	br := bridge.New(bridge.Config{
		DefaultAgentID: cfg.DefaultAgentID,
		FrameSize:      cfg.FrameSize,
		FrameInterval:  cfg.FrameInterval,
	}, client, registry, calls, dir, m)
	calls.SetHandler(br)

	originator := pbx.NewAMIOriginator(pbx.AMIConfig{
		Host:            cfg.AMIHost,
		Port:            cfg.AMIPort,
		Username:        cfg.AMIUser,
		Secret:          cfg.AMIPass,
		ChannelTemplate: cfg.OriginateChannel,
		CallerID:        cfg.OriginateCallerID,
	})

	ctrl := control.NewServer(control.Config{
		Addr:              net.JoinHostPort(cfg.APIBindAddr, strconv.Itoa(cfg.APIPort)),
		AudioHost:         cfg.AudioHost,
		KeepAliveInterval: cfg.KeepAliveInterval,
	}, registry, calls, br, originator, dir, m)

	return &VoiceBridge{
		config:    cfg,
		metrics:   m,
		directory: dir,
		calls:     calls,
		registry:  registry,
		bridge:    br,
		control:   ctrl,
		syncer:    agentsync.New(dir, calls),
		health:    health.New(),
	}, nil
}

func newDirectory(ctx context.Context, cfg *config.Config) (directory.Directory, error) {
	if cfg.DatabaseURL != "" {
		if cfg.PersistentPorts != "" {
			slog.Warn("[App] DATABASE_URL is set, ignoring PERSISTENT_PORTS")
		}
		pg, err := directory.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open directory: %w", err)
		}
		return pg, nil
	}

	agents, err := directory.ParsePersistentPorts(cfg.PersistentPorts)
	if err != nil {
		return nil, err
	}
	return directory.NewStatic(agents...), nil
}

// Start brings up the control plane, the health endpoint and the background loops
func (v *VoiceBridge) Start(ctx context.Context) error {
	ctx, v.cancel = context.WithCancel(ctx)

	if err := v.control.Start(); err != nil {
		return err
	}
	if err := v.health.Start(net.JoinHostPort("", strconv.Itoa(v.config.HealthPort))); err != nil {
		return err
	}

	go v.registry.RunStaleSweep(ctx, v.config.StaleSweepInterval)
	go v.syncer.Run(ctx, v.config.AgentSyncInterval)

	v.health.SetServing(true)
	slog.Info("[App] Voice bridge started")
	return nil
}

// Shutdown stops accepting clients, ends every call and session, then stops
// the health endpoint
func (v *VoiceBridge) Shutdown(ctx context.Context) {
	v.health.SetServing(false)
	if v.cancel != nil {
		v.cancel()
	}

	if err := v.control.Stop(ctx); err != nil {
		slog.Warn("[App] Control server shutdown incomplete", "error", err)
	}

	timeout := 5 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	v.calls.CloseAll(timeout)
	v.registry.CloseAll()

	v.health.Stop()
	v.directory.Close()
	logger.SetForwarder(nil)
	slog.Info("[App] Voice bridge stopped")
}
