// Copyright 2025 James Ross
// Command pi-extensions hosts the embedded JS extension runtime: it loads
// the configured extensions, wires the capability policy engine, audit
// ledger, hostcall dispatcher and connectors, and serves the read-only
// admin/introspection API alongside metrics and health endpoints.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/flyingrobots/pi-extensions/internal/adminapi"
	"github.com/flyingrobots/pi-extensions/internal/audit"
	"github.com/flyingrobots/pi-extensions/internal/config"
	"github.com/flyingrobots/pi-extensions/internal/connector"
	"github.com/flyingrobots/pi-extensions/internal/dispatcher"
	"github.com/flyingrobots/pi-extensions/internal/extmanager"
	"github.com/flyingrobots/pi-extensions/internal/hostiface"
	"github.com/flyingrobots/pi-extensions/internal/jsruntime"
	"github.com/flyingrobots/pi-extensions/internal/obs"
	"github.com/flyingrobots/pi-extensions/internal/permissionstore"
	"github.com/flyingrobots/pi-extensions/internal/policy"
	"github.com/flyingrobots/pi-extensions/internal/region"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	var configPath string
	var showVersion bool

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to application YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse flags: %v\n", err)
		os.Exit(2)
	}
	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Fatal("failed to init tracing", obs.Err(err))
	}

	ledger, mirror, err := openLedger(cfg, logger)
	if err != nil {
		logger.Fatal("failed to open audit ledger", obs.Err(err))
	}
	defer func() {
		_ = ledger.Close()
		if mirror != nil {
			_ = mirror.Close()
		}
	}()

	permStore, err := permissionstore.Open(cfg.PermissionStore.Path)
	if err != nil {
		logger.Fatal("failed to open permission store", obs.Err(err))
	}

	ui := &denyingUIChannel{logger: logger}
	session := newMemorySession()
	extManager := extmanager.New(ledger, logger)

	policyEngine := policy.New(cfg.Policy, permStore, ui.PromptPolicy, logger)

	registry := connector.NewRegistry(
		&connector.ToolConnector{Registry: extManager},
		&connector.ExecConnector{},
		&connector.HTTPConnector{},
		&connector.SessionConnector{Session: session},
		&connector.UIConnector{UI: ui},
		&connector.EventsConnector{Registry: extManager, Policy: policyEngine},
		&connector.LogConnector{Ledger: ledger},
	)

	disp := dispatcher.New(policyEngine, registry, ledger, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel, logger)

	metricsSrv := obs.StartHTTPServer(cfg, nil)
	defer func() { _ = metricsSrv.Shutdown(ctx) }()

	var adminSrv *adminapi.Server
	if cfg.AdminAPI.Enabled {
		adminCfg := adminapi.DefaultConfig()
		adminCfg.ListenAddr = fmt.Sprintf(":%d", cfg.AdminAPI.Port)
		adminSrv = adminapi.NewServer(adminCfg, extManager, cfg.Audit.LogPath, permStore, logger)
		go func() {
			if err := adminSrv.Start(); err != nil {
				logger.Error("admin API server stopped", obs.Err(err))
			}
		}()
	}

	runtimes, regions := loadExtensions(cfg, disp, extManager, ledger, logger)

	logger.Info("pi-extensions started",
		obs.String("mode", string(cfg.Policy.Mode)),
		obs.Int("extensions_loaded", len(runtimes)))

	<-ctx.Done()
	logger.Info("shutting down")

	for _, rt := range runtimes {
		rt.Stop()
	}
	for _, r := range regions {
		_ = r.Close()
	}
	if adminSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = adminSrv.Shutdown(shutdownCtx)
		shutdownCancel()
	}
	if tp != nil {
		_ = obs.TracerShutdown(context.Background(), tp)
	}
}

func openLedger(cfg *config.Config, logger *zap.Logger) (*audit.Ledger, *audit.NATSMirror, error) {
	var mirror *audit.NATSMirror
	var err error
	if cfg.Audit.NATSURL != "" {
		mirror, err = audit.NewNATSMirror(cfg.Audit.NATSURL, cfg.Audit.NATSSubj, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("audit nats mirror: %w", err)
		}
	}
	ledger, err := audit.Open(audit.Config{
		LogPath:    cfg.Audit.LogPath,
		RotateMB:   cfg.Audit.RotateMB,
		MaxBackups: cfg.Audit.MaxBackups,
		Compress:   cfg.Audit.Compress,
	}, mirror)
	if err != nil {
		return nil, nil, err
	}
	return ledger, mirror, nil
}

// loadExtensions starts one Runtime per configured extension, attaches it
// to the Extension Manager, and wraps it in a Region bounding cleanup on
// shutdown. A script load failure is logged and that extension is skipped
// rather than aborting the whole process.
func loadExtensions(cfg *config.Config, disp *dispatcher.Dispatcher, extManager *extmanager.Manager, ledger *audit.Ledger, logger *zap.Logger) ([]*jsruntime.Runtime, []*region.Region) {
	var runtimes []*jsruntime.Runtime
	var regions []*region.Region

	for _, ext := range cfg.Extensions {
		rt := jsruntime.New(ext.ID, disp, nil, cfg.Runtime.NodeModulesEnabled, cfg.Policy.MaxMemoryMB, logger)
		rt.Start()

		reg := region.New(ext.ID, cfg.Region.CleanupBudget, func() error {
			rt.Stop()
			extManager.Detach(ext.ID)
			return nil
		}, ledger, logger)
		rt.SetBudget(reg)

		code, err := os.ReadFile(ext.EntryPath)
		if err != nil {
			logger.Error("failed to read extension entry script", obs.String("extension_id", ext.ID), obs.Err(err))
			_ = reg.Close()
			continue
		}
		if err := rt.LoadScript(string(code)); err != nil {
			logger.Error("extension script failed to load", obs.String("extension_id", ext.ID), obs.Err(err))
			_ = reg.Close()
			continue
		}

		extManager.Attach(ext.ID, rt)
		runtimes = append(runtimes, rt)
		regions = append(regions, reg)
	}

	return runtimes, regions
}

func handleSignals(cancel context.CancelFunc, logger *zap.Logger) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
	cancel()

	select {
	case sig2 := <-sigCh:
		logger.Warn("second signal received, forcing exit", obs.String("signal", sig2.String()))
		os.Exit(1)
	case <-time.After(5 * time.Second):
	}
}

// denyingUIChannel is the minimal hostiface.UiChannel implementation this
// standalone binary provides: it logs render requests and resolves every
// prompt to denied, since no real interactive surface is attached. An
// embedding host replaces this with its own UiChannel.
type denyingUIChannel struct {
	logger *zap.Logger
}

func (u *denyingUIChannel) Render(ctx context.Context, extensionID string, payload json.RawMessage) error {
	u.logger.Info("extension render request", obs.String("extension_id", extensionID))
	return nil
}

func (u *denyingUIChannel) Prompt(ctx context.Context, extensionID, message string) (bool, error) {
	u.logger.Warn("capability prompt auto-denied: no interactive UI attached",
		obs.String("extension_id", extensionID))
	return false, nil
}

func (u *denyingUIChannel) PromptPolicy(check policy.Check) policy.PromptAnswer {
	_, _ = u.Prompt(context.Background(), check.ExtensionID, "")
	return policy.DenyOnce
}

// memorySession is the minimal hostiface.Session implementation this
// standalone binary provides: per-process, non-persistent session state.
type memorySession struct {
	mu       sync.RWMutex
	state    hostiface.SessionState
	messages []hostiface.Message
}

func newMemorySession() *memorySession {
	return &memorySession{}
}

func (s *memorySession) GetState(ctx context.Context) (hostiface.SessionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state, nil
}

func (s *memorySession) GetMessages(ctx context.Context) ([]hostiface.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]hostiface.Message, len(s.messages))
	copy(out, s.messages)
	return out, nil
}

func (s *memorySession) AppendMessage(ctx context.Context, msg hostiface.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	return nil
}

func (s *memorySession) SetName(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Name = name
	return nil
}

func (s *memorySession) SetLabel(ctx context.Context, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Label = label
	return nil
}

func (s *memorySession) SetModel(ctx context.Context, model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Model = model
	return nil
}

func (s *memorySession) GetModel(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Model, nil
}

func (s *memorySession) SetThinkingLevel(ctx context.Context, level string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.ThinkingLevel = level
	return nil
}

func (s *memorySession) GetThinkingLevel(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.ThinkingLevel, nil
}

var _ hostiface.Session = (*memorySession)(nil)
var _ hostiface.UiChannel = (*denyingUIChannel)(nil)
