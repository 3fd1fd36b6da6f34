// Command agentctl-server wires the full runtime: the AgentRegistry and
// Supervisor, the binary ControlBus transport, the websocket attach
// transport, the LeaseManager, and a side Gin HTTP server for health and
// MCP discovery.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/opsloom/agentctl/internal/agentrt/controlbus"
	"github.com/opsloom/agentctl/internal/agentrt/registry"
	"github.com/opsloom/agentctl/internal/agentrt/runtime"
	"github.com/opsloom/agentctl/internal/agentrt/supervisor"
	"github.com/opsloom/agentctl/internal/attach/handler"
	"github.com/opsloom/agentctl/internal/attach/session"
	"github.com/opsloom/agentctl/internal/attach/tokenstore"
	"github.com/opsloom/agentctl/internal/events"
	"github.com/opsloom/agentctl/internal/lease"
	"github.com/opsloom/agentctl/internal/platform/config"
	"github.com/opsloom/agentctl/internal/platform/httpmw"
	"github.com/opsloom/agentctl/internal/platform/logger"
	"github.com/opsloom/agentctl/internal/platform/otelinit"
	"github.com/opsloom/agentctl/internal/transport/server"

	"github.com/gin-gonic/gin"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "agentctl-server:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logger.SetDefault(log)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eventBus, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		return fmt.Errorf("provide event bus: %w", err)
	}
	defer closeBus()

	runnerFactory := runtime.NewFactory(cfg.Docker, log)
	reg := registry.New(log, eventBus.Bus, runnerFactory, cfg.Registry.MaxConcurrentAgents, cfg.Registry.LingerWindow())

	sup := supervisor.New(reg, log, cfg.Registry.SupervisorPollInterval())
	reg.SetOnSpawn(sup.Watch)

	if cfg.Lease.Driver == "postgres" {
		return fmt.Errorf("lease.driver postgres is accepted by config validation but not yet implemented; set lease.driver to sqlite")
	}
	leaseMgr, err := lease.Open(cfg.Lease.SQLitePath, cfg.Lease.CleanupInterval(), eventBus.Bus, log)
	if err != nil {
		return fmt.Errorf("open lease store: %w", err)
	}
	defer leaseMgr.Close()
	go leaseMgr.Run()
	defer leaseMgr.Stop()

	tokens := tokenstore.New(cfg.Attach.TokenTTL(), cfg.Attach.CleanupInterval(), log)
	go tokens.Run()
	defer tokens.Stop()

	sessions := session.New(tokens, reg, eventBus.Bus, cfg.Attach.MaxSessionsPerAgent, log)

	bridge := controlbus.NewMCPBridge(log)
	registerLeaseTools(bridge, leaseMgr, cfg.Lease, log)

	bus := controlbus.New(reg, sessions, bridge, log)

	controlSrv := server.New(bus, eventBus.Bus, cfg.Control.RequestTimeout(), log)
	attachHandler := handler.New(reg, sessions, cfg.Attach.PingInterval(), cfg.Attach.PongGrace(), log)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		addr := fmt.Sprintf("%s:%d", cfg.Control.Host, cfg.Control.Port)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen control: %w", err)
		}
		log.Info("control transport listening", zap.String("addr", addr))
		return controlSrv.Serve(groupCtx, ln)
	})

	group.Go(func() error {
		return runAttachServer(groupCtx, cfg, attachHandler, log)
	})

	group.Go(func() error {
		return runOpsServer(groupCtx, cfg, reg, bus, bridge, log)
	})

	log.Info("agentctl-server started")
	err = group.Wait()
	log.Info("agentctl-server stopped")
	if err != nil && groupCtx.Err() != nil {
		return nil
	}
	return err
}

func runAttachServer(ctx context.Context, cfg *config.Config, h *handler.Handler, log *logger.Logger) error {
	addr := fmt.Sprintf("%s:%d", cfg.Attach.Host, cfg.Attach.Port)
	mux := http.NewServeMux()
	mux.Handle("/attach", h)

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		log.Info("attach transport listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runOpsServer(ctx context.Context, cfg *config.Config, reg *registry.Registry, bus *controlbus.ControlBus, bridge *controlbus.MCPBridge, log *logger.Logger) error {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(httpmw.RequestLogger(log, "ops"), httpmw.OtelTracing("ops"), gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		health := bus.HealthCheck()
		c.JSON(http.StatusOK, health)
	})
	r.GET("/agents", func(c *gin.Context) {
		c.JSON(http.StatusOK, reg.List("", 0))
	})
	r.GET("/mcp/sse", gin.WrapH(bridge.SSEServer().SSEHandler()))
	r.POST("/mcp/message", gin.WrapH(bridge.SSEServer().MessageHandler()))

	addr := fmt.Sprintf("%s:%d", cfg.Ops.Host, cfg.Ops.Port)
	srv := &http.Server{Addr: addr, Handler: r}
	errCh := make(chan error, 1)
	go func() {
		log.Info("ops server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// registerLeaseTools exposes acquire_lease/renew_lease/release_lease as MCP
// tools so agent-side file tool executors (spec §3 System Overview) can
// reach the LeaseManager the same way any other backend extension does.
func registerLeaseTools(bridge *controlbus.MCPBridge, leaseMgr *lease.Manager, cfg config.LeaseConfig, log *logger.Logger) {
	tracer := otelinit.Tracer("lease-tools")

	bridge.RegisterTool("acquire_lease", "Acquire an advisory file-path lease", nil,
		func(ctx context.Context, agentID string, params map[string]any) (any, error) {
			ctx, span := tracer.Start(ctx, "acquire_lease")
			defer span.End()

			filePath, _ := params["file_path"].(string)
			owner, _ := params["agent_id"].(string)
			if owner == "" {
				owner = agentID
			}
			ttl := cfg.DefaultTTL()
			if secs, ok := params["ttl_secs"].(float64); ok && secs > 0 {
				ttl = time.Duration(secs) * time.Second
			}
			blocking, _ := params["blocking"].(bool)
			timeoutMS, _ := params["timeout_ms"].(float64)

			result, err := leaseMgr.Acquire(ctx, lease.AcquireRequest{
				FilePath:    filePath,
				AgentID:     owner,
				TTL:         ttl,
				MaxRenewals: cfg.DefaultMaxRenewals,
				Blocking:    blocking,
				Timeout:     time.Duration(timeoutMS) * time.Millisecond,
			})
			if err != nil {
				return nil, err
			}
			return result, nil
		})

	bridge.RegisterTool("renew_lease", "Renew a held lease", nil,
		func(ctx context.Context, agentID string, params map[string]any) (any, error) {
			ctx, span := tracer.Start(ctx, "renew_lease")
			defer span.End()

			leaseID, _ := params["lease_id"].(string)
			owner, _ := params["agent_id"].(string)
			if owner == "" {
				owner = agentID
			}
			var newTTL time.Duration
			if secs, ok := params["ttl_secs"].(float64); ok && secs > 0 {
				newTTL = time.Duration(secs) * time.Second
			}
			return leaseMgr.Renew(ctx, leaseID, owner, newTTL)
		})

	bridge.RegisterTool("release_lease", "Release a held lease", nil,
		func(ctx context.Context, agentID string, params map[string]any) (any, error) {
			ctx, span := tracer.Start(ctx, "release_lease")
			defer span.End()

			leaseID, _ := params["lease_id"].(string)
			owner, _ := params["agent_id"].(string)
			if owner == "" {
				owner = agentID
			}
			if err := leaseMgr.Release(ctx, leaseID, owner); err != nil {
				return nil, err
			}
			return map[string]bool{"success": true}, nil
		})
}
