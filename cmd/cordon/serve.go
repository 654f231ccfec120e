package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cordonlabs/cordon/pkg/api"
	"github.com/cordonlabs/cordon/pkg/config"
	"github.com/cordonlabs/cordon/pkg/health"
	"github.com/cordonlabs/cordon/pkg/ledger"
	"github.com/cordonlabs/cordon/pkg/log"
	"github.com/cordonlabs/cordon/pkg/orchestrator"
	"github.com/cordonlabs/cordon/pkg/policy"
	"github.com/cordonlabs/cordon/pkg/runtime"
	"github.com/cordonlabs/cordon/pkg/sandbox"
	"github.com/cordonlabs/cordon/pkg/types"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the executor service",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		initLogging(cfg)
		return serve(cmd.Context(), cfg)
	},
}

func initLogging(cfg *config.Config) {
	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
}

// app wires the executor's components together. Close order is the
// reverse of construction.
type app struct {
	cfg     *config.Config
	rt      *runtime.ContainerdRuntime
	led     *ledger.Ledger
	runner  sandbox.Runner
	fetcher *policy.Fetcher
	orch    *orchestrator.Orchestrator
}

func (a *app) close() {
	if a.rt != nil {
		a.rt.Close()
	}
	if a.led != nil {
		a.led.Close()
	}
}

// buildApp constructs the execution stack for the configured mode.
// sweep controls whether the orphan reclamation runs.
func buildApp(ctx context.Context, cfg *config.Config, sweep bool) (*app, error) {
	a := &app{cfg: cfg}

	if cfg.DefaultPolicyMode == config.PolicyModePermissive {
		log.Warn("permissive default policy configured; do not use in production")
	}

	if cfg.Mode() == types.ModeDirect {
		a.runner = sandbox.NewDirectRunner("", cfg.WorkDirRoot, 0)
	} else {
		rt, err := runtime.NewContainerdRuntime(cfg.ContainerdSocket)
		if err != nil {
			return nil, err
		}
		a.rt = rt

		if !rt.IsAvailable(ctx) {
			a.close()
			return nil, fmt.Errorf("%w: containerd not serving", types.ErrBackendUnavailable)
		}

		led, err := ledger.New(cfg.DataDir)
		if err != nil {
			a.close()
			return nil, err
		}
		a.led = led

		runner := sandbox.NewContainerRunner(rt, sandbox.Config{
			Image:         cfg.SandboxImage,
			WorkDirRoot:   cfg.WorkDirRoot,
			NetnsPath:     cfg.SandboxNetnsPath,
			MaxConcurrent: cfg.MaxConcurrentSandboxes,
			QueueDepth:    cfg.SandboxQueueDepth,
			QueueWait:     time.Duration(cfg.SandboxQueueWaitMs) * time.Millisecond,
		}, led)
		a.runner = runner

		if sweep {
			if _, err := runner.ReclaimOrphans(ctx); err != nil {
				log.Errorf("orphan reclamation failed", err)
			}
		}

		if err := rt.PullImage(ctx, cfg.SandboxImage); err != nil {
			a.close()
			return nil, err
		}
		if err := rt.VerifyImageInvariants(ctx, cfg.SandboxImage); err != nil {
			a.close()
			return nil, fmt.Errorf("sandbox image rejected: %w", err)
		}
	}

	if cfg.EnablePolicy {
		a.fetcher = policy.NewFetcher(policy.FetcherConfig{
			ServiceURL:    cfg.PolicyServiceURL,
			TTL:           cfg.PolicyCacheTTL(),
			DefaultPolicy: defaultPolicyFor(cfg),
		})
	}

	a.orch = orchestrator.New(cfg, a.runner, a.fetcher)
	return a, nil
}

func defaultPolicyFor(cfg *config.Config) func() *types.Policy {
	if cfg.DefaultPolicyMode == config.PolicyModePermissive {
		return policy.Permissive
	}
	return policy.DenyAll
}

// probeProxyPort verifies the configured proxy port is bindable, failing
// startup early rather than on the first proxied execution.
func probeProxyPort(port int) error {
	lis, err := net.Listen("tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("proxy port %d not bindable: %w", port, err)
	}
	return lis.Close()
}

func serve(ctx context.Context, cfg *config.Config) error {
	if cfg.Mode().Proxied() {
		if err := probeProxyPort(cfg.ProxyPort); err != nil {
			return err
		}
	}

	a, err := buildApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.close()

	checks := health.NewRegistry(&health.FuncChecker{
		CheckName: "backend",
		Probe: func(ctx context.Context) error {
			if !a.runner.IsAvailable(ctx) {
				return types.ErrBackendUnavailable
			}
			return nil
		},
	})
	if cfg.EnablePolicy {
		checks.Add(&health.HTTPChecker{
			CheckName: "policy-service",
			URL:       cfg.PolicyServiceURL + "/healthz",
		})
	}

	srv := api.NewServer(a.orch, checks)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(cfg.APIAddr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}
