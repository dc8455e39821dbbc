// Command server runs the sandkasten orchestration server.
//
// Configuration is loaded from a YAML file (-config flag,
// SANDKASTEN_CONFIG env, ./config.yaml, /etc/sandkasten/config.yaml)
// with SANDKASTEN_* environment overrides. See pkg/config.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	ctrlclient "sigs.k8s.io/controller-runtime/pkg/client"
	ctrlconfig "sigs.k8s.io/controller-runtime/pkg/client/config"

	"github.com/sandkasten-dev/sandkasten/pkg/auth"
	"github.com/sandkasten-dev/sandkasten/pkg/auth/apikey"
	"github.com/sandkasten-dev/sandkasten/pkg/auth/jwt"
	authnoop "github.com/sandkasten-dev/sandkasten/pkg/auth/noop"
	"github.com/sandkasten-dev/sandkasten/pkg/config"
	"github.com/sandkasten-dev/sandkasten/pkg/debug"
	"github.com/sandkasten-dev/sandkasten/pkg/manager"
	"github.com/sandkasten-dev/sandkasten/pkg/registry"
	"github.com/sandkasten-dev/sandkasten/pkg/sandbox"
	"github.com/sandkasten-dev/sandkasten/pkg/sandbox/cloud"
	"github.com/sandkasten-dev/sandkasten/pkg/sandbox/container"
	"github.com/sandkasten-dev/sandkasten/pkg/sandbox/kubernetes"
	"github.com/sandkasten-dev/sandkasten/pkg/sandbox/noop"
	"github.com/sandkasten-dev/sandkasten/pkg/storage"
	"github.com/sandkasten-dev/sandkasten/pkg/storage/local"
	"github.com/sandkasten-dev/sandkasten/pkg/storage/memory"
	"github.com/sandkasten-dev/sandkasten/pkg/storage/postgres"
	"github.com/sandkasten-dev/sandkasten/pkg/transport"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	debug.Init("", "")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("building artifact store: %w", err)
	}
	defer store.Close()

	reg, err := buildRegistry(cfg)
	if err != nil {
		return fmt.Errorf("building type registry: %w", err)
	}

	mgr := manager.New(reg, manager.Options{
		Store:          store,
		ReaperInterval: cfg.Manager.ReaperInterval,
	})
	mgr.Start()

	chain, limiter, err := buildAuth(cfg)
	if err != nil {
		return fmt.Errorf("building auth chain: %w", err)
	}

	srv := transport.NewServer(mgr,
		transport.WithAddr(cfg.Server.Addr),
		transport.WithMaxBodySize(cfg.Server.MaxBodySize),
		transport.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
		transport.WithMiddleware(auth.Middleware(chain, limiter, auth.DefaultBypassEndpoints)),
	)

	mux := http.NewServeMux()
	mux.Handle("/", srv.Handler())
	if cfg.Observability.Metrics.Enabled {
		mux.Handle("GET "+cfg.Observability.Metrics.Path, promhttp.Handler())
	}

	httpSrv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting",
			"addr", cfg.Server.Addr,
			"types", reg.Len(),
			"storage", cfg.Storage.Type,
			"auth", cfg.Auth.Type,
		)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down gracefully")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	mgr.Stop(shutdownCtx)
	return nil
}

// buildStore constructs the configured artifact store.
func buildStore(ctx context.Context, cfg *config.Config) (storage.ArtifactStore, error) {
	switch cfg.Storage.Type {
	case "memory":
		return memory.New(), nil
	case "local":
		return local.New(cfg.Storage.Local.Dir)
	case "postgres":
		return postgres.New(ctx, postgres.Config{
			DSN:            cfg.Storage.Postgres.DSN,
			MaxConns:       cfg.Storage.Postgres.MaxConns,
			MigrateOnStart: true,
		})
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
	}
}

// buildRegistry registers every configured sandbox type with the
// factory its backend selects.
func buildRegistry(cfg *config.Config) (*registry.Registry, error) {
	reg := registry.New()

	// The kubernetes client is shared across kubernetes-backed types
	// and built lazily so other backends run without a kubeconfig.
	var k8sClient ctrlclient.Client

	for _, t := range cfg.Types {
		tools := t.Descriptors()

		var factory sandbox.Factory
		switch t.Backend {
		case "noop":
			factory = noop.Factory(tools...)
		case "container":
			factory = container.Factory(container.Options{
				Tools:         tools,
				Token:         t.Container.Token,
				WorkspaceRoot: t.Container.WorkspaceRoot,
			})
		case "cloud":
			factory = cloud.Factory(cloud.Options{
				BaseURL: t.Cloud.BaseURL,
				APIKey:  t.Cloud.APIKey,
				Tools:   tools,
			})
		case "kubernetes":
			if k8sClient == nil {
				var err error
				k8sClient, err = newKubernetesClient()
				if err != nil {
					return nil, fmt.Errorf("type %q: %w", t.TypeID, err)
				}
			}
			factory = kubernetes.Factory(kubernetes.Options{
				Client:    k8sClient,
				Namespace: t.Kubernetes.Namespace,
				Tools:     tools,
				Token:     t.Kubernetes.Token,
			})
		default:
			return nil, fmt.Errorf("type %q: unknown backend %q", t.TypeID, t.Backend)
		}

		if err := reg.Register(t.Meta(), factory); err != nil {
			return nil, err
		}
	}

	return reg, nil
}

func newKubernetesClient() (ctrlclient.Client, error) {
	restCfg, err := ctrlconfig.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("loading kubeconfig: %w", err)
	}
	scheme, err := kubernetes.NewScheme()
	if err != nil {
		return nil, err
	}
	return ctrlclient.New(restCfg, ctrlclient.Options{Scheme: scheme})
}

// buildAuth assembles the authenticator chain and rate limiter from
// configuration. auth.type=none accepts everything; apikey and jwt
// reject requests no authenticator votes Yes on.
func buildAuth(cfg *config.Config) (*auth.AuthChain, auth.RateLimiter, error) {
	limiter := auth.NewInProcessLimiter(map[string]auth.TierConfig{
		"premium": {RequestsPerMinute: 600},
		"default": {RequestsPerMinute: 120},
	}, 120)

	switch cfg.Auth.Type {
	case "none":
		return &auth.AuthChain{
			Authenticators:  []auth.Authenticator{authnoop.New("")},
			DefaultDecision: auth.Yes,
		}, nil, nil

	case "apikey":
		entries := make([]apikey.RawKeyEntry, 0, len(cfg.Auth.APIKeys))
		for _, k := range cfg.Auth.APIKeys {
			entries = append(entries, apikey.RawKeyEntry{
				Key: k.Key,
				Identity: auth.Identity{
					Subject:     k.Subject,
					ServiceTier: k.ServiceTier,
				},
			})
		}
		return &auth.AuthChain{
			Authenticators:  []auth.Authenticator{apikey.New(entries)},
			DefaultDecision: auth.No,
		}, limiter, nil

	case "jwt":
		authn := jwt.New(jwt.Config{
			Issuer:      cfg.Auth.JWT.Issuer,
			Audience:    cfg.Auth.JWT.Audience,
			JWKSURL:     cfg.Auth.JWT.JWKSURL,
			UserClaim:   cfg.Auth.JWT.UserClaim,
			TierClaim:   cfg.Auth.JWT.TierClaim,
			ScopesClaim: cfg.Auth.JWT.ScopesClaim,
			CacheTTL:    time.Hour,
		})
		return &auth.AuthChain{
			Authenticators:  []auth.Authenticator{authn},
			DefaultDecision: auth.No,
		}, limiter, nil

	default:
		return nil, nil, fmt.Errorf("unknown auth type %q", cfg.Auth.Type)
	}
}
