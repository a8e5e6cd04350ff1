package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"connectd/core"
	"connectd/core/providers"
	"connectd/logger"
	"connectd/publish"
	"connectd/session"
	"connectd/storage"
)

type app struct {
	config *AppConfig
	repo   core.Repository
	close  func() error
}

func main() {
	var (
		configPath = getEnv("CONFIG_PATH", "config.yaml")
		a          = &app{}
	)

	root := &cobra.Command{
		Use:          "connectd",
		Short:        "OAuth2 account connection service",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			a.config = cfg
			logger.Init(cfg.Log)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.close != nil {
				a.close()
			}
			logger.Sync()
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", configPath, "path to the YAML config (env CONFIG_PATH)")

	root.AddCommand(
		a.serveCmd(),
		a.migrateCmd(),
		a.tokensCmd(),
		a.ownersCmd(),
		a.issueTokenCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func (a *app) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.config.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := a.openRepository(ctx); err != nil {
				return err
			}
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	cfg := a.config
	log := logger.L()

	if err := core.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	registry, tokens, err := a.lifecycle()
	if err != nil {
		return err
	}
	flow := core.NewFlow(&cfg.Core, registry, a.repo, tokens)

	sessions, err := initSessionStore(ctx, cfg.Session)
	if err != nil {
		return err
	}

	var publishOpts []publish.Option
	if cfg.Publish.Subreddit != "" {
		publishOpts = append(publishOpts, publish.WithSubreddit(cfg.Publish.Subreddit))
	}
	publisher := publish.NewService(tokens, &cfg.Core, publishOpts...)

	server := core.NewServer(flow, a.repo, sessions, &cfg.Core).WithPublisher(publisher)
	server.SessionTTL = cfg.Session.TTL
	server.SecureCookies = cfg.Session.Secure

	router := chi.NewRouter()
	router.Mount(strings.TrimRight(cfg.BasePath, "/"), server.Routes())
	router.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info("starting connectd",
		zap.String("port", cfg.Port),
		zap.String("base_path", cfg.BasePath),
		zap.Any("providers", registry.Configured()),
		zap.String("db", cfg.DB.Type),
		zap.String("sessions", cfg.Session.Type),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (a *app) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.openRepository(ctx); err != nil {
				return err
			}
			m, ok := a.repo.(interface{ Migrate(context.Context) error })
			if !ok {
				logger.L().Info("schema is applied on open", zap.String("db", a.config.DB.Type))
				return nil
			}
			if err := m.Migrate(ctx); err != nil {
				return err
			}
			logger.L().Info("migrations applied", zap.String("db", a.config.DB.Type))
			return nil
		},
	}
}

func (a *app) tokensCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "Inspect and manage stored connections",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := cmd.Root().PersistentPreRunE(cmd, args); err != nil {
				return err
			}
			return a.openRepository(cmd.Context())
		},
	}

	var listOwner string
	list := &cobra.Command{
		Use:   "list",
		Short: "List connections, optionally for one owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var (
				tokens []*core.OAuthToken
				err    error
			)
			if listOwner != "" {
				owner, perr := uuid.Parse(listOwner)
				if perr != nil {
					return fmt.Errorf("invalid owner id: %w", perr)
				}
				tokens, err = a.repo.ListTokensByOwner(ctx, owner)
			} else {
				tokens, err = a.repo.ListTokens(ctx)
			}
			if err != nil {
				return err
			}
			for _, t := range tokens {
				expires := "never"
				if t.ExpiresAt != nil {
					expires = t.ExpiresAt.Format(time.RFC3339)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\texpires=%s\n", t.Slug, t.Provider, t.OwnerID, t.Username(), expires)
			}
			return nil
		},
	}
	list.Flags().StringVar(&listOwner, "owner", "", "owner uuid")

	check := &cobra.Command{
		Use:   "check <slug>",
		Short: "Return a valid access token, refreshing it if expired",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			token, err := a.repo.FindTokenBySlug(ctx, args[0])
			if err != nil {
				return err
			}
			_, tokens, err := a.lifecycle()
			if err != nil {
				return err
			}
			if _, err := tokens.GetValidAccessToken(ctx, token); err != nil {
				return err
			}
			out, _ := json.MarshalIndent(map[string]any{
				"slug":       token.Slug,
				"provider":   token.Provider,
				"expires_at": token.ExpiresAt,
				"updated_at": token.UpdatedAt,
			}, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}

	var revokeOwner string
	revoke := &cobra.Command{
		Use:   "revoke <slug>",
		Short: "Delete a connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := uuid.Parse(revokeOwner)
			if err != nil {
				return fmt.Errorf("invalid owner id: %w", err)
			}
			if err := a.repo.DeleteToken(cmd.Context(), args[0], owner); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "revoked")
			return nil
		},
	}
	revoke.Flags().StringVar(&revokeOwner, "owner", "", "owner uuid")
	revoke.MarkFlagRequired("owner")

	cmd.AddCommand(list, check, revoke)
	return cmd
}

func (a *app) ownersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "owners",
		Short: "Manage local owners",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "delete <owner-uuid>",
		Short: "Delete an owner and all of their connections",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid owner id: %w", err)
			}
			if err := a.openRepository(cmd.Context()); err != nil {
				return err
			}
			if err := a.repo.DeleteOwner(cmd.Context(), owner); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "deleted")
			return nil
		},
	})
	return cmd
}

func (a *app) issueTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "issue-token <owner-uuid>",
		Short: "Sign an owner token for local testing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid owner id: %w", err)
			}
			if a.config.Core.JWT.Secret == "" {
				return errors.New("jwt.secret is required")
			}
			token, err := core.GenerateOwnerToken(owner, a.config.Core.JWT)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
}

func (a *app) lifecycle() (*providers.Registry, *core.TokenManager, error) {
	registry, err := providers.NewRegistry(&a.config.Core)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize providers: %w", err)
	}
	return registry, core.NewTokenManager(registry, a.repo), nil
}

func (a *app) openRepository(ctx context.Context) error {
	if a.repo != nil {
		return nil
	}
	repo, closeFn, err := initRepository(ctx, a.config.DB)
	if err != nil {
		return err
	}
	a.repo = repo
	a.close = closeFn
	return nil
}

func initRepository(ctx context.Context, dbConfig DBConfig) (core.Repository, func() error, error) {
	log := logger.L()

	switch strings.ToLower(dbConfig.Type) {
	case "sqlite":
		repo, err := storage.NewSQLiteRepository(dbConfig.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize SQLite repository: %w", err)
		}
		log.Info("using SQLite database", zap.String("path", dbConfig.SQLitePath))
		return repo, repo.Close, nil

	case "postgres":
		repo, err := storage.NewPostgresRepository(ctx, dbConfig.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize Postgres repository: %w", err)
		}
		log.Info("using Postgres database")
		return repo, repo.Close, nil

	case "ydb":
		repo, err := storage.NewYDBRepository(ctx, storage.YDBConfig{
			DSN:                   dbConfig.YDBDSN,
			ServiceAccountKeyFile: dbConfig.YDBSAKeyFile,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize YDB repository: %w", err)
		}
		log.Info("using YDB database")
		return repo, repo.Close, nil

	case "memory":
		log.Info("using in-memory repository")
		return storage.NewMemoryRepository(), func() error { return nil }, nil

	default:
		return nil, nil, fmt.Errorf("unsupported DB type: %s (supported: sqlite, postgres, ydb, memory)", dbConfig.Type)
	}
}

func initSessionStore(ctx context.Context, cfg SessionConfig) (core.SessionStore, error) {
	switch cfg.Type {
	case "redis":
		store, err := session.NewRedis(ctx, session.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize redis sessions: %w", err)
		}
		return store, nil
	default:
		return session.NewMemory(cfg.TTL), nil
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
