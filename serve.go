package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/CrowderSoup/daily-todo/database"
	"github.com/CrowderSoup/daily-todo/handlers"
	"github.com/CrowderSoup/daily-todo/services"
	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/rs/cors"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var tokenCmd = &cobra.Command{
	Use:   "token <email>",
	Short: "Mint a session token for the command line client",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		auth := services.NewAuthService(cfg.Auth, cfg.SMTP, cfg.NewLogger(os.Stderr))
		token, err := auth.CreateJWT(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := cfg.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	policy, err := cfg.Policy()
	if err != nil {
		return err
	}

	db, err := database.InitDB(cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	store := database.NewTaskStore(db, logger)
	authService := services.NewAuthService(cfg.Auth, cfg.SMTP, logger)

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	hub := services.NewHub(store, logger)
	go hub.Run(hubCtx)

	scheduler, err := services.NewScheduler(store, policy, logger)
	if err != nil {
		return err
	}
	scheduler.Start()

	router := handlers.NewRouter(handlers.Routes{
		Auth:      handlers.NewAuthHandler(authService, logger),
		Tasks:     handlers.NewTaskHandler(store, logger),
		Socket:    handlers.NewSocketHandler(hub, logger),
		Protect:   handlers.NewAuthMiddleware(authService),
		StaticDir: cfg.Server.StaticDir,
	})

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      c.Handler(router),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ln, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", server.Addr, err)
	}

	go func() {
		logger.Info("Server starting", "port", cfg.Server.Port, "boundary", cfg.Rollover.Boundary, "timezone", policy.Location.String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", "error", err)
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.Server.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"http-server": func(ctx context.Context) error {
				logger.Info("Graceful shutdown initiated")
				return server.Shutdown(ctx)
			},
			"hub": func(ctx context.Context) error {
				stopHub()
				select {
				case <-hub.Done():
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			},
			"scheduler": scheduler.Stop,
		},
	)

	exitCode := <-wait
	logger.Info("Server exited", "code", exitCode)
	if exitCode != 0 {
		return fmt.Errorf("shutdown finished with code %d", exitCode)
	}
	return nil
}
