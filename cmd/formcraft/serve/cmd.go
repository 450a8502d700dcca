// Package servecmd implements `formcraft serve`, the HTTP API.
package servecmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"formcraft/api/cmd/formcraft/shared"
	"formcraft/api/internal/app"
	"formcraft/api/internal/config"
	"formcraft/api/internal/email"
	"formcraft/api/internal/export"
	"formcraft/api/internal/gemini"
	"formcraft/api/internal/objectstore"
	"formcraft/api/internal/revisions"
	"formcraft/api/internal/search"
	"formcraft/api/internal/session"
	"formcraft/api/internal/store"
)

type Command struct {
	ctx *shared.Context
	cmd *cobra.Command
}

func New(ctx *shared.Context) *Command {
	c := &Command{ctx: ctx}
	c.cmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the API server",
		RunE:  c.run,
	}
	return c
}

func (c *Command) Cmd() *cobra.Command { return c.cmd }

func (c *Command) run(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, err := c.ctx.Config()
	if err != nil {
		return err
	}

	db, err := shared.OpenDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := os.MkdirAll(cfg.RevisionsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create revisions dir: %w", err)
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	searchService := search.NewService(meiliClient, search.NewPgSearch(db))
	defer searchService.Close()

	opts := []app.Option{
		app.WithRevisions(revisions.New(cfg.RevisionsDir)),
		app.WithSearch(searchService),
		app.WithCompleter(gemini.NewClient(cfg.GeminiAPIKey, cfg.GeminiModel, cfg.GeminiBaseURL)),
		app.WithPDFRenderer(export.ChromeRenderer{Timeout: 30 * time.Second}),
		app.WithMailer(email.NewService(email.Config{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			FromName: cfg.SMTPFromName,
		})),
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for refresh token storage")
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisStore.Close()
		opts = append(opts, app.WithSessionStore(redisStore))
	} else {
		log.Printf("Using PostgreSQL for refresh token storage")
	}

	objects, err := openObjectStore(ctx, cfg)
	if err != nil {
		log.Printf("WARNING: object storage disabled, exports are served inline: %v", err)
	} else if objects != nil {
		opts = append(opts, app.WithExportStorage(objects))
	}

	service := app.New(cfg, store.NewPostgresStore(db), opts...)
	if !service.SMTPConfigured() {
		log.Printf("SMTP not configured; verification and reset tokens are returned in responses")
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Formcraft API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	return nil
}

// openObjectStore returns nil without error when no endpoint is configured.
func openObjectStore(ctx context.Context, cfg config.Config) (*objectstore.Store, error) {
	if strings.TrimSpace(cfg.S3Endpoint) == "" {
		return nil, nil
	}
	objects, err := objectstore.New(objectstore.Options{
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		Bucket:    cfg.S3Bucket,
		UseSSL:    cfg.S3UseSSL,
	})
	if err != nil {
		return nil, err
	}
	ensureCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := objects.EnsureBucket(ensureCtx); err != nil {
		return nil, err
	}
	return objects, nil
}
