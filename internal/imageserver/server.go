// Package imageserver hosts reply images over plain HTTP so the
// platform can fetch them by public URL. One instance serves every
// account in the process.
package imageserver

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/clawdbot/qqgateway/internal/health"
	"github.com/clawdbot/qqgateway/internal/metrics"
)

const (
	// DefaultPort is what platform-side allowlists usually expect.
	DefaultPort = 18765

	// fileTTL is how long a published file stays on disk. Published
	// URLs are fetched by the platform within seconds of the send.
	fileTTL = 3600 * time.Second

	evictSchedule = "@every 10m"
)

// Config describes where the server listens and stores files.
type Config struct {
	Port int
	Dir  string
}

// Server is the fiber app behind the accounts' public image URLs.
type Server struct {
	app    *fiber.App
	cron   *cron.Cron
	dir    string
	port   int
	logger zerolog.Logger
}

// New builds the server and its eviction schedule. The image directory
// is created if missing.
func New(cfg Config, m *metrics.Metrics, logger zerolog.Logger) (*Server, error) {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Dir == "" {
		cfg.Dir = filepath.Join(os.TempDir(), "qqgateway-images")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create image dir: %w", err)
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})
	app.Use(recover.New())

	s := &Server{
		app:    app,
		cron:   cron.New(),
		dir:    cfg.Dir,
		port:   cfg.Port,
		logger: logger.With().Str("component", "image-server").Logger(),
	}

	app.Get("/healthz", adaptor.HTTPHandlerFunc(health.LivenessHandler()))
	if m != nil {
		app.Get("/metrics", adaptor.HTTPHandler(m.Handler()))
	}
	app.Static("/images", cfg.Dir)

	if _, err := s.cron.AddFunc(evictSchedule, s.evictExpired); err != nil {
		return nil, fmt.Errorf("schedule image eviction: %w", err)
	}
	return s, nil
}

// MountHealth exposes the checker's readiness endpoint. Must run
// before Start; fiber routes are fixed once the app listens.
func (s *Server) MountHealth(c *health.Checker) {
	s.app.Get("/ready", adaptor.HTTPHandlerFunc(c.ReadinessHandler()))
}

// Start begins the eviction schedule and blocks serving HTTP.
func (s *Server) Start() error {
	s.cron.Start()
	s.logger.Info().Int("port", s.port).Str("dir", s.dir).Msg("image server listening")
	return s.app.Listen(fmt.Sprintf(":%d", s.port))
}

// Shutdown stops the eviction schedule and drains the HTTP server.
func (s *Server) Shutdown() error {
	<-s.cron.Stop().Done()
	return s.app.Shutdown()
}

// Publish writes data under a fresh uuid filename and returns the name
// it is served by under /images/.
func (s *Server) Publish(data []byte, ext string) (string, error) {
	ext = strings.ToLower(ext)
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	name := uuid.NewString() + ext
	if err := os.WriteFile(filepath.Join(s.dir, name), data, 0o644); err != nil {
		return "", fmt.Errorf("write image: %w", err)
	}
	return name, nil
}

// evictExpired removes published files older than the TTL.
func (s *Server) evictExpired() {
	cutoff := time.Now().Add(-fileTTL)
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Warn().Err(err).Msg("image eviction sweep failed")
		return
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(s.dir, e.Name())); err == nil {
				removed++
			}
		}
	}
	if removed > 0 {
		s.logger.Info().Int("removed", removed).Msg("evicted expired images")
	}
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}
