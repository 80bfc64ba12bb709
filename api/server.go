package api

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var contentTypes = map[string]string{
	".m3u8": "application/vnd.apple.mpegurl",
	".ts":   "video/MP2T",
	".mp4":  "video/mp4",
	".jpg":  "image/jpeg",
}

// Server serves prepared assets from the video directory.
type Server struct {
	videoDir string
	port     string
	gatherer prometheus.Gatherer
	log      zerolog.Logger
	engine   *gin.Engine
}

// NewServer builds the asset server. gatherer may be nil, which disables
// /metrics.
func NewServer(videoDir, port string, gatherer prometheus.Gatherer, logger zerolog.Logger) *Server {
	s := &Server{videoDir: videoDir, port: port, gatherer: gatherer, log: logger}
	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog())
	s.setupCORS(r)
	s.setupRoutes(r)
	s.engine = r
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", srv.Addr).Str("video_dir", s.videoDir).Msg("starting asset server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}

func (s *Server) setupCORS(r *gin.Engine) {
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Range")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})
}

func (s *Server) setupRoutes(r *gin.Engine) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
	r.GET("/videos/*asset", s.serveAsset)
	r.HEAD("/videos/*asset", s.serveAsset)
}

// resolveAsset maps a request path below /videos/ to a file in the video
// directory. Hidden segments and traversal are refused.
func (s *Server) resolveAsset(rel string) (string, bool) {
	if strings.Contains(rel, "\\") {
		return "", false
	}
	for _, seg := range strings.Split(strings.Trim(rel, "/"), "/") {
		if seg == "" || strings.HasPrefix(seg, ".") {
			return "", false
		}
	}
	clean := path.Clean("/" + rel)
	full := filepath.Join(s.videoDir, filepath.FromSlash(clean))
	root := filepath.Clean(s.videoDir) + string(filepath.Separator)
	if !strings.HasPrefix(full, root) {
		return "", false
	}
	return full, true
}

func (s *Server) serveAsset(c *gin.Context) {
	full, ok := s.resolveAsset(c.Param("asset"))
	if !ok {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	if ct, ok := contentTypes[strings.ToLower(filepath.Ext(full))]; ok {
		c.Header("Content-Type", ct)
	}
	c.File(full)
}
