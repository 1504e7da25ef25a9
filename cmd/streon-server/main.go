package main

import (
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/secure"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/streonhq/streon-server/internal/config"
	"github.com/streonhq/streon-server/internal/http/handler"
	mw "github.com/streonhq/streon-server/internal/http/middleware"
	"github.com/streonhq/streon-server/internal/pipes"
	"github.com/streonhq/streon-server/internal/redis"
	"github.com/streonhq/streon-server/internal/registry"
	"github.com/streonhq/streon-server/internal/supervisor"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	// Read env
	isDev := os.Getenv("ENV") == "dev"

	// Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Create Zap logger
	log := buildLogger(isDev)
	defer log.Sync()
	log = log.Named("main")

	// Create Gin router
	if !isDev {
		gin.SetMode(gin.ReleaseMode)
	}
	gin.DefaultWriter = zap.NewStdLog(log.Named("gin")).Writer() // Configure Gin's logger to use Zap
	r := gin.New()

	// Wire the flow runtime
	rdb := redis.NewClient(cfg.RedisAddr, cfg.RedisDB, log)
	defer rdb.Close()

	store := redis.NewFlowRepository(log, rdb)
	logmngr := supervisor.NewLogManager()
	launcher := supervisor.NewExecLauncher(log, logmngr, cfg.Limits.TermGrace)
	pipemngr, err := pipes.NewManager(log, cfg.Paths.PipeDir)
	if err != nil {
		log.Fatal("pipe manager creation failed", zap.Error(err))
	}

	reg := registry.New(log, store, supervisor.Options{
		EngineBin:    cfg.Paths.EngineBin,
		TransportBin: cfg.Paths.TransportBin,
		RunDir:       cfg.Paths.RunDir,
		PresetDir:    cfg.Paths.PresetDir,
		PipeTimeout:  cfg.Limits.PipeTimeout,
		TermGrace:    cfg.Limits.TermGrace,
		GPIOQueueCap: cfg.Limits.GPIOQueueCap,
	}, pipemngr, launcher, logmngr)

	// Apply Gin middlewares
	{
		r.Use(gin.Recovery()) // Recovery first (outermost)
		r.Use(mw.RequestID()) // Attach request ID for tracing; early in the chain so it's available everywhere

		if isDev { // Enable CORS for local dev frontends
			r.Use(cors.New(cors.Config{
				AllowOrigins:     []string{"http://localhost:5173", "http://localhost:3000", "http://127.0.0.1:3000"},
				AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowHeaders:     []string{"X-Request-ID", "Content-Type"},
				ExposeHeaders:    []string{"X-Request-ID", "X-Total-Count"},
				AllowCredentials: true,
				MaxAge:           12 * time.Hour,
			}))
		} else { // Behind a reverse proxy + TLS
			r.SetTrustedProxies([]string{"127.0.0.1"})
			r.Use(secure.New(secure.Config{
				SSLProxyHeaders: map[string]string{
					"X-Forwarded-Proto": "https",
				},
			}))
		}

		r.Use(accessLog(log.Named("http")))

		r.Use(func(c *gin.Context) {
			// Enforce a hard 10MB max request body.
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 10<<20)
			c.Next()
		})
	}

	// Register route handlers
	{
		r.GET("/api/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"message": "pong"}) })

		flowshndlr := handler.NewFlowsHandler(log, reg)

		// --- Flow collection ---
		r.POST("/api/flows", flowshndlr.CreateFlow) // create one
		r.GET("/api/flows", flowshndlr.GetFlowList) // get list

		// --- Flow resource ---
		r.GET("/api/flows/:id", flowshndlr.GetFlow)        // get one
		r.PUT("/api/flows/:id", flowshndlr.ReplaceFlow)    // update one (replace/full-update)
		r.DELETE("/api/flows/:id", flowshndlr.DeleteFlow)  // delete one
		r.GET("/api/flows/:id/status", flowshndlr.GetFlowStatus)
		r.GET("/api/flows/:id/logs", flowshndlr.GetFlowLogs)

		// --- Flow lifecycle ---
		r.POST("/api/flows/:id/start", flowshndlr.StartFlow)
		r.POST("/api/flows/:id/stop", flowshndlr.StopFlow)
		r.POST("/api/flows/:id/restart", flowshndlr.RestartFlow)
	}

	httpsrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 2 * time.Second,  // kills header-drip Slowloris
		ReadTimeout:       10 * time.Second, // full request read (incl. body)
		WriteTimeout:      15 * time.Second, // avoid forever-hangs on writes
		IdleTimeout:       60 * time.Second, // keep-alive cap
		MaxHeaderBytes:    1 << 20,          // 1MB cap
	}

	log.Info("running HTTP server", zap.String("addr", httpsrv.Addr))
	if err := httpsrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("server failed", zap.Error(err))
	}
	log.Info("server closed")
}

// buildLogger creates the process-wide Zap logger. Dev gets a colored
// console encoder at debug level; prod gets JSON at info.
func buildLogger(isDev bool) *zap.Logger {
	var cfg zap.Config
	if isDev {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	log, err := cfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	return log
}

// accessLog is a Gin middleware that records HTTP request/response details with Zap after handling.
func accessLog(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		latency := time.Since(start)
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		// collect all errors from Gin context
		var errs []error
		for _, ge := range c.Errors {
			if ge.Err != nil {
				errs = append(errs, ge.Err)
			}
		}
		// errors.Join returns nil if errs is empty
		joinedErr := errors.Join(errs...)

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.String("client_ip", c.ClientIP()),
			zap.String("request_id", mw.GetRequestID(c)),
			zap.Duration("latency", latency),
		}
		if joinedErr != nil {
			fields = append(fields, zap.Error(joinedErr))
		}

		switch {
		case status >= 500:
			log.Error("request", fields...)
		case status >= 400:
			log.Warn("request", fields...)
		default:
			log.Info("request", fields...)
		}
	}
}
