package server

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/TyrellHaywood/echo-sub001/cache"
	"github.com/TyrellHaywood/echo-sub001/config"
	"github.com/TyrellHaywood/echo-sub001/core/auth"
	"github.com/TyrellHaywood/echo-sub001/core/mixdown"
	"github.com/TyrellHaywood/echo-sub001/core/session"
	"github.com/TyrellHaywood/echo-sub001/db"
	"github.com/TyrellHaywood/echo-sub001/logger"
	"github.com/TyrellHaywood/echo-sub001/repository"
	"github.com/TyrellHaywood/echo-sub001/storage"
)

// Start initializes and starts the HTTP server.
func Start() {
	cfg := config.Load()

	logger.InitLogger(logger.Config{
		Level:      logger.LogLevel(getLogLevel()),
		OutputPath: "logs/echo.log",
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	})

	auth.SetSecret(cfg.JWTSecret)

	// 设置服务器超时
	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// 初始化 MinIO 客户端
	store, err := storage.NewStore(cfg)
	if err != nil {
		logger.Fatal("Failed to initialize MinIO", logger.ErrorField(err))
	}

	// Connect to the database
	if err := db.ConnectDB(cfg); err != nil {
		logger.Fatal("Failed to connect to database", logger.ErrorField(err))
	}
	defer db.CloseDB()

	if err := db.ConnectGormDB(cfg); err != nil {
		logger.Fatal("Failed to connect to database via gorm", logger.ErrorField(err))
	}
	if err := db.AutoMigrate(); err != nil {
		logger.Fatal("Failed to migrate database schema", logger.ErrorField(err))
	}

	// Connect to Redis
	if err := cache.ConnectRedis(cfg); err != nil {
		logger.Fatal("Failed to connect to Redis", logger.ErrorField(err))
	}
	defer cache.CloseRedis()

	trackRepo := repository.NewGormTrackRepository(db.GormDB)
	chatRepo := repository.NewGormChatRepository(db.GormDB)
	profileRepo := repository.NewMySQLProfileRepository(db.DB)

	// 会话系统：Hub + 管理器 + 跨实例桥接 + 在线状态清理
	hub := session.NewSessionHub()
	go hub.Run()

	manager := session.NewSessionManager(hub, trackRepo, chatRepo, profileRepo, cfg.CursorInterval, cfg.PresenceTimeout)

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	go manager.Bridge().Run(runCtx)
	go manager.RunPresenceSweeper(runCtx)

	// 混音引擎与导出流水线
	decoder := mixdown.NewFFmpegDecoder(cfg.FFmpegPath, store)
	engine := mixdown.NewEngine(decoder, cfg.LimiterCeiling)
	exporter := mixdown.NewExporter(cfg.MixSpoolDir, store)
	go func() {
		if err := exporter.Run(runCtx); err != nil {
			logger.Error("mixdown exporter stopped", logger.ErrorField(err))
		}
	}()

	// 初始化处理器
	apiHandler := NewAPIHandler(cfg, manager, trackRepo, chatRepo, store, engine, exporter)
	wsHandler := NewSessionWSHandler(hub, manager)

	// 使用 gorilla/mux 创建路由器
	router := mux.NewRouter()

	// 添加 CORS 中间件
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS, HEAD")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	})

	// API Endpoints
	router.HandleFunc("/api/projects/{project_id}/tracks", apiHandler.AuthMiddleware(apiHandler.GetProjectTracksHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/projects/{project_id}/messages", apiHandler.AuthMiddleware(apiHandler.GetProjectMessagesHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/projects/{project_id}/mixdown", apiHandler.AuthMiddleware(apiHandler.StartMixdownHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/projects/{project_id}/mixdown/{render_id}", apiHandler.AuthMiddleware(apiHandler.GetMixdownHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/projects/{project_id}/mixdown/{render_id}", apiHandler.AuthMiddleware(apiHandler.CancelMixdownHandler)).Methods(http.MethodDelete)

	// 身份服务专用端点
	router.HandleFunc("/internal/auth/session", apiHandler.SessionTokenHandler).Methods(http.MethodPost)

	// WebSocket 路由
	RegisterSessionRoutes(router, wsHandler)

	// MinIO 文件服务路由：混音成品下载
	router.PathPrefix("/mixdowns/").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		objectPath := strings.TrimPrefix(r.URL.Path, "/")

		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()

		object, err := store.FetchObject(ctx, objectPath)
		if err != nil {
			http.Error(w, "File not found", http.StatusNotFound)
			return
		}
		defer object.Close()

		w.Header().Set("Content-Type", "audio/wav")
		w.Header().Set("Cache-Control", "public, max-age=31536000") // 缓存一年

		if _, err := io.Copy(w, object); err != nil {
			logger.Warn("Error serving file from MinIO", logger.ErrorField(err))
		}
	})

	server.Handler = router

	// 创建一个通道来接收操作系统信号
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	// 在goroutine中启动服务器
	go func() {
		logger.Info("Server starting", logger.String("addr", cfg.HTTPAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", logger.ErrorField(err))
		}
	}()

	// 等待中断信号
	<-stop
	logger.Info("Shutting down server...")

	cancelRun()

	// 创建一个5秒超时的上下文
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// 优雅关闭服务器
	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", logger.ErrorField(err))
	}

	hub.Stop()
	logger.Info("Server stopped")
}

func getLogLevel() string {
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		return level
	}
	return "info"
}
