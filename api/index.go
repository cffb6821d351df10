package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"broadcast-scheduling-backend/pkg/billing"
	"broadcast-scheduling-backend/pkg/config"
	"broadcast-scheduling-backend/pkg/database"
	"broadcast-scheduling-backend/pkg/handlers"
	"broadcast-scheduling-backend/pkg/logging"
	customMiddleware "broadcast-scheduling-backend/pkg/middleware"
	"broadcast-scheduling-backend/pkg/notify"
	"broadcast-scheduling-backend/pkg/scheduling"
	"broadcast-scheduling-backend/pkg/utils"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	requestTimeout  = 25 * time.Second
	maxBodyBytes    = 1 << 20
	calendarTimeout = 10 * time.Second
)

// Deps 允许调用方（CLI、测试）注入已构建的依赖；零值字段按配置创建
type Deps struct {
	Store    database.DatabaseInterface
	Logger   *slog.Logger
	Now      func() time.Time
	Calendar notify.Calendar
	Gate     billing.Gate
}

// Handler 是Vercel函数的入口点
// 这个函数实现了"单体路由模式"，将所有API端点集中在一个Chi路由器中管理
func Handler(w http.ResponseWriter, r *http.Request) {
	// 加载配置
	cfg, err := config.GetCached()
	if err != nil {
		utils.WriteInternalServerErrorResponse(w, "Configuration error: "+err.Error())
		return
	}
	if err := cfg.Validate(); err != nil {
		utils.WriteInternalServerErrorResponse(w, "Configuration error: "+err.Error())
		return
	}

	// 数据库连接由进程级缓存管理，无需手动关闭
	router, err := NewRouter(cfg, Deps{})
	if err != nil {
		slog.Error("failed to build router", "error", err)
		utils.WriteInternalServerErrorResponse(w, "Service unavailable")
		return
	}
	router.ServeHTTP(w, r)
}

// DatabaseConfig 由应用配置生成数据库配置
func DatabaseConfig(cfg *config.Config) database.DatabaseConfig {
	return database.DatabaseConfig{
		Driver:      cfg.ResolvedDriver(),
		PostgresDSN: cfg.PostgresDSN,
		SQLitePath:  cfg.SQLitePath,
		AutoMigrate: cfg.AutoMigrate,
		Debug:       cfg.Debug,
	}
}

// NewRouter 组装存储、通知、计费闸门与调度服务，并挂载全部路由
func NewRouter(cfg *config.Config, deps Deps) (http.Handler, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if deps.Logger == nil {
		logger, err := logging.NewFromConfig(cfg)
		if err != nil {
			return nil, err
		}
		deps.Logger = logger
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Store == nil {
		store, err := database.GetDatabase(DatabaseConfig(cfg))
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		deps.Store = store
	}
	if deps.Calendar == nil && cfg.CalendarEndpoint != "" {
		deps.Calendar = notify.NewHTTPCalendar(cfg.CalendarEndpoint, &http.Client{Timeout: calendarTimeout})
	}
	if deps.Gate == nil {
		if cfg.BillingEnforced {
			deps.Gate = billing.NewSubscriptionGate(deps.Store, func(err error) bool {
				return errors.Is(err, database.ErrNotFound)
			}, deps.Logger)
		} else {
			deps.Gate = billing.AllowAll{}
		}
	}

	notifier := notify.New(notify.NewStoreQueue(deps.Store), notify.NewStoreInbox(deps.Store), deps.Calendar, notify.Options{
		BaseURL:     cfg.PublicBaseURL,
		Concurrency: cfg.FanoutConcurrency,
		Now:         deps.Now,
		Logger:      deps.Logger,
	})
	svc := scheduling.NewService(deps.Store, notifier, deps.Gate, scheduling.Options{
		Now:             deps.Now,
		InviteTTL:       cfg.InviteTTL(),
		DefaultDeadline: cfg.DefaultDeadline(),
		MaxReproposals:  cfg.MaxReproposals,
		RemindCooldown:  cfg.RemindCooldown(),
		Logger:          deps.Logger,
	})

	router := chi.NewRouter()
	setupMiddleware(router, cfg, deps.Logger)
	setupRoutes(router, cfg, deps, svc)
	return router, nil
}

// setupMiddleware 设置全局中间件
func setupMiddleware(router *chi.Mux, cfg *config.Config, logger *slog.Logger) {
	// 基础中间件
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	// Normalize path and restore scheme/host before logging and routing
	router.Use(customMiddleware.Normalize())
	router.Use(customMiddleware.RequestLogger(logger))
	router.Use(customMiddleware.Recovery(logger, cfg.IsDevelopment() && cfg.Debug))

	// CORS中间件
	router.Use(customMiddleware.CORS(cfg))

	// 超时中间件（Vercel函数有时间限制）
	router.Use(middleware.Timeout(requestTimeout))

	// 压缩中间件
	router.Use(middleware.Compress(5))

	router.Use(customMiddleware.MaxBodySize(maxBodyBytes))
	router.Use(customMiddleware.ContentTypeJSON)

	// 开发环境额外中间件
	if cfg.IsDevelopment() {
		router.Use(middleware.Heartbeat("/ping"))
	}
}

// setupRoutes 设置所有API路由
func setupRoutes(router *chi.Mux, cfg *config.Config, deps Deps, svc *scheduling.Service) {
	tokens := utils.NewJWTService(cfg.JWTSecret)
	logger := deps.Logger

	// 创建处理器
	healthHandler := handlers.NewHealthHandler(cfg, deps.Store)
	authHandler := handlers.NewAuthHandler(deps.Store, deps.Gate, logger)
	threadHandler := handlers.NewThreadHandler(svc, logger, deps.Now)
	inviteHandler := handlers.NewInviteHandler(svc, logger, deps.Now)
	inboxHandler := handlers.NewInboxHandler(deps.Store, logger)
	contactHandler := handlers.NewContactHandler(deps.Store, logger, deps.Now)
	webhookHandler := handlers.NewWebhookHandler(cfg, deps.Store, logger, deps.Now)

	// 健康检查端点
	router.Get("/", healthHandler.HealthCheck)

	// 数据库连接池状态端点（调试用）
	if cfg.IsDevelopment() {
		router.Get("/debug/db-pool", func(w http.ResponseWriter, r *http.Request) {
			utils.WriteSuccessResponse(w, database.GetConnectionStats())
		})
	}

	// API路由组
	router.Route("/api", func(r chi.Router) {
		r.Get("/health", healthHandler.HealthCheck)

		// 邀请链接（令牌即凭据）
		r.Get("/i/{token}", inviteHandler.Get)
		r.Post("/i/{token}/respond", inviteHandler.Respond)

		// Webhook路由（不需要认证，但需要验证签名）
		r.Post("/billing/webhook", webhookHandler.HandleBillingWebhook)

		r.Route("/threads", func(r chi.Router) {
			// 受邀者可匿名回答（需 invitee_key），登录用户自动解析身份
			r.With(customMiddleware.OptionalAuthMiddleware(tokens)).Post("/{threadID}/respond", threadHandler.Respond)

			// 组织者路由
			r.Group(func(r chi.Router) {
				r.Use(customMiddleware.AuthMiddleware(tokens, logger))
				r.Post("/prepare", threadHandler.Prepare)
				r.Get("/{threadID}", threadHandler.Get)
				r.Post("/{threadID}/send", threadHandler.Send)
				r.Get("/{threadID}/summary", threadHandler.Summary)
				r.Get("/{threadID}/status", threadHandler.Status)
				r.Post("/{threadID}/finalize", threadHandler.Finalize)
				r.Post("/{threadID}/repropose", threadHandler.Repropose)
				r.Post("/{threadID}/remind", threadHandler.Remind)
				r.Post("/{threadID}/cancel", threadHandler.Cancel)
			})
		})

		// 需要认证的路由
		r.Group(func(r chi.Router) {
			r.Use(customMiddleware.AuthMiddleware(tokens, logger))
			r.Get("/auth/me", authHandler.Me)
			r.Get("/inbox", inboxHandler.ListInbox)
			r.Get("/remind-logs", inboxHandler.ListRemindLogs)
			r.Post("/contacts", contactHandler.CreateContact)
			r.Post("/contact-lists", contactHandler.CreateContactList)
		})
	})

	// 404处理
	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		utils.WriteNotFoundResponse(w, fmt.Sprintf("Route not found: %s %s", r.Method, r.URL.Path))
	})

	// 405处理
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		utils.WriteErrorResponseWithCode(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED",
			fmt.Sprintf("Method %s not allowed for %s", r.Method, r.URL.Path), nil)
	})
}
