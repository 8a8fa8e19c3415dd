package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	doctorHandler "github.com/zhouzirui/medivoice/backend/internal/handler/doctor"
	"github.com/zhouzirui/medivoice/backend/internal/handler/report"
	"github.com/zhouzirui/medivoice/backend/internal/handler/voicechat"
	"github.com/zhouzirui/medivoice/backend/internal/metrics"
	"github.com/zhouzirui/medivoice/backend/internal/middleware"
	"github.com/zhouzirui/medivoice/backend/internal/model/doctor"
	"github.com/zhouzirui/medivoice/backend/pkg/utils"
)

// Dependencies 路由所需的服务与中间件组件
type Dependencies struct {
	Turns         voicechat.TurnService
	Reports       report.Compiler
	Doctors       doctor.Store
	Authenticator middleware.Authenticator
	Limiter       *middleware.FixedWindowLimiter
	Metrics       *metrics.Metrics
	Logger        zerolog.Logger
	// TrustProxyHeaders 控制是否用 X-Forwarded-For / X-Real-IP 改写 RemoteAddr。
	TrustProxyHeaders bool
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	if deps.TrustProxyHeaders {
		r.Use(chimw.RealIP)
	}
	r.Use(middleware.AccessLog(deps.Logger))
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]any{"success": true, "status": "ok"})
	})
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	r.Route("/api", func(api chi.Router) {
		// 限流在身份校验之前，未认证的请求同样计入窗口
		if deps.Limiter != nil {
			api.Use(middleware.RateLimit(deps.Limiter, deps.Metrics))
		}
		api.Use(middleware.RequireIdentity(deps.Authenticator))

		voicechat.New(deps.Turns).RegisterRoutes(api)

		if deps.Reports != nil {
			report.New(deps.Reports).RegisterRoutes(api)
		}
		if deps.Doctors != nil {
			doctorHandler.New(deps.Doctors).RegisterRoutes(api)
		}
	})

	return r
}
