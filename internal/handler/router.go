package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/kudos-pass/backend/internal/handler/kudos"
	realtimeHandler "github.com/zhouzirui/kudos-pass/backend/internal/handler/realtime"
	"github.com/zhouzirui/kudos-pass/backend/internal/handler/system"
	middlewarePkg "github.com/zhouzirui/kudos-pass/backend/internal/middleware"
	"github.com/zhouzirui/kudos-pass/backend/internal/ratelimit"
	"github.com/zhouzirui/kudos-pass/backend/internal/realtime"
	kudosService "github.com/zhouzirui/kudos-pass/backend/internal/service/kudos"
)

// Deps 路由依赖的核心服务。Hub 为 nil 时推送接口返回 503，客户端退化为轮询。
type Deps struct {
	Origins    string
	Kudos      *kudosService.Service
	Guard      *ratelimit.Guard
	Store      system.Pinger
	Gateway    *realtime.Gateway
	Hub        *realtime.Hub
	Negotiator *realtime.Negotiator
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(deps.Origins))

	kudosHandler := kudos.New(deps.Kudos, deps.Guard)
	pushHandler := realtimeHandler.New(deps.Hub, deps.Negotiator)
	systemHandler := system.New(deps.Store, deps.Gateway)

	r.Route("/api", func(api chi.Router) {
		// 会话路由自带限流，便签提交还需在解析请求体后按会话限流。
		kudosHandler.RegisterRoutes(api)
		api.Group(func(api chi.Router) {
			api.Use(middlewarePkg.Admit(deps.Guard))
			pushHandler.RegisterRoutes(api)
			systemHandler.RegisterRoutes(api)
		})
	})

	return r
}
