package proxy

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// Handler builds the full route table wrapped in the middleware chain. Split
// from Start so tests can serve it over an in-memory listener.
func (g *Gateway) Handler() fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/chat/completions", g.requireClientAuth(g.dispatchChat))
	r.POST("/v1/completions", g.requireClientAuth(g.dispatchChat))
	r.POST("/v1/embeddings", g.requireClientAuth(g.dispatchEmbeddings))
	r.GET("/v1/models", g.requireClientAuth(g.handleModels))

	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)

	if g.metrics != nil {
		r.GET("/metrics", g.metrics.Handler())
	}
	if g.adminKey != "" {
		g.registerAdminRoutes(r)
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)
}

// Start serves the gateway on addr (e.g. ":8080") until the listener fails.
func (g *Gateway) Start(addr string) error {
	srv := &fasthttp.Server{
		Handler:     g.Handler(),
		ReadTimeout: 60 * time.Second,
		// Streaming responses hold the connection open well past any
		// sane write timeout.
		WriteTimeout:       0,
		MaxRequestBodySize: 10 << 20,
	}
	return srv.ListenAndServe(addr)
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	if g.health == nil {
		writeJSON(ctx, map[string]any{"status": "ok"})
		return
	}
	writeJSON(ctx, g.health.Snapshot())
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.health == nil || g.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
