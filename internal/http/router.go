package httpserver

import (
	"log"
	"net/http"

	"github.com/iago/docpipe/internal/http/handlers"
	"github.com/iago/docpipe/internal/http/middleware"
)

type RouterDependencies struct {
	API            *handlers.API
	Logger         *log.Logger
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
}

func NewRouter(deps RouterDependencies) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", deps.API.Root)
	mux.HandleFunc("GET /healthz", deps.API.Health)
	mux.HandleFunc("POST /upload", deps.API.Upload)
	mux.HandleFunc("GET /{id}", deps.API.GetDocument)

	handler := http.Handler(mux)
	handler = middleware.RateLimit(middleware.RateLimitConfig{
		RPS:       deps.RateLimitRPS,
		Burst:     deps.RateLimitBurst,
		SkipPaths: []string{"/", "/healthz"},
	})(handler)
	handler = middleware.CORS(middleware.CORSConfig{
		AllowedOrigins: deps.CORSOrigins,
	})(handler)
	handler = middleware.Trace(deps.Logger)(handler)
	handler = middleware.RequestID(handler)

	return handler
}
