package api

import (
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/omnigate/backend/internal/auth"
	"github.com/omnigate/backend/internal/config"
	"github.com/omnigate/backend/internal/middleware"
)

// Server wires the HTTP surface: dispatch, auth, keys, and ops.
type Server struct {
	gateway    *Gateway
	keys       *auth.KeyStore
	sessions   *auth.SessionManager
	challenger *auth.Challenger
	limiter    *middleware.RateLimiter
	startup    *config.Startup
	logger     *log.Logger
}

// NewServer assembles the server. challenger may be nil, which disables
// the pay-per-call flow (unauthenticated chat then gets a plain 401).
func NewServer(gw *Gateway, keys *auth.KeyStore, sessions *auth.SessionManager, challenger *auth.Challenger, limiter *middleware.RateLimiter, startup *config.Startup) *Server {
	return &Server{
		gateway:    gw,
		keys:       keys,
		sessions:   sessions,
		challenger: challenger,
		limiter:    limiter,
		startup:    startup,
		logger:     log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	// CORS
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Tenant-ID, X-Agent-ID")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	// Open endpoints
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/.well-known/discovery", s.handleDiscovery).Methods("GET")
	r.HandleFunc("/", s.handleHome).Methods("GET")
	r.HandleFunc("/auth/nonce", s.handleNonce).Methods("POST")
	r.HandleFunc("/auth/verify", s.handleVerify).Methods("POST")

	// Dispatch endpoints sit behind tenant extraction (or the 402
	// challenge flow) and the rate limiter.
	chat := s.withTenantOrChallenge(http.HandlerFunc(s.handleChat))
	stream := s.withTenantOrChallenge(http.HandlerFunc(s.handleChatStream))
	if s.limiter != nil {
		chat = s.limiter.Middleware(chat)
		stream = s.limiter.Middleware(stream)
	}
	r.Handle("/v1/chat", chat).Methods("POST")
	r.Handle("/v1/chat/stream", stream).Methods("POST")

	// Key management requires a session token.
	r.Handle("/v1/keys", s.withSession(http.HandlerFunc(s.handleCreateKey))).Methods("POST")
	r.Handle("/v1/keys", s.withSession(http.HandlerFunc(s.handleListKeys))).Methods("GET")
	r.Handle("/v1/keys", s.withSession(http.HandlerFunc(s.handleRevokeKey))).Methods("DELETE")

	return r
}

// Start blocks serving HTTP on port.
func (s *Server) Start(port string) error {
	addr := fmt.Sprintf(":%s", port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Printf("gateway listening on %s", addr)
	return srv.ListenAndServe()
}
