package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/omnigate/backend/internal/auth"
	"github.com/omnigate/backend/internal/errcode"
	"github.com/omnigate/backend/internal/middleware"
	"github.com/omnigate/backend/internal/money"
	"github.com/omnigate/backend/internal/provider"
)

// httpStatus maps the error taxonomy onto HTTP status codes.
func httpStatus(err error) int {
	switch errcode.CodeOf(err) {
	case errcode.BindingInvalid, errcode.ConfigInvalid:
		return http.StatusBadRequest
	case errcode.AccessDenied, errcode.PoolUnauthorized:
		return http.StatusForbidden
	case errcode.BudgetExceeded:
		return http.StatusPaymentRequired
	case errcode.RateLimited:
		return http.StatusTooManyRequests
	case errcode.ProviderUnavailable, errcode.BudgetCircuitOpen,
		errcode.BudgetUnavailable, errcode.NativeRuntimeRequired:
		return http.StatusServiceUnavailable
	case errcode.ContextOverflow, errcode.ToolCallMaxIterations,
		errcode.ToolCallLimitExceeded, errcode.ToolCallWallTimeExceeded,
		errcode.ToolCallConsecutiveFailures:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	body := map[string]interface{}{"error": err.Error()}
	if code := errcode.CodeOf(err); code != "" {
		body["code"] = string(code)
		body["retryable"] = errcode.IsRetryable(err)
	}
	writeJSON(w, httpStatus(err), body)
}

// defaultCallPrice is the pay-per-call challenge amount when no tenant
// credential is presented.
const defaultCallPrice = money.Micro(10_000) // $0.01

// withTenantOrChallenge authenticates dispatch requests. API keys and the
// trusted X-Tenant-ID header go through the normal tenant middleware; a
// valid payment challenge in X-Payment authenticates as a pay-per-call
// tenant; anything else gets a fresh 402 challenge (or 401 when the
// challenge flow is disabled).
func (s *Server) withTenantOrChallenge(next http.Handler) http.Handler {
	authed := middleware.TenantMiddleware(s.keys, next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") || r.Header.Get("X-Tenant-ID") != "" {
			authed.ServeHTTP(w, r)
			return
		}

		if s.challenger == nil {
			http.Error(w, "missing credentials", http.StatusUnauthorized)
			return
		}

		if raw := r.Header.Get("X-Payment"); raw != "" {
			var ch auth.Challenge
			if err := json.Unmarshal([]byte(raw), &ch); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed X-Payment header"})
				return
			}
			if err := s.challenger.Verify(ch); err != nil {
				writeJSON(w, http.StatusPaymentRequired, map[string]string{"error": err.Error()})
				return
			}
			ctx := middleware.WithTenant(r.Context(), "payg:"+ch.Nonce)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		ch, err := s.challenger.Issue(defaultCallPrice)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusPaymentRequired, ch)
	})
}

type sessionKeyType struct{}

// withSession requires a valid session JWT and stamps the wallet address
// on the context.
func (s *Server) withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			http.Error(w, "missing session token", http.StatusUnauthorized)
			return
		}
		address, err := s.sessions.Validate(token)
		if err != nil {
			http.Error(w, "invalid session token", http.StatusUnauthorized)
			return
		}
		ctx := middleware.WithTenant(r.Context(), address)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ===== Dispatch =====

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}
	if req.Agent == "" && req.Ensemble == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "agent is required"})
		return
	}

	tenant := middleware.TenantFrom(r.Context())
	resp, err := s.gateway.Invoke(r.Context(), tenant, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}
	if req.Agent == "" && req.Ensemble == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "agent is required"})
		return
	}

	tenant := middleware.TenantFrom(r.Context())
	session, err := s.gateway.Stream(r.Context(), tenant, req)
	if err != nil {
		writeError(w, err)
		return
	}
	defer session.Stream.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	var usage provider.Usage
	for {
		chunk, err := session.Stream.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.gateway.AbortStream(r.Context(), session, err.Error())
				return
			}
			break
		}
		if chunk.Type == provider.ChunkDone && chunk.Usage != nil {
			usage = *chunk.Usage
		}
		data, err := json.Marshal(chunk)
		if err != nil {
			continue
		}
		if _, err := w.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
			s.gateway.AbortStream(r.Context(), session, "client disconnected")
			return
		}
		flusher.Flush()
	}

	s.gateway.SettleStream(r.Context(), tenant, session, usage)
	w.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()
}

// ===== Auth =====

func (s *Server) handleNonce(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Address == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "address is required"})
		return
	}
	nonce, err := s.sessions.IssueNonce(r.Context(), req.Address)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"nonce": nonce})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address   string `json:"address"`
		Signature string `json:"signature"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Address == "" || req.Signature == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "address and signature are required"})
		return
	}
	token, err := s.sessions.Verify(r.Context(), req.Address, req.Signature)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_token": token})
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Label string `json:"label"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	tenant := middleware.TenantFrom(r.Context())
	key, err := s.keys.Create(r.Context(), tenant, req.Label)
	if err != nil {
		writeError(w, err)
		return
	}
	// The plaintext key appears exactly once, here.
	writeJSON(w, http.StatusCreated, map[string]string{"api_key": key})
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.TenantFrom(r.Context())
	keys, err := s.keys.List(r.Context(), tenant)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"keys": keys})
}

func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "key is required"})
		return
	}
	if err := s.keys.Revoke(r.Context(), req.Key); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ===== Ops =====

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{"status": "ok"}
	if s.startup != nil {
		steps := []map[string]string{}
		worst := "ok"
		for _, res := range s.startup.Results() {
			steps = append(steps, map[string]string{
				"name":   res.Name,
				"status": res.Severity.String(),
				"detail": res.Detail,
			})
			if res.Severity.String() == "warning" && worst == "ok" {
				worst = "degraded"
			}
		}
		body["status"] = worst
		body["startup"] = steps
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(`omnigate model gateway
endpoints:
  POST /v1/chat          dispatch (agent or ensemble)
  POST /v1/chat/stream   dispatch, server-sent events
  POST /auth/nonce       wallet login, step 1
  POST /auth/verify      wallet login, step 2
  POST /v1/keys          mint API key (session required)
  DELETE /v1/keys        revoke API key (session required)
  GET  /health           liveness + startup report
  GET  /metrics          prometheus
auth: Bearer API key, session JWT, or X-Payment challenge response
`))
}

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		name = "operator"
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("omnigate is up. Hello, " + name + ". See /.well-known/discovery.\n"))
}
