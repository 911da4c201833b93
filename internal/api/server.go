package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"NovaPilot/internal/agent"
	"NovaPilot/internal/auth"
	xerrors "NovaPilot/internal/errors"
	"NovaPilot/internal/goal"
	"NovaPilot/internal/observability/metrics"
)

// defaultExecuteTimeout 是同步执行目标接口的缺省截止时间。
const defaultExecuteTimeout = 60 * time.Second

// Server 负责暴露 REST 接口，供外部驱动智能体。
type Server struct {
	addr  string
	agent *agent.Agent
	auth  *auth.Service
}

// Option 定义可选的 Server 配置。
type Option func(*Server)

// WithAuth 配置 API key 认证服务。
func WithAuth(service *auth.Service) Option {
	return func(s *Server) { s.auth = service }
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, ag *agent.Agent, opts ...Option) *Server {
	s := &Server{addr: addr, agent: ag}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回完整装配的路由。/metrics 不经过认证, 其余接口按方法鉴权。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/goals", instrument("create_goal", s.handleCreateGoal))
	mux.HandleFunc("GET /api/v1/goals", instrument("list_goals", s.handleListGoals))
	mux.HandleFunc("GET /api/v1/goals/{id}", instrument("get_goal", s.handleGetGoal))
	mux.HandleFunc("GET /api/v1/goals/{id}/progress", instrument("goal_progress", s.handleGoalProgress))
	mux.HandleFunc("POST /api/v1/goals/{id}/execute", instrument("execute_goal", s.handleExecuteGoal))
	mux.HandleFunc("GET /api/v1/status", instrument("status", s.handleStatus))
	mux.HandleFunc("GET /api/v1/reflections", instrument("reflections", s.handleReflections))
	mux.HandleFunc("GET /api/v1/preferences", instrument("get_preferences", s.handleGetPreferences))
	mux.HandleFunc("PUT /api/v1/preferences", instrument("put_preferences", s.handlePutPreferences))

	var handler http.Handler = mux
	if s.auth != nil {
		handler = s.auth.Middleware(auth.MiddlewareConfig{
			RequiredPermissions: map[string][]string{
				http.MethodGet:  {"goals:read"},
				http.MethodPost: {"goals:write"},
				http.MethodPut:  {"goals:write"},
			},
		})(handler)
	}

	root := http.NewServeMux()
	root.Handle("GET /metrics", metrics.Handler())
	root.Handle("/", handler)
	return root
}

// instrument 包装处理函数, 记录请求指标。
func instrument(name string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(started))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleCreateGoal(w http.ResponseWriter, r *http.Request) {
	if s.agent == nil {
		http.Error(w, "Agent 未初始化", http.StatusServiceUnavailable)
		return
	}
	var req agent.GoalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	g, err := s.agent.AddGoal(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (s *Server) handleListGoals(w http.ResponseWriter, r *http.Request) {
	opts := make([]goal.ListOption, 0, 4)
	query := r.URL.Query()
	if raw := query.Get("status"); raw != "" {
		opts = append(opts, goal.WithStatuses(goal.Status(raw)))
	}
	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			opts = append(opts, goal.WithLimit(parsed))
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			opts = append(opts, goal.WithOffset(parsed))
		}
	}
	if raw := query.Get("q"); raw != "" {
		opts = append(opts, goal.WithQuery(raw))
	}

	goals, err := s.agent.ListGoals(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, goals)
}

func (s *Server) handleGetGoal(w http.ResponseWriter, r *http.Request) {
	g, err := s.agent.GetGoal(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleGoalProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := s.agent.Progress(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

func (s *Server) handleExecuteGoal(w http.ResponseWriter, r *http.Request) {
	timeout := defaultExecuteTimeout
	if raw := r.URL.Query().Get("timeout_ms"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			timeout = time.Duration(parsed) * time.Millisecond
		}
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	g, err := s.agent.ExecuteGoal(ctx, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.agent.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleReflections(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	writeJSON(w, http.StatusOK, s.agent.Reflections(limit))
}

func (s *Server) handleGetPreferences(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.agent.Preferences())
}

func (s *Server) handlePutPreferences(w http.ResponseWriter, r *http.Request) {
	var prefs map[string]any
	if err := json.NewDecoder(r.Body).Decode(&prefs); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	s.agent.UpdatePreferences(prefs)
	writeJSON(w, http.StatusOK, s.agent.Preferences())
}

// writeJSON 输出 JSON 响应。
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError 将内部错误映射为 HTTP 状态码。
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch xerrors.CodeOf(err) {
	case xerrors.CodeNotFound, goal.CodeGoalNotFound, goal.CodeTaskNotFound:
		status = http.StatusNotFound
	case xerrors.CodeInvalidArgument, goal.CodeGoalValidation:
		status = http.StatusBadRequest
	case xerrors.CodeConflict, goal.CodeGoalConflict:
		status = http.StatusConflict
	case xerrors.CodeTimeout:
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, map[string]string{
		"code":  string(xerrors.CodeOf(err)),
		"error": err.Error(),
	})
}
