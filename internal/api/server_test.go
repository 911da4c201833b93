package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"NovaPilot/internal/agent"
	"NovaPilot/internal/auth"
	"NovaPilot/internal/capability"
	"NovaPilot/internal/goal"
	"NovaPilot/internal/orchestrator"
	"NovaPilot/internal/planning"
	"NovaPilot/internal/reflection"
	"NovaPilot/internal/scheduler"
	"NovaPilot/internal/situation"
)

type okProvider struct{}

func (okProvider) Describe() capability.Descriptor {
	return capability.Descriptor{
		Name:        "kb",
		Category:    capability.CategoryKnowledge,
		Complexity:  2,
		Latency:     capability.LatencyFast,
		Reliability: 0.95,
	}
}

func (okProvider) Execute(context.Context, capability.Request) (*capability.Result, error) {
	return &capability.Result{Success: true, Confidence: 0.9}, nil
}

func (okProvider) CheckHealth(context.Context) error { return nil }

func newTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()

	manager := goal.NewManager(goal.NewMemoryStore())
	registry := capability.NewRegistry()
	registry.Register(okProvider{})
	tracker := situation.NewTracker(50)
	reflector := reflection.NewEngine()
	sched := scheduler.New(
		manager,
		planning.NewPlanner(nil, nil),
		registry,
		orchestrator.NewExecutor(registry, nil, time.Second),
		tracker,
		reflector,
		scheduler.Config{TickInterval: time.Second, MaxConcurrent: 3, ReflectionEvery: 1},
	)
	ag := agent.New(manager, sched, registry, tracker, reflector)
	return NewServer("127.0.0.1:0", ag, opts...)
}

func postJSON(t *testing.T, handler http.Handler, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("序列化请求失败: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestCreateAndGetGoal(t *testing.T) {
	handler := newTestServer(t).Handler()

	rec := postJSON(t, handler, "/api/v1/goals", agent.GoalRequest{Description: "research the onboarding flow"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("创建目标应返回 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created goal.Goal
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if created.ID == "" || created.Status != goal.StatusPending {
		t.Fatalf("新目标字段错误: %+v", created)
	}

	getReq := httptest.NewRequest(http.MethodGet, "/api/v1/goals/"+created.ID, nil)
	getRec := httptest.NewRecorder()
	handler.ServeHTTP(getRec, getReq)
	if getRec.Code != http.StatusOK {
		t.Fatalf("查询目标应返回 200, got %d", getRec.Code)
	}

	missingReq := httptest.NewRequest(http.MethodGet, "/api/v1/goals/does-not-exist", nil)
	missingRec := httptest.NewRecorder()
	handler.ServeHTTP(missingRec, missingReq)
	if missingRec.Code != http.StatusNotFound {
		t.Fatalf("未知目标应返回 404, got %d", missingRec.Code)
	}
}

func TestCreateGoalValidation(t *testing.T) {
	handler := newTestServer(t).Handler()
	rec := postJSON(t, handler, "/api/v1/goals", agent.GoalRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("空描述应返回 400, got %d", rec.Code)
	}
}

func TestExecuteGoalEndpoint(t *testing.T) {
	handler := newTestServer(t).Handler()

	rec := postJSON(t, handler, "/api/v1/goals", agent.GoalRequest{Description: "research deployment options"})
	var created goal.Goal
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}

	execReq := httptest.NewRequest(http.MethodPost, "/api/v1/goals/"+created.ID+"/execute?timeout_ms=10000", nil)
	execRec := httptest.NewRecorder()
	handler.ServeHTTP(execRec, execReq)
	if execRec.Code != http.StatusOK {
		t.Fatalf("执行目标应返回 200, got %d: %s", execRec.Code, execRec.Body.String())
	}
	var done goal.Goal
	if err := json.NewDecoder(execRec.Body).Decode(&done); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if done.Status != goal.StatusCompleted {
		t.Fatalf("目标应执行完成, got %s", done.Status)
	}

	statusReq := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	statusRec := httptest.NewRecorder()
	handler.ServeHTTP(statusRec, statusReq)
	if statusRec.Code != http.StatusOK {
		t.Fatalf("状态查询应返回 200, got %d", statusRec.Code)
	}
	var status agent.Status
	if err := json.NewDecoder(statusRec.Body).Decode(&status); err != nil {
		t.Fatalf("解析状态失败: %v", err)
	}
	if len(status.Capabilities) != 1 {
		t.Fatalf("状态应包含能力快照: %+v", status)
	}
}

func TestPreferencesEndpoints(t *testing.T) {
	handler := newTestServer(t).Handler()

	body := bytes.NewReader([]byte(`{"autonomy_level":"manual","quiet_hours":"22:00-07:00"}`))
	putReq := httptest.NewRequest(http.MethodPut, "/api/v1/preferences", body)
	putRec := httptest.NewRecorder()
	handler.ServeHTTP(putRec, putReq)
	if putRec.Code != http.StatusOK {
		t.Fatalf("更新偏好应返回 200, got %d", putRec.Code)
	}

	getReq := httptest.NewRequest(http.MethodGet, "/api/v1/preferences", nil)
	getRec := httptest.NewRecorder()
	handler.ServeHTTP(getRec, getReq)
	var prefs map[string]any
	if err := json.NewDecoder(getRec.Body).Decode(&prefs); err != nil {
		t.Fatalf("解析偏好失败: %v", err)
	}
	if prefs["quiet_hours"] != "22:00-07:00" {
		t.Fatalf("偏好未保存: %v", prefs)
	}
}

func TestHandlerWithAuth(t *testing.T) {
	svc, err := auth.NewService(auth.Config{
		Mode: auth.ModeStatic,
		Keys: []auth.KeyConfig{
			{Key: "ops-key", Name: "ops", Permissions: []string{"goals:read", "goals:write"}},
		},
	})
	if err != nil {
		t.Fatalf("创建认证服务失败: %v", err)
	}
	handler := newTestServer(t, WithAuth(svc)).Handler()

	anon := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	anonRec := httptest.NewRecorder()
	handler.ServeHTTP(anonRec, anon)
	if anonRec.Code != http.StatusUnauthorized {
		t.Fatalf("匿名请求应返回 401, got %d", anonRec.Code)
	}

	authed := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	authed.Header.Set("Authorization", "Bearer ops-key")
	authedRec := httptest.NewRecorder()
	handler.ServeHTTP(authedRec, authed)
	if authedRec.Code != http.StatusOK {
		t.Fatalf("持密钥请求应返回 200, got %d", authedRec.Code)
	}
}
