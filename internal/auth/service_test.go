package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newStaticService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(Config{
		Mode: ModeStatic,
		Keys: []KeyConfig{
			{Key: "ops-key", Name: "ops", Permissions: []string{"goals:read", "goals:write"}},
			{Key: "viewer-key", Name: "viewer", Permissions: []string{"goals:read"}},
			{Key: "revoked-key", Name: "revoked", Disabled: true},
		},
	})
	if err != nil {
		t.Fatalf("创建认证服务失败: %v", err)
	}
	return svc
}

func TestAuthenticateRequest(t *testing.T) {
	svc := newStaticService(t)
	ctx := context.Background()

	subject, err := svc.AuthenticateRequest(ctx, "Bearer ops-key")
	if err != nil {
		t.Fatalf("合法密钥应通过认证: %v", err)
	}
	if subject.Name != "ops" {
		t.Fatalf("认证主体错误: %s", subject.Name)
	}
	if !subject.HasPermission("goals:write") {
		t.Fatal("主体应具备 goals:write 权限")
	}

	if _, err := svc.AuthenticateRequest(ctx, ""); err != ErrMissingToken {
		t.Fatalf("空令牌应返回 ErrMissingToken, got %v", err)
	}
	if _, err := svc.AuthenticateRequest(ctx, "Bearer nope"); err != ErrInvalidToken {
		t.Fatalf("非法密钥应返回 ErrInvalidToken, got %v", err)
	}
	if _, err := svc.AuthenticateRequest(ctx, "Bearer revoked-key"); err != ErrSubjectRevoked {
		t.Fatalf("停用密钥应返回 ErrSubjectRevoked, got %v", err)
	}

	// 省略 Bearer 前缀的裸密钥同样可用
	if _, err := svc.AuthenticateRequest(ctx, "viewer-key"); err != nil {
		t.Fatalf("裸密钥应通过认证: %v", err)
	}
}

func TestNewServiceValidation(t *testing.T) {
	if _, err := NewService(Config{Mode: ModeStatic}); err == nil {
		t.Fatal("static 模式缺少密钥时应报错")
	}
	if _, err := NewService(Config{Mode: "jwt"}); err == nil {
		t.Fatal("未知模式应报错")
	}
	svc, err := NewService(Config{})
	if err != nil {
		t.Fatalf("缺省模式应为 disabled: %v", err)
	}
	if svc.Mode() != ModeDisabled {
		t.Fatalf("缺省模式错误: %s", svc.Mode())
	}
}

func TestMiddlewareEnforcesPermissions(t *testing.T) {
	svc := newStaticService(t)
	var capturedSubject *Subject
	handler := svc.Middleware(MiddlewareConfig{
		RequiredPermissions: map[string][]string{
			http.MethodGet:  {"goals:read"},
			http.MethodPost: {"goals:write"},
		},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedSubject = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	cases := []struct {
		name   string
		method string
		token  string
		want   int
	}{
		{"读权限放行", http.MethodGet, "viewer-key", http.StatusOK},
		{"写权限放行", http.MethodPost, "ops-key", http.StatusOK},
		{"越权写被拒", http.MethodPost, "viewer-key", http.StatusForbidden},
		{"无令牌被拒", http.MethodGet, "", http.StatusUnauthorized},
		{"停用密钥被拒", http.MethodGet, "revoked-key", http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, "/api/v1/goals", nil)
			if tc.token != "" {
				req.Header.Set("Authorization", "Bearer "+tc.token)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("状态码错误: got %d want %d", rec.Code, tc.want)
			}
		})
	}

	if capturedSubject == nil || capturedSubject.Name == "" {
		t.Fatal("处理器应能从上下文取到调用方身份")
	}
}

func TestMiddlewareDisabledPassthrough(t *testing.T) {
	svc, err := NewService(Config{Mode: ModeDisabled})
	if err != nil {
		t.Fatalf("创建认证服务失败: %v", err)
	}
	handler := svc.Middleware(MiddlewareConfig{})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("禁用模式应直接放行, got %d", rec.Code)
	}
}
