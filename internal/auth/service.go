package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"log/slog"
	"strings"

	"NovaPilot/pkg/logger"
)

// Service 负责 HTTP 端点的 API key 认证与授权。
// 密钥以 SHA-256 摘要形式驻留内存, 查找采用常量时间比较。
type Service struct {
	mode     Mode
	subjects []keyedSubject
	audit    *slog.Logger
}

type keyedSubject struct {
	digest  [sha256.Size]byte
	subject *Subject
}

// NewService 构造认证服务实例。
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(string(cfg.Mode)))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{mode: mode, audit: logger.Audit()}

	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeStatic:
		if len(cfg.Keys) == 0 {
			return nil, errors.New("static auth mode requires at least one api key")
		}
		for _, key := range cfg.Keys {
			raw := strings.TrimSpace(key.Key)
			if raw == "" {
				return nil, errors.New("api key must not be empty")
			}
			subject := &Subject{
				Name:        key.Name,
				Roles:       append([]string(nil), key.Roles...),
				Permissions: append([]string(nil), key.Permissions...),
				Disabled:    key.Disabled,
			}
			subject.normalise()
			svc.subjects = append(svc.subjects, keyedSubject{
				digest:  sha256.Sum256([]byte(raw)),
				subject: subject,
			})
		}
		return svc, nil
	default:
		return nil, errors.New("unsupported auth mode: " + string(cfg.Mode))
	}
}

// Mode 返回当前认证服务的工作模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// AuthenticateRequest 校验 Authorization 头并返回调用方身份。
func (s *Service) AuthenticateRequest(_ context.Context, authorization string) (*Subject, error) {
	if s == nil || s.mode == ModeDisabled {
		return nil, ErrDisabled
	}
	token := strings.TrimSpace(authorization)
	if token == "" {
		return nil, ErrMissingToken
	}
	if len(token) > 7 && strings.EqualFold(token[:7], "Bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	if token == "" {
		return nil, ErrMissingToken
	}

	digest := sha256.Sum256([]byte(token))
	var matched *Subject
	for _, candidate := range s.subjects {
		if subtle.ConstantTimeCompare(candidate.digest[:], digest[:]) == 1 {
			matched = candidate.subject
		}
	}
	if matched == nil {
		return nil, ErrInvalidToken
	}
	if matched.Disabled {
		return nil, ErrSubjectRevoked
	}
	return matched.Clone(), nil
}
