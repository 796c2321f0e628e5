package service

import (
	"context"
	"errors"
	"fmt"

	"relay_bot/internal/crypto"
	"relay_bot/internal/logger"
	"relay_bot/internal/telegram/forward"
	"relay_bot/internal/telegram/models"
	"relay_bot/internal/telegram/repository"
)

// SessionServiceImpl 用户 session 服务实现
type SessionServiceImpl struct {
	sessionRepo repository.SessionRepository
	client      SessionClient
	sealer      crypto.Sealer // 为 nil 时明文保存
}

// NewSessionService 创建 session 服务
func NewSessionService(sessionRepo repository.SessionRepository, client SessionClient, sealer crypto.Sealer) SessionService {
	return &SessionServiceImpl{
		sessionRepo: sessionRepo,
		client:      client,
		sealer:      sealer,
	}
}

// Login 解析 session、确认仍然有效后保存（覆盖旧 session）
func (s *SessionServiceImpl) Login(ctx context.Context, ownerID int64, input string) (string, error) {
	credential, err := s.client.Parse(ctx, input)
	if err != nil {
		logger.L().Warnf("Rejected session from owner %d: %v", ownerID, err)
		return "", fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}

	name, err := s.client.Verify(ctx, credential)
	if err != nil {
		logger.L().Warnf("Session verification failed for owner %d: %v", ownerID, err)
		return "", err
	}

	session := &models.UserSession{OwnerID: ownerID, Blob: credential}
	if s.sealer != nil {
		sealed, err := s.sealer.Seal(credential)
		if err != nil {
			return "", fmt.Errorf("failed to seal session: %w", err)
		}
		session.Blob = sealed
		session.Encrypted = true
	}

	if err := s.sessionRepo.Put(ctx, session); err != nil {
		logger.L().Errorf("Failed to save session for owner %d: %v", ownerID, err)
		return "", err
	}

	logger.L().Infof("Session saved for owner %d (account=%s, encrypted=%t)", ownerID, name, session.Encrypted)
	return name, nil
}

// Logout 删除 session
func (s *SessionServiceImpl) Logout(ctx context.Context, ownerID int64) (bool, error) {
	deleted, err := s.sessionRepo.Delete(ctx, ownerID)
	if err != nil {
		logger.L().Errorf("Failed to delete session for owner %d: %v", ownerID, err)
		return false, err
	}
	if deleted {
		logger.L().Infof("Session deleted for owner %d", ownerID)
	}
	return deleted, nil
}

// Load 实现 forward.CredentialSource
func (s *SessionServiceImpl) Load(ctx context.Context, ownerID int64) ([]byte, error) {
	session, err := s.sessionRepo.Get(ctx, ownerID)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return nil, forward.ErrNoCredential
		}
		return nil, err
	}

	if !session.Encrypted {
		return session.Blob, nil
	}
	if s.sealer == nil {
		return nil, ErrEncryptionUnavailable
	}
	credential, err := s.sealer.Open(session.Blob)
	if err != nil {
		return nil, fmt.Errorf("failed to open session of owner %d: %w", ownerID, err)
	}
	return credential, nil
}
