package service

import (
	"context"

	"relay_bot/internal/logger"
	"relay_bot/internal/telegram/models"
	"relay_bot/internal/telegram/repository"
)

// SettingServiceImpl 进程级开关服务实现
type SettingServiceImpl struct {
	settingRepo repository.SettingRepository
}

// NewSettingService 创建开关服务
func NewSettingService(settingRepo repository.SettingRepository) SettingService {
	return &SettingServiceImpl{
		settingRepo: settingRepo,
	}
}

// AdminOnly 是否只允许 Bot 管理员使用
func (s *SettingServiceImpl) AdminOnly(ctx context.Context) (bool, error) {
	return s.settingRepo.IsEnabled(ctx, models.SettingAdminOnly)
}

// ToggleAdminOnly 翻转 adminonly 并返回新值
func (s *SettingServiceImpl) ToggleAdminOnly(ctx context.Context, updatedBy int64) (bool, error) {
	enabled, err := s.settingRepo.Toggle(ctx, models.SettingAdminOnly, updatedBy)
	if err != nil {
		logger.L().Errorf("Failed to toggle adminonly: %v", err)
		return false, err
	}
	logger.L().Infof("adminonly set to %t by %d", enabled, updatedBy)
	return enabled, nil
}
