package service

import (
	"context"
	"fmt"

	"relay_bot/internal/logger"
	"relay_bot/internal/telegram/models"
	"relay_bot/internal/telegram/repository"
)

// RuleServiceImpl 转发规则服务实现
type RuleServiceImpl struct {
	ruleRepo repository.RuleRepository
}

// NewRuleService 创建转发规则服务
func NewRuleService(ruleRepo repository.RuleRepository) RuleService {
	return &RuleServiceImpl{
		ruleRepo: ruleRepo,
	}
}

// SetRule 创建规则，已存在时只推进断点（断点不会回退）
func (s *RuleServiceImpl) SetRule(ctx context.Context, key models.RuleKey, lastProcessedID int) (*models.ForwardRule, error) {
	if key.SourceChatID == key.DestinationChatID {
		return nil, ErrSameChat
	}
	if lastProcessedID < 0 {
		return nil, fmt.Errorf("last processed id must be >= 0, got %d", lastProcessedID)
	}

	rule, err := s.ruleRepo.Upsert(ctx, key, lastProcessedID)
	if err != nil {
		logger.L().Errorf("Failed to set rule %s: %v", key, err)
		return nil, err
	}

	logger.L().Infof("Rule set: %s, checkpoint=%d", key, rule.LastProcessedMessageID)
	return rule, nil
}

// UnsetRule 删除单条规则
func (s *RuleServiceImpl) UnsetRule(ctx context.Context, key models.RuleKey) (bool, error) {
	deleted, err := s.ruleRepo.Delete(ctx, key)
	if err != nil {
		logger.L().Errorf("Failed to unset rule %s: %v", key, err)
		return false, err
	}
	if deleted {
		logger.L().Infof("Rule unset: %s", key)
	}
	return deleted, nil
}

// UnsetBySource 删除用户以该会话为源的所有规则
func (s *RuleServiceImpl) UnsetBySource(ctx context.Context, ownerID, sourceChatID int64) (int64, error) {
	n, err := s.ruleRepo.DeleteBySource(ctx, ownerID, sourceChatID)
	if err != nil {
		logger.L().Errorf("Failed to unset rules of source %d for owner %d: %v", sourceChatID, ownerID, err)
		return 0, err
	}
	logger.L().Infof("Rules unset by source: owner=%d, source=%d, deleted=%d", ownerID, sourceChatID, n)
	return n, nil
}

// UnsetByDestination 删除用户以该会话为目标的所有规则
func (s *RuleServiceImpl) UnsetByDestination(ctx context.Context, ownerID, destinationChatID int64) (int64, error) {
	n, err := s.ruleRepo.DeleteByDestination(ctx, ownerID, destinationChatID)
	if err != nil {
		logger.L().Errorf("Failed to unset rules of destination %d for owner %d: %v", destinationChatID, ownerID, err)
		return 0, err
	}
	logger.L().Infof("Rules unset by destination: owner=%d, destination=%d, deleted=%d", ownerID, destinationChatID, n)
	return n, nil
}

// ListRules 列出用户的所有规则
func (s *RuleServiceImpl) ListRules(ctx context.Context, ownerID int64) ([]*models.ForwardRule, error) {
	rules, err := s.ruleRepo.ListByOwner(ctx, ownerID)
	if err != nil {
		logger.L().Errorf("Failed to list rules for owner %d: %v", ownerID, err)
		return nil, err
	}
	return rules, nil
}
