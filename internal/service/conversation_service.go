// Package service 包含了应用的业务逻辑层。
package service

import (
	"errors"
	"strings"
	"traible-go/internal/model"
	"traible-go/internal/repository"

	"gorm.io/gorm"
)

// ConversationService 定义了会话管理的业务接口。
type ConversationService interface {
	ListConversations(userID uint) ([]model.Conversation, error)
	GetTranscript(userID uint, conversationID string) ([]model.Message, error)
	RenameConversation(userID uint, conversationID, title string) error
	DeleteConversation(userID uint, conversationID string) error
}

type conversationService struct {
	repo repository.ConversationRepository
}

// NewConversationService 创建一个新的 ConversationService。
func NewConversationService(repo repository.ConversationRepository) ConversationService {
	return &conversationService{repo: repo}
}

// ListConversations 返回用户的全部会话，按最近更新排序。
func (s *conversationService) ListConversations(userID uint) ([]model.Conversation, error) {
	return s.repo.FindByUserID(userID)
}

// GetTranscript 返回会话的完整消息记录，按时间升序。
func (s *conversationService) GetTranscript(userID uint, conversationID string) ([]model.Message, error) {
	if _, err := s.repo.FindByUserAndID(userID, conversationID); err != nil {
		return nil, errors.New("会话不存在或无权访问")
	}
	return s.repo.FindMessages(conversationID)
}

// RenameConversation 重命名会话，仅限会话属主操作。
func (s *conversationService) RenameConversation(userID uint, conversationID, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return errors.New("标题不能为空")
	}
	if _, err := s.repo.FindByUserAndID(userID, conversationID); err != nil {
		return errors.New("会话不存在或无权访问")
	}
	return s.repo.UpdateTitle(conversationID, title)
}

// DeleteConversation 删除会话及其全部消息。
func (s *conversationService) DeleteConversation(userID uint, conversationID string) error {
	err := s.repo.Delete(userID, conversationID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errors.New("会话不存在或无权访问")
	}
	return err
}
