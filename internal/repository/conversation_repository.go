// Package repository 定义了与数据库进行数据交换的接口和实现。
package repository

import (
	"errors"
	"traible-go/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ConversationRepository 定义了会话与消息的持久化操作。
type ConversationRepository interface {
	Create(conv *model.Conversation) error
	FindByUserAndID(userID uint, id string) (*model.Conversation, error)
	FindByUserID(userID uint) ([]model.Conversation, error)
	// GetOrCreateByDocSetKey 按 (userID, docSetKey) 复用既有会话，不存在时创建。
	GetOrCreateByDocSetKey(userID uint, docSetKey, title string) (*model.Conversation, bool, error)
	UpdateTitle(id, title string) error
	Delete(userID uint, id string) error

	AppendMessage(msg *model.Message) error
	FindMessages(conversationID string) ([]model.Message, error)
	// FindRecentMessages 返回会话最近的 limit 条消息，仍按时间升序排列。
	FindRecentMessages(conversationID string, limit int) ([]model.Message, error)
}

// conversationRepository 是 ConversationRepository 接口的 GORM 实现。
type conversationRepository struct {
	db *gorm.DB
}

// NewConversationRepository 创建一个新的 ConversationRepository 实例。
func NewConversationRepository(db *gorm.DB) ConversationRepository {
	return &conversationRepository{db: db}
}

// Create 创建一个新会话，ID 缺省时自动生成。
func (r *conversationRepository) Create(conv *model.Conversation) error {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	return r.db.Create(conv).Error
}

// FindByUserAndID 在指定用户名下查找会话，用于所有权校验。
func (r *conversationRepository) FindByUserAndID(userID uint, id string) (*model.Conversation, error) {
	var conv model.Conversation
	err := r.db.Where("user_id = ? AND id = ?", userID, id).First(&conv).Error
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// FindByUserID 检索用户的全部会话，按最近更新倒序。
func (r *conversationRepository) FindByUserID(userID uint) ([]model.Conversation, error) {
	var convs []model.Conversation
	err := r.db.Where("user_id = ?", userID).Order("updated_at DESC").Find(&convs).Error
	return convs, err
}

// GetOrCreateByDocSetKey 按文档组合键复用会话。
// 返回值第二项表示会话是否为本次新建。
func (r *conversationRepository) GetOrCreateByDocSetKey(userID uint, docSetKey, title string) (*model.Conversation, bool, error) {
	var conv model.Conversation
	err := r.db.Where("user_id = ? AND document_set_key = ?", userID, docSetKey).First(&conv).Error
	if err == nil {
		return &conv, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	conv = model.Conversation{
		ID:             uuid.NewString(),
		UserID:         userID,
		Title:          title,
		DocumentSetKey: docSetKey,
	}
	if err := r.db.Create(&conv).Error; err != nil {
		// 并发创建时唯一键冲突，回读已有记录
		var existing model.Conversation
		if readErr := r.db.Where("user_id = ? AND document_set_key = ?", userID, docSetKey).
			First(&existing).Error; readErr == nil {
			return &existing, false, nil
		}
		return nil, false, err
	}
	return &conv, true, nil
}

// UpdateTitle 更新会话标题。
func (r *conversationRepository) UpdateTitle(id, title string) error {
	return r.db.Model(&model.Conversation{}).Where("id = ?", id).Update("title", title).Error
}

// Delete 删除会话及其全部消息。
func (r *conversationRepository) Delete(userID uint, id string) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		result := tx.Where("user_id = ? AND id = ?", userID, id).Delete(&model.Conversation{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return tx.Where("conversation_id = ?", id).Delete(&model.Message{}).Error
	})
}

// AppendMessage 追加一条消息，ID 缺省时自动生成。消息创建后不可修改。
func (r *conversationRepository) AppendMessage(msg *model.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	return r.db.Create(msg).Error
}

// FindMessages 返回会话的全部消息，按时间升序。
func (r *conversationRepository) FindMessages(conversationID string) ([]model.Message, error) {
	var msgs []model.Message
	err := r.db.Where("conversation_id = ?", conversationID).
		Order("created_at ASC, id ASC").Find(&msgs).Error
	return msgs, err
}

// FindRecentMessages 返回会话最近的 limit 条消息，按时间升序排列。
func (r *conversationRepository) FindRecentMessages(conversationID string, limit int) ([]model.Message, error) {
	var msgs []model.Message
	err := r.db.Where("conversation_id = ?", conversationID).
		Order("created_at DESC, id DESC").Limit(limit).Find(&msgs).Error
	if err != nil {
		return nil, err
	}
	// 倒序查询取最近 N 条后翻转回时间升序
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}
