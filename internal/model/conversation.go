// Package model 包含了应用的数据模型定义。
package model

import (
	"database/sql/driver"
	"time"
)

// Conversation 代表一个用户与某个文档组合之间的会话。
// DocumentSetKey 是关联文档 ID 集合的稳定哈希（与顺序无关），
// 当客户端未显式指定会话 ID 时，同一文档组合复用同一会话。
type Conversation struct {
	ID             string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID         uint      `gorm:"not null;index;uniqueIndex:uk_user_docset,priority:1" json:"userId"`
	Title          string    `gorm:"type:varchar(255);not null" json:"title"`
	DocumentSetKey string    `gorm:"type:varchar(64);uniqueIndex:uk_user_docset,priority:2" json:"-"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Conversation) TableName() string {
	return "conversations"
}

// 消息角色。role 的交替只是软约束，存储层不做强制。
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message 代表会话中的一条消息，创建后不可修改。
// 会话的完整记录按 CreatedAt 升序排列。
type Message struct {
	ID             string     `gorm:"type:varchar(36);primaryKey" json:"id"`
	ConversationID string     `gorm:"type:varchar(36);not null;index" json:"conversationId"`
	Role           string     `gorm:"type:varchar(20);not null" json:"role"`
	Content        string     `gorm:"type:text;not null" json:"content"`
	References     References `gorm:"type:json" json:"references"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"createdAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Message) TableName() string {
	return "messages"
}

// References 记录一条助手消息引用的文档和上下文片段。
type References struct {
	DocumentIDs []uint   `json:"document_ids,omitempty"`
	Contexts    []string `json:"contexts,omitempty"`
}

func (r References) Value() (driver.Value, error) { return jsonValue(r) }
func (r *References) Scan(src interface{}) error  { return jsonScan(src, r) }
