// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"net/http"
	"traible-go/internal/service"
	"traible-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// ConversationHandler 处理与会话相关的 API 请求。
type ConversationHandler struct {
	service service.ConversationService
}

// NewConversationHandler 创建一个新的 ConversationHandler。
func NewConversationHandler(service service.ConversationService) *ConversationHandler {
	return &ConversationHandler{service: service}
}

// ListConversations 返回当前用户的全部会话。
func (h *ConversationHandler) ListConversations(c *gin.Context) {
	user := getUserFromContext(c)

	convs, err := h.service.ListConversations(user.ID)
	if err != nil {
		log.Errorf("ListConversations: failed for user %s, err: %v", user.Username, err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    http.StatusInternalServerError,
			"message": "获取会话列表失败",
			"data":    nil,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data":    convs,
	})
}

// GetTranscript 返回指定会话的完整消息记录。
func (h *ConversationHandler) GetTranscript(c *gin.Context) {
	user := getUserFromContext(c)
	conversationID := c.Param("id")

	messages, err := h.service.GetTranscript(user.ID, conversationID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data":    messages,
	})
}

// RenameConversation 修改指定会话的标题。
func (h *ConversationHandler) RenameConversation(c *gin.Context) {
	user := getUserFromContext(c)
	conversationID := c.Param("id")

	var req struct {
		Title string `json:"title" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求参数错误: " + err.Error()})
		return
	}

	if err := h.service.RenameConversation(user.ID, conversationID, req.Title); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "会话重命名成功",
	})
}

// DeleteConversation 删除指定会话及其全部消息。
func (h *ConversationHandler) DeleteConversation(c *gin.Context) {
	user := getUserFromContext(c)
	conversationID := c.Param("id")

	if err := h.service.DeleteConversation(user.ID, conversationID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "会话删除成功",
	})
}
