// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
	"traible-go/internal/model"
	"traible-go/internal/repository"
	"traible-go/pkg/log"

	"github.com/gorilla/websocket"
)

// historyWindow 是每轮回答注入的历史消息条数上限。
const historyWindow = 10

// conversationTitleRunes 是自动生成会话标题时取首问的字符数。
const conversationTitleRunes = 50

// ChatRequest 是一轮对话的输入。ConversationID 为空时按文档组合复用或新建会话。
type ChatRequest struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
	DocumentIDs    []uint `json:"document_ids"`
}

// ChatResponse 是一轮非流式对话的输出。
type ChatResponse struct {
	ConversationID string           `json:"conversation_id"`
	Message        string           `json:"message"`
	References     model.References `json:"references"`
}

// ChatService 定义了文档问答的编排接口。
type ChatService interface {
	// Chat 执行一轮完整的问答并返回整段回答。
	Chat(ctx context.Context, user *model.User, req ChatRequest) (*ChatResponse, error)
	// StreamChat 执行一轮问答并将回答流式写入 websocket 连接。
	StreamChat(ctx context.Context, user *model.User, req ChatRequest, ws *websocket.Conn, shouldStop func() bool) error
}

type chatService struct {
	retrievalService RetrievalService
	answerService    AnswerService
	docRepo          repository.DocumentRepository
	conversationRepo repository.ConversationRepository
}

// NewChatService 创建一个新的 ChatService 实例。
func NewChatService(
	retrievalService RetrievalService,
	answerService AnswerService,
	docRepo repository.DocumentRepository,
	conversationRepo repository.ConversationRepository,
) ChatService {
	return &chatService{
		retrievalService: retrievalService,
		answerService:    answerService,
		docRepo:          docRepo,
		conversationRepo: conversationRepo,
	}
}

// chatTurn 是一轮问答中流式与非流式路径共享的前置状态。
type chatTurn struct {
	conversation *model.Conversation
	docs         []model.Document
	history      []model.Message
	contextText  string
	references   model.References
}

// prepare 完成检索与会话定位：校验文档所有权、定位（或创建）会话、
// 读取历史窗口、执行检索并拼装上下文。
func (s *chatService) prepare(ctx context.Context, user *model.User, req ChatRequest) (*chatTurn, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("消息内容不能为空")
	}

	// 1. 文档所有权校验：只检索属于当前用户的文档
	docs, err := s.docRepo.FindByUserAndIDs(user.ID, req.DocumentIDs)
	if err != nil {
		return nil, fmt.Errorf("查询文档失败: %w", err)
	}
	if len(req.DocumentIDs) > 0 && len(docs) == 0 {
		return nil, fmt.Errorf("指定的文档不存在或无权访问")
	}

	// 2. 定位会话：显式指定时校验所有权，否则按文档组合复用
	var conv *model.Conversation
	if req.ConversationID != "" {
		conv, err = s.conversationRepo.FindByUserAndID(user.ID, req.ConversationID)
		if err != nil {
			return nil, fmt.Errorf("查询会话失败: %w", err)
		}
	} else {
		title := firstRunes(req.Message, conversationTitleRunes)
		conv, _, err = s.conversationRepo.GetOrCreateByDocSetKey(user.ID, DocumentSetKey(req.DocumentIDs), title)
		if err != nil {
			return nil, fmt.Errorf("创建会话失败: %w", err)
		}
	}

	// 3. 历史窗口在写入本轮提问前读取，保证交替注入从 assistant 开始
	history, err := s.conversationRepo.FindRecentMessages(conv.ID, historyWindow)
	if err != nil {
		log.Errorf("[Chat] 读取会话 %s 历史失败: %v", conv.ID, err)
		history = nil
	}

	// 4. 检索上下文。软性错误只记录日志，不阻断回答。
	result := s.retrievalService.Retrieve(ctx, req.Message, docs)
	for _, docErr := range result.Errors {
		log.Warnf("[Chat] 文档 %d 检索降级: %s", docErr.DocumentID, docErr.Reason)
	}

	references := model.References{}
	for _, p := range result.Passages {
		references.Contexts = append(references.Contexts, p.Text)
	}
	for _, doc := range docs {
		references.DocumentIDs = append(references.DocumentIDs, doc.ID)
	}

	return &chatTurn{
		conversation: conv,
		docs:         docs,
		history:      history,
		contextText:  s.retrievalService.ContextText(result, docs),
		references:   references,
	}, nil
}

// Chat 执行一轮完整的问答。
func (s *chatService) Chat(ctx context.Context, user *model.User, req ChatRequest) (*ChatResponse, error) {
	turn, err := s.prepare(ctx, user, req)
	if err != nil {
		return nil, err
	}

	answer, err := s.answerService.Answer(ctx, req.Message, turn.contextText, turn.history)
	if err != nil {
		return nil, err
	}

	s.persistTurn(turn, req.Message, answer)
	return &ChatResponse{
		ConversationID: turn.conversation.ID,
		Message:        answer,
		References:     turn.references,
	}, nil
}

// StreamChat 执行一轮问答并流式下发。回答分块经 wsWriterInterceptor
// 包装为 JSON 发往客户端，流结束后发送完成通知并持久化本轮消息。
func (s *chatService) StreamChat(ctx context.Context, user *model.User, req ChatRequest, ws *websocket.Conn, shouldStop func() bool) error {
	turn, err := s.prepare(ctx, user, req)
	if err != nil {
		return err
	}

	interceptor := &wsWriterInterceptor{conn: ws, shouldStop: shouldStop}
	answer, err := s.answerService.StreamAnswer(ctx, req.Message, turn.contextText, turn.history, interceptor)
	if err != nil {
		return err
	}

	sendCompletion(ws, turn.conversation.ID)
	if answer != "" {
		s.persistTurn(turn, req.Message, answer)
	}
	return nil
}

// persistTurn 保存一轮问答的两条消息。持久化失败只记录日志，
// 因为回答已经成功生成并送达。
func (s *chatService) persistTurn(turn *chatTurn, question, answer string) {
	userMsg := &model.Message{
		ConversationID: turn.conversation.ID,
		Role:           model.RoleUser,
		Content:        question,
	}
	if err := s.conversationRepo.AppendMessage(userMsg); err != nil {
		log.Errorf("[Chat] 保存用户消息失败, 会话: %s, Error: %v", turn.conversation.ID, err)
		return
	}

	assistantMsg := &model.Message{
		ConversationID: turn.conversation.ID,
		Role:           model.RoleAssistant,
		Content:        answer,
		References:     turn.references,
	}
	if err := s.conversationRepo.AppendMessage(assistantMsg); err != nil {
		log.Errorf("[Chat] 保存助手消息失败, 会话: %s, Error: %v", turn.conversation.ID, err)
	}
}

// DocumentSetKey 计算文档 ID 集合的稳定哈希，与传入顺序无关。
func DocumentSetKey(ids []uint) string {
	sorted := make([]uint, len(ids))
	copy(sorted, ids)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var b strings.Builder
	for i, id := range sorted {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, "%d", id)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return fmt.Sprintf("%x", sum)
}

// firstRunes 截取字符串的前 n 个字符。
func firstRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// wsWriterInterceptor 是对 websocket.Conn 的封装，将流式分块包装为 JSON 下发。
type wsWriterInterceptor struct {
	conn       *websocket.Conn
	shouldStop func() bool
}

// WriteMessage 满足 llm.MessageWriter 接口。
func (w *wsWriterInterceptor) WriteMessage(messageType int, data []byte) error {
	if w.shouldStop != nil && w.shouldStop() {
		// 停止标志生效：跳过下发
		return nil
	}
	payload := map[string]string{"chunk": string(data)}
	b, _ := json.Marshal(payload)
	return w.conn.WriteMessage(messageType, b)
}

// sendCompletion 发送完成通知 JSON
func sendCompletion(ws *websocket.Conn, conversationID string) {
	notif := map[string]interface{}{
		"type":            "completion",
		"status":          "finished",
		"conversation_id": conversationID,
		"timestamp":       time.Now().UnixMilli(),
	}
	b, _ := json.Marshal(notif)
	_ = ws.WriteMessage(websocket.TextMessage, b)
}
