// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"fmt"
	"strings"
	"traible-go/internal/model"
	"traible-go/pkg/llm"

	"github.com/gorilla/websocket"
)

// noContextMessage 是检索不到任何上下文时的固定回复，此时不调用外部模型。
const noContextMessage = "No relevant context found in the documents. " +
	"Please check if the document was processed correctly."

// visualInstruction 在图示类问题前追加，引导模型优先使用图像描述内容。
const visualInstruction = "Important: the context contains image descriptions extracted from " +
	"the document pages. Base your answer on these descriptions when the question is about " +
	"diagrams, figures or machinery, and say explicitly when no diagram information is available.\n\n"

// 回答生成的固定采样参数，偏低温以贴合事实性问答。
var (
	answerTemperature = 0.3
	answerMaxTokens   = 1024
)

// AnswerService 定义了基于上下文的回答生成接口。
type AnswerService interface {
	// Answer 阻塞生成完整回答。
	Answer(ctx context.Context, question, contextText string, history []model.Message) (string, error)
	// StreamAnswer 流式生成回答并写入 writer，返回累积的完整文本。
	StreamAnswer(ctx context.Context, question, contextText string, history []model.Message, writer llm.MessageWriter) (string, error)
}

type answerService struct {
	llmClient llm.Client
}

// NewAnswerService 创建一个新的 AnswerService 实例。
func NewAnswerService(llmClient llm.Client) AnswerService {
	return &answerService{llmClient: llmClient}
}

// Answer 生成完整回答。上下文为空时直接返回固定说明，不产生模型调用。
func (s *answerService) Answer(ctx context.Context, question, contextText string, history []model.Message) (string, error) {
	if strings.TrimSpace(contextText) == "" {
		return noContextMessage, nil
	}
	messages := composeAnswerMessages(question, contextText, history)
	answer, err := s.llmClient.ChatMessages(ctx, messages, answerParams())
	if err != nil {
		return "", fmt.Errorf("生成回答失败: %w", err)
	}
	return answer, nil
}

// StreamAnswer 流式生成回答。上下文为空时将固定说明作为单个分块下发。
func (s *answerService) StreamAnswer(ctx context.Context, question, contextText string, history []model.Message, writer llm.MessageWriter) (string, error) {
	if strings.TrimSpace(contextText) == "" {
		if err := writer.WriteMessage(websocket.TextMessage, []byte(noContextMessage)); err != nil {
			return "", fmt.Errorf("下发固定回复失败: %w", err)
		}
		return noContextMessage, nil
	}

	messages := composeAnswerMessages(question, contextText, history)
	collector := NewStreamCollector(writer)
	if err := s.llmClient.StreamChatMessages(ctx, messages, answerParams(), collector); err != nil {
		return "", fmt.Errorf("流式生成回答失败: %w", err)
	}
	return collector.Finalize(), nil
}

// composeAnswerMessages 构建发给模型的消息序列：
// 首条是包含上下文、指令与问题的合并 user 消息，
// 之后回放历史，跳过与期望角色不符的消息以保证 user/assistant 严格交替。
func composeAnswerMessages(question, contextText string, history []model.Message) []llm.Message {
	var first strings.Builder
	first.WriteString("Here is the context from the documents:\n\n")
	first.WriteString(contextText)
	first.WriteString("\n\n")
	if isVisualQuery(question) {
		first.WriteString(visualInstruction)
	}
	first.WriteString("Question: ")
	first.WriteString(question)

	messages := []llm.Message{{Role: model.RoleUser, Content: first.String()}}

	// 首条是 user，因此历史从 assistant 开始交替注入
	expected := model.RoleAssistant
	for _, msg := range history {
		if msg.Role != expected {
			continue
		}
		messages = append(messages, llm.Message{Role: msg.Role, Content: msg.Content})
		if expected == model.RoleAssistant {
			expected = model.RoleUser
		} else {
			expected = model.RoleAssistant
		}
	}
	return messages
}

func answerParams() *llm.GenerationParams {
	return &llm.GenerationParams{
		Temperature: &answerTemperature,
		MaxTokens:   &answerMaxTokens,
	}
}

// StreamCollector 包装一个下游 writer，在转发流式分块的同时累积完整文本。
type StreamCollector struct {
	inner llm.MessageWriter
	buf   strings.Builder
}

// NewStreamCollector 创建一个 StreamCollector。inner 可以为 nil，此时只做累积。
func NewStreamCollector(inner llm.MessageWriter) *StreamCollector {
	return &StreamCollector{inner: inner}
}

// WriteMessage 满足 llm.MessageWriter 接口。
func (c *StreamCollector) WriteMessage(messageType int, data []byte) error {
	c.buf.Write(data)
	if c.inner == nil {
		return nil
	}
	return c.inner.WriteMessage(messageType, data)
}

// Finalize 返回累积的完整文本。
func (c *StreamCollector) Finalize() string {
	return c.buf.String()
}
