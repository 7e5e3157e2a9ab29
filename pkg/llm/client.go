// Package llm provides a client for interacting with Large Language Models.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
	"traible-go/internal/config"

	"github.com/gorilla/websocket"
)

// ErrThrottled 表示上游模型服务返回了限流信号（HTTP 429 或响应体中的限流提示）。
// 限流与其他失败区分开：只有限流才会被 ratelimit 组件重试。
var ErrThrottled = errors.New("llm service throttled the request")

// MessageWriter defines an interface for writing streamed chunks.
// This allows both a standard websocket.Conn and an interceptor to be used.
type MessageWriter interface {
	WriteMessage(messageType int, data []byte) error
}

// Client defines the interface for an LLM client.
type Client interface {
	// ChatMessages 以 role-based 消息调用聊天接口，阻塞直到模型生成完毕，返回完整文本。
	ChatMessages(ctx context.Context, messages []Message, gen *GenerationParams) (string, error)
	// StreamChatMessages 以 role-based 消息调用聊天接口，并将流式分块写入 writer。
	StreamChatMessages(ctx context.Context, messages []Message, gen *GenerationParams, writer MessageWriter) error
	// DescribeImage 调用多模态模型，对页面图像生成技术性描述文本。
	DescribeImage(ctx context.Context, imagePNG []byte, prompt string) (string, error)
}

// Message 表示一条角色消息
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationParams 控制生成行为
type GenerationParams struct {
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

type openAICompatibleClient struct {
	cfg    config.LLMConfig
	client *http.Client
}

// NewClient creates a new LLM client based on the config.
func NewClient(cfg config.LLMConfig) Client {
	// 连接超时与读取超时分开配置：
	// 建立连接秒级超时，读取（尤其是流式响应首包）允许更长时间。
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: time.Duration(cfg.ConnectTimeout) * time.Second,
		}).DialContext,
		ResponseHeaderTimeout: time.Duration(cfg.ReadTimeout) * time.Second,
	}
	return &openAICompatibleClient{
		cfg:    cfg,
		client: &http.Client{Transport: transport},
	}
}

type chatRequest struct {
	Model       string          `json:"model"`
	Messages    json.RawMessage `json:"messages"`
	Stream      bool            `json:"stream"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
}

type chatStreamResponse struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

type chatWholeResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// ChatMessages 阻塞调用聊天接口并返回完整回答。
func (c *openAICompatibleClient) ChatMessages(ctx context.Context, messages []Message, gen *GenerationParams) (string, error) {
	resp, err := c.postChat(ctx, c.cfg.Model, mustMarshal(messages), gen, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var whole chatWholeResponse
	if err := json.NewDecoder(resp.Body).Decode(&whole); err != nil {
		return "", fmt.Errorf("failed to decode chat response: %w", err)
	}
	if len(whole.Choices) == 0 {
		return "", errors.New("chat api returned no choices")
	}
	return whole.Choices[0].Message.Content, nil
}

// StreamChatMessages 调用聊天接口并将 SSE 流式分块写入 writer。
func (c *openAICompatibleClient) StreamChatMessages(ctx context.Context, messages []Message, gen *GenerationParams, writer MessageWriter) error {
	resp, err := c.postChat(ctx, c.cfg.Model, mustMarshal(messages), gen, true)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("failed to read from stream: %w", err)
		}

		if strings.HasPrefix(line, "data: ") {
			data := strings.TrimPrefix(line, "data: ")
			if strings.TrimSpace(data) == "[DONE]" {
				break
			}

			var chunk chatStreamResponse
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}

			if len(chunk.Choices) > 0 {
				content := chunk.Choices[0].Delta.Content
				if content == "" {
					continue
				}
				if err := writer.WriteMessage(websocket.TextMessage, []byte(content)); err != nil {
					return fmt.Errorf("failed to write stream chunk: %w", err)
				}
			}
		}
	}
	return nil
}

// visionMessage 是多模态消息结构：content 为文本与图像分块的数组。
type visionMessage struct {
	Role    string        `json:"role"`
	Content []visionBlock `json:"content"`
}

type visionBlock struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *visionImageURL `json:"image_url,omitempty"`
}

type visionImageURL struct {
	URL string `json:"url"`
}

// DescribeImage 将页面图像编码为 data URL，请求多模态模型生成技术描述。
func (c *openAICompatibleClient) DescribeImage(ctx context.Context, imagePNG []byte, prompt string) (string, error) {
	model := c.cfg.VisionModel
	if model == "" {
		model = c.cfg.Model
	}

	dataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(imagePNG)
	msgs := []visionMessage{
		{
			Role: "user",
			Content: []visionBlock{
				{Type: "text", Text: prompt},
				{Type: "image_url", ImageURL: &visionImageURL{URL: dataURL}},
			},
		},
	}

	resp, err := c.postChat(ctx, model, mustMarshal(msgs), nil, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var whole chatWholeResponse
	if err := json.NewDecoder(resp.Body).Decode(&whole); err != nil {
		return "", fmt.Errorf("failed to decode vision response: %w", err)
	}
	if len(whole.Choices) == 0 {
		return "", errors.New("vision api returned no choices")
	}
	return whole.Choices[0].Message.Content, nil
}

// postChat 发送聊天请求并检查响应状态。429 被转换为 ErrThrottled。
func (c *openAICompatibleClient) postChat(ctx context.Context, model string, messages json.RawMessage, gen *GenerationParams, stream bool) (*http.Response, error) {
	reqBody := chatRequest{
		Model:    model,
		Messages: messages,
		Stream:   stream,
	}
	if gen != nil {
		reqBody.Temperature = gen.Temperature
		reqBody.TopP = gen.TopP
		reqBody.MaxTokens = gen.MaxTokens
	} else {
		// 从全局配置注入（若非零值）
		if c.cfg.Temperature != 0 {
			t := c.cfg.Temperature
			reqBody.Temperature = &t
		}
		if c.cfg.MaxTokens != 0 {
			m := c.cfg.MaxTokens
			reqBody.MaxTokens = &m
		}
	}

	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+"/chat/completions", bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create chat request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call chat api: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if isThrottleResponse(resp.StatusCode, bodyBytes) {
			return nil, fmt.Errorf("chat api throttled: %s, body: %s: %w", resp.Status, string(bodyBytes), ErrThrottled)
		}
		return nil, fmt.Errorf("chat api returned non-200 status: %s, body: %s", resp.Status, string(bodyBytes))
	}
	return resp, nil
}

// isThrottleResponse 判断失败响应是否为限流。除 429 外，部分网关在
// 5xx 响应体里用文字报告限流，这类响应同样要走退避重试。
func isThrottleResponse(statusCode int, body []byte) bool {
	if statusCode == http.StatusTooManyRequests {
		return true
	}
	lowered := strings.ToLower(string(body))
	return strings.Contains(lowered, "rate limit") ||
		strings.Contains(lowered, "too many requests") ||
		strings.Contains(lowered, "throttl")
}

func mustMarshal(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		// messages 均为本包内构造的可序列化结构，序列化失败属于编程错误
		panic(err)
	}
	return b
}
