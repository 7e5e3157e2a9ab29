package service

import (
	"context"
	"strings"
	"testing"
	"traible-go/internal/model"
	"traible-go/pkg/llm"
)

// fakeLLMClient 记录收到的消息序列并返回固定回答。
type fakeLLMClient struct {
	lastMessages []llm.Message
	lastParams   *llm.GenerationParams
	answer       string
	chatCalls    int
	streamCalls  int
}

func (f *fakeLLMClient) ChatMessages(_ context.Context, messages []llm.Message, gen *llm.GenerationParams) (string, error) {
	f.chatCalls++
	f.lastMessages = messages
	f.lastParams = gen
	return f.answer, nil
}

func (f *fakeLLMClient) StreamChatMessages(_ context.Context, messages []llm.Message, gen *llm.GenerationParams, writer llm.MessageWriter) error {
	f.streamCalls++
	f.lastMessages = messages
	f.lastParams = gen
	// 模拟上游把回答拆成多个分块下发
	for _, chunk := range []string{f.answer[:len(f.answer)/2], f.answer[len(f.answer)/2:]} {
		if err := writer.WriteMessage(1, []byte(chunk)); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeLLMClient) DescribeImage(_ context.Context, _ []byte, _ string) (string, error) {
	return "", nil
}

// recordingWriter 记录每次下发的分块。
type recordingWriter struct {
	chunks []string
}

func (w *recordingWriter) WriteMessage(_ int, data []byte) error {
	w.chunks = append(w.chunks, string(data))
	return nil
}

func TestAnswerWithoutContextSkipsModel(t *testing.T) {
	client := &fakeLLMClient{answer: "should not be used"}
	svc := NewAnswerService(client)

	answer, err := svc.Answer(context.Background(), "question", "   \n", nil)
	if err != nil {
		t.Fatalf("生成回答失败: %v", err)
	}
	if answer != noContextMessage {
		t.Fatalf("空上下文应返回固定说明, 实际: %q", answer)
	}
	if client.chatCalls != 0 {
		t.Fatalf("空上下文不应调用模型, 实际调用 %d 次", client.chatCalls)
	}
}

func TestAnswerComposesContextAndQuestion(t *testing.T) {
	client := &fakeLLMClient{answer: "保修期为两年。"}
	svc := NewAnswerService(client)

	answer, err := svc.Answer(context.Background(), "What is the warranty period?", "Warranty: 2 years.", nil)
	if err != nil {
		t.Fatalf("生成回答失败: %v", err)
	}
	if answer != "保修期为两年。" {
		t.Fatalf("回答不符: %q", answer)
	}

	if len(client.lastMessages) != 1 {
		t.Fatalf("无历史时应只有 1 条消息, 实际 %d 条", len(client.lastMessages))
	}
	first := client.lastMessages[0]
	if first.Role != model.RoleUser {
		t.Fatalf("首条消息角色应为 user, 实际 %q", first.Role)
	}
	if !strings.Contains(first.Content, "Warranty: 2 years.") {
		t.Fatal("首条消息应包含上下文")
	}
	if !strings.Contains(first.Content, "Question: What is the warranty period?") {
		t.Fatal("首条消息应包含问题")
	}
	if strings.Contains(first.Content, "image descriptions") {
		t.Fatal("非图示类问题不应追加图示指令")
	}

	if client.lastParams == nil || client.lastParams.Temperature == nil || *client.lastParams.Temperature != 0.3 {
		t.Fatalf("采样温度不符: %+v", client.lastParams)
	}
	if *client.lastParams.MaxTokens != 1024 {
		t.Fatalf("最大 token 数不符: %d", *client.lastParams.MaxTokens)
	}
}

func TestAnswerVisualQuestionAddsInstruction(t *testing.T) {
	client := &fakeLLMClient{answer: "ok"}
	svc := NewAnswerService(client)

	if _, err := svc.Answer(context.Background(), "show me the diagram", "some context", nil); err != nil {
		t.Fatalf("生成回答失败: %v", err)
	}
	if !strings.Contains(client.lastMessages[0].Content, "image descriptions") {
		t.Fatal("图示类问题应追加图示指令")
	}
}

func TestAnswerHistoryKeepsStrictAlternation(t *testing.T) {
	client := &fakeLLMClient{answer: "ok"}
	svc := NewAnswerService(client)

	// 历史中出现连续的同角色消息，重放时应跳过不交替的条目
	history := []model.Message{
		{Role: model.RoleUser, Content: "被跳过的首条用户消息"},
		{Role: model.RoleAssistant, Content: "回答一"},
		{Role: model.RoleAssistant, Content: "被跳过的连续回答"},
		{Role: model.RoleUser, Content: "问题二"},
		{Role: model.RoleAssistant, Content: "回答二"},
	}
	if _, err := svc.Answer(context.Background(), "question", "context", history); err != nil {
		t.Fatalf("生成回答失败: %v", err)
	}

	roles := make([]string, 0, len(client.lastMessages))
	for _, m := range client.lastMessages {
		roles = append(roles, m.Role)
	}
	want := []string{model.RoleUser, model.RoleAssistant, model.RoleUser, model.RoleAssistant}
	if len(roles) != len(want) {
		t.Fatalf("消息条数不符: %v", roles)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Fatalf("第 %d 条消息角色应为 %s, 实际 %s", i, want[i], roles[i])
		}
	}
	if client.lastMessages[1].Content != "回答一" || client.lastMessages[3].Content != "回答二" {
		t.Fatal("历史重放内容不符")
	}
}

func TestStreamAnswerForwardsChunksAndAccumulates(t *testing.T) {
	client := &fakeLLMClient{answer: "分块一分块二"}
	svc := NewAnswerService(client)
	writer := &recordingWriter{}

	full, err := svc.StreamAnswer(context.Background(), "question", "context", nil, writer)
	if err != nil {
		t.Fatalf("流式生成失败: %v", err)
	}
	if full != "分块一分块二" {
		t.Fatalf("累积文本不符: %q", full)
	}
	if len(writer.chunks) != 2 {
		t.Fatalf("期望转发 2 个分块, 实际 %d 个", len(writer.chunks))
	}
	if strings.Join(writer.chunks, "") != full {
		t.Fatal("转发分块拼接后应等于累积文本")
	}
}

func TestStreamAnswerWithoutContextSendsFixedMessage(t *testing.T) {
	client := &fakeLLMClient{answer: "unused"}
	svc := NewAnswerService(client)
	writer := &recordingWriter{}

	full, err := svc.StreamAnswer(context.Background(), "question", "", nil, writer)
	if err != nil {
		t.Fatalf("流式生成失败: %v", err)
	}
	if full != noContextMessage {
		t.Fatalf("空上下文应返回固定说明, 实际: %q", full)
	}
	if client.streamCalls != 0 {
		t.Fatal("空上下文不应调用模型")
	}
	if len(writer.chunks) != 1 || writer.chunks[0] != noContextMessage {
		t.Fatalf("固定说明应作为单个分块下发: %v", writer.chunks)
	}
}

func TestStreamCollectorWithoutInner(t *testing.T) {
	c := NewStreamCollector(nil)
	if err := c.WriteMessage(1, []byte("abc")); err != nil {
		t.Fatalf("无下游 writer 时写入不应报错: %v", err)
	}
	if c.Finalize() != "abc" {
		t.Fatalf("累积文本不符: %q", c.Finalize())
	}
}
