package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"traible-go/internal/config"
	"traible-go/internal/index"
	"traible-go/internal/model"
)

// fakeSearcher 用内存中的 (userID, documentID) -> Index 映射模拟索引存储。
type fakeSearcher struct {
	indexes map[uint]*index.Index // key: documentID
	loadErr map[uint]error
	// results 按查询串返回预设结果, 未命中时按索引条目顺序截取前 k 条
	results map[string][]index.SearchResult
}

func (f *fakeSearcher) Load(_, documentID uint) (*index.Index, error) {
	if err, ok := f.loadErr[documentID]; ok {
		return nil, err
	}
	idx, ok := f.indexes[documentID]
	if !ok {
		return nil, index.ErrNotFound
	}
	return idx, nil
}

func (f *fakeSearcher) Search(_ context.Context, idx *index.Index, query string, k int) ([]index.SearchResult, error) {
	if r, ok := f.results[query]; ok {
		if k > len(r) {
			k = len(r)
		}
		return r[:k], nil
	}
	results := make([]index.SearchResult, 0, len(idx.Entries))
	for _, e := range idx.Entries {
		results = append(results, index.SearchResult{Text: e.Text, DocumentID: e.DocumentID, Synthetic: e.Synthetic})
	}
	if k > len(results) {
		k = len(results)
	}
	return results[:k], nil
}

// fakeEmbedder 按词表返回向量, 用于控制排序结果。
type fakeEmbedder struct {
	vectors map[string][]float32
	err     error
}

func (f *fakeEmbedder) CreateEmbedding(_ context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float32{1, 0}, nil
}

func retrievalCfg() config.RetrievalConfig {
	return config.RetrievalConfig{TopDocuments: 2, NarrowRatio: 1.5, SummaryPrefix: 2000}
}

// readyDoc 构造一个处理完成且索引落盘的可检索文档。
func readyDoc(id uint, title string) model.Document {
	return model.Document{
		ID:              id,
		UserID:          1,
		Title:           title,
		Status:          model.StatusCompleted,
		VectorStorePath: fmt.Sprintf("1/%d.json", id),
	}
}

func simpleIndex(documentID uint, texts ...string) *index.Index {
	idx := &index.Index{Dimension: 2}
	for _, t := range texts {
		idx.Entries = append(idx.Entries, index.Entry{Text: t, DocumentID: documentID, Vector: []float32{1, 0}})
	}
	return idx
}

func TestIsVisualQuery(t *testing.T) {
	cases := map[string]bool{
		"Show me the diagram of the pump":  true,
		"Is there an ILLUSTRATION on p.3?": true,
		"describe the machinery layout":    true,
		"what is the warranty period":      false,
		"":                                 false,
	}
	for query, want := range cases {
		if got := isVisualQuery(query); got != want {
			t.Errorf("isVisualQuery(%q) = %v, 期望 %v", query, got, want)
		}
	}
}

func TestRetrievePlainQuery(t *testing.T) {
	searcher := &fakeSearcher{
		indexes: map[uint]*index.Index{1: simpleIndex(1, "片段A", "片段B", "片段C", "片段D")},
	}
	svc := NewRetrievalService(searcher, &fakeEmbedder{}, retrievalCfg())

	docs := []model.Document{readyDoc(1, "说明书")}
	result := svc.Retrieve(context.Background(), "what is the warranty period", docs)

	if len(result.Errors) != 0 {
		t.Fatalf("不应有软性错误: %+v", result.Errors)
	}
	if len(result.Passages) != 3 {
		t.Fatalf("普通问题应取前 3 条, 实际 %d 条", len(result.Passages))
	}
	if result.Passages[0].Text != "片段A" {
		t.Fatalf("片段顺序不符: %q", result.Passages[0].Text)
	}
}

func TestRetrieveMissingIndexIsSoftError(t *testing.T) {
	searcher := &fakeSearcher{
		indexes: map[uint]*index.Index{1: simpleIndex(1, "片段A")},
	}
	svc := NewRetrievalService(searcher, &fakeEmbedder{}, retrievalCfg())

	docs := []model.Document{readyDoc(1, "有索引"), readyDoc(2, "无索引")}
	result := svc.Retrieve(context.Background(), "question", docs)

	if len(result.Passages) == 0 {
		t.Fatal("有索引的文档仍应返回片段")
	}
	if len(result.Errors) != 1 || result.Errors[0].DocumentID != 2 {
		t.Fatalf("期望文档 2 的软性错误, 得到: %+v", result.Errors)
	}
}

func TestRetrieveUnreadyDocumentIsSoftError(t *testing.T) {
	searcher := &fakeSearcher{
		indexes: map[uint]*index.Index{1: simpleIndex(1, "片段A")},
	}
	svc := NewRetrievalService(searcher, &fakeEmbedder{}, retrievalCfg())

	pending := model.Document{ID: 2, UserID: 1, Title: "处理中", Status: model.StatusProcessing}
	docs := []model.Document{readyDoc(1, "已完成"), pending}
	result := svc.Retrieve(context.Background(), "question", docs)

	if len(result.Errors) != 1 || result.Errors[0].DocumentID != 2 {
		t.Fatalf("未完成处理的文档应记为软性错误, 得到: %+v", result.Errors)
	}
	if len(result.Passages) == 0 {
		t.Fatal("已完成的文档仍应返回片段")
	}
	for _, p := range result.Passages {
		if p.DocumentID == 2 {
			t.Fatal("未完成处理的文档不应贡献片段")
		}
	}
}

func TestRetrieveKeepsDocumentsWithoutSummary(t *testing.T) {
	// 排序按全文摘要打分; 没有摘要的文档不能被静默丢弃,
	// 要留在候选集里, 让逐文档检索把实际失败记为软性错误。
	searcher := &fakeSearcher{
		indexes: map[uint]*index.Index{1: simpleIndex(1, "片段A")},
	}
	svc := NewRetrievalService(searcher, &fakeEmbedder{}, retrievalCfg())

	withSummary := readyDoc(1, "有摘要")
	withSummary.RawText = "已有摘要"
	noSummary := readyDoc(2, "无摘要")
	result := svc.Retrieve(context.Background(), "question", []model.Document{withSummary, noSummary})

	if len(result.Errors) != 1 || result.Errors[0].DocumentID != 2 {
		t.Fatalf("无摘要文档检索失败时应记为软性错误, 得到: %+v", result.Errors)
	}
	if len(result.Passages) != 1 || result.Passages[0].DocumentID != 1 {
		t.Fatalf("有摘要文档应正常返回片段, 实际: %+v", result.Passages)
	}
}

func TestRetrieveVisualQueryMergesAndDeduplicates(t *testing.T) {
	searcher := &fakeSearcher{
		indexes: map[uint]*index.Index{1: simpleIndex(1, "a")},
		results: map[string][]index.SearchResult{
			"show me the pump diagram": {
				{Text: "泵体结构说明", DocumentID: 1},
				{Text: "安装步骤", DocumentID: 1},
			},
			visualProbeQuery: {
				{Text: "泵体结构说明", DocumentID: 1}, // 与字面检索重复, 应去重
				{Text: "[Page 3 Image] 剖面图", DocumentID: 1, Synthetic: true},
			},
		},
	}
	svc := NewRetrievalService(searcher, &fakeEmbedder{}, retrievalCfg())

	doc := readyDoc(1, "手册")
	doc.ImageData = model.ImageList{
		{PageNumber: 3, Description: "剖面图"}, // 与索引条目重复, 应去重
		{PageNumber: 5, Description: "接线图"},
	}
	docs := []model.Document{doc}
	result := svc.Retrieve(context.Background(), "show me the pump diagram", docs)

	if len(result.Errors) != 0 {
		t.Fatalf("不应有软性错误: %+v", result.Errors)
	}
	texts := make(map[string]int)
	for _, p := range result.Passages {
		texts[p.Text]++
	}
	if texts["泵体结构说明"] != 1 {
		t.Fatalf("重复片段应去重, 实际出现 %d 次", texts["泵体结构说明"])
	}
	if texts["[Page 3 Image] 剖面图"] != 1 {
		t.Fatalf("图像描述与索引条目重复时应去重, 实际出现 %d 次", texts["[Page 3 Image] 剖面图"])
	}
	if texts["[Page 5 Image] 接线图"] != 1 {
		t.Fatal("存量图像描述应合成为片段")
	}
	for _, p := range result.Passages {
		if p.Text == "[Page 5 Image] 接线图" && !p.Synthetic {
			t.Fatal("图像片段应标记为合成")
		}
	}
}

func TestRetrieveVisualQueryWithoutImagesAddsNotice(t *testing.T) {
	searcher := &fakeSearcher{
		indexes: map[uint]*index.Index{1: simpleIndex(1, "纯文字内容")},
	}
	svc := NewRetrievalService(searcher, &fakeEmbedder{}, retrievalCfg())

	docs := []model.Document{readyDoc(1, "纯文本文档")}
	result := svc.Retrieve(context.Background(), "show me the figure", docs)

	found := false
	for _, p := range result.Passages {
		if p.Text == noDiagramNotice {
			found = true
			if !p.Synthetic {
				t.Fatal("占位片段应标记为合成")
			}
		}
	}
	if !found {
		t.Fatal("图示类问题无图像命中时应追加占位片段")
	}
}

func TestRankDocumentsNarrowsToTopWhenDominant(t *testing.T) {
	// 文档 1 的摘要与查询同向, 文档 2 几乎正交, 相似度比超过 1.5 倍应收窄到 1 个
	embedderFake := &fakeEmbedder{vectors: map[string][]float32{
		"查询主题":  {1, 0},
		"相关摘要":  {1, 0.1},
		"无关摘要":  {0.1, 1},
	}}
	searcher := &fakeSearcher{
		indexes: map[uint]*index.Index{
			1: simpleIndex(1, "相关内容"),
			2: simpleIndex(2, "无关内容"),
		},
	}
	svc := NewRetrievalService(searcher, embedderFake, retrievalCfg())

	related := readyDoc(1, "相关")
	related.RawText = "相关摘要"
	unrelated := readyDoc(2, "无关")
	unrelated.RawText = "无关摘要"
	result := svc.Retrieve(context.Background(), "查询主题", []model.Document{related, unrelated})

	for _, p := range result.Passages {
		if p.DocumentID == 2 {
			t.Fatal("最高分显著领先时应收窄到单文档")
		}
	}
	if len(result.Passages) == 0 {
		t.Fatal("收窄后仍应返回领先文档的片段")
	}
}

func TestRankDocumentsFailsOpenOnEmbeddingError(t *testing.T) {
	searcher := &fakeSearcher{
		indexes: map[uint]*index.Index{
			1: simpleIndex(1, "内容一"),
			2: simpleIndex(2, "内容二"),
		},
	}
	svc := NewRetrievalService(searcher, &fakeEmbedder{err: errors.New("嵌入服务不可用")}, retrievalCfg())

	docA := readyDoc(1, "文档一")
	docA.RawText = "内容一"
	docB := readyDoc(2, "文档二")
	docB.RawText = "内容二"
	result := svc.Retrieve(context.Background(), "question", []model.Document{docA, docB})

	contributing := make(map[uint]struct{})
	for _, p := range result.Passages {
		contributing[p.DocumentID] = struct{}{}
	}
	if len(contributing) != 2 {
		t.Fatalf("排序失败时应退化为全选, 实际只检索了 %d 个文档", len(contributing))
	}
}

func TestContextTextAddsHeadersForMultipleDocuments(t *testing.T) {
	svc := NewRetrievalService(&fakeSearcher{}, &fakeEmbedder{}, retrievalCfg())

	docs := []model.Document{
		{ID: 1, Title: "安装手册"},
		{ID: 2, Title: "维护手册"},
	}
	result := &model.RetrievalResult{Passages: []model.Passage{
		{DocumentID: 1, Text: "安装内容"},
		{DocumentID: 2, Text: "维护内容"},
	}}

	text := svc.ContextText(result, docs)
	if !strings.Contains(text, "[Document: 安装手册]") || !strings.Contains(text, "[Document: 维护手册]") {
		t.Fatalf("多文档上下文应带标题头, 实际:\n%s", text)
	}

	// 单文档不加标题头
	single := &model.RetrievalResult{Passages: []model.Passage{{DocumentID: 1, Text: "安装内容"}}}
	text = svc.ContextText(single, docs)
	if strings.Contains(text, "[Document:") {
		t.Fatalf("单文档上下文不应带标题头, 实际:\n%s", text)
	}
}

func TestContextTextEmptyResult(t *testing.T) {
	svc := NewRetrievalService(&fakeSearcher{}, &fakeEmbedder{}, retrievalCfg())
	if text := svc.ContextText(&model.RetrievalResult{}, nil); text != "" {
		t.Fatalf("空结果应返回空上下文, 实际: %q", text)
	}
}
