// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"traible-go/internal/config"
	"traible-go/internal/index"
	"traible-go/internal/model"
	"traible-go/pkg/log"
)

// visualKeywords 是图示类问题的判定词表，检索与回答两侧共用同一判定。
var visualKeywords = []string{
	"diagram", "image", "picture", "illustration",
	"figure", "schematic", "machinery", "machine",
}

// visualProbeQuery 是图示类问题的补充检索串，用于弥补字面查询在嵌入空间的覆盖盲区。
const visualProbeQuery = "diagram illustration figure technical drawing"

// noDiagramNotice 是全部文档都检索不到图示信息时合成的占位片段，
// 让回答侧能明确说明"没有找到"而不是凭空作答。
const noDiagramNotice = "No diagram information found in the selected documents."

// 图示类与普通问题各自的检索条数
const (
	visualLiteralTopK = 4
	visualProbeTopK   = 2
	plainTopK         = 3
)

// isVisualQuery 判断问题是否面向图示/图像内容。
func isVisualQuery(query string) bool {
	lowered := strings.ToLower(query)
	for _, kw := range visualKeywords {
		if strings.Contains(lowered, kw) {
			return true
		}
	}
	return false
}

// vectorSearcher 抽象了索引的加载与检索能力。
type vectorSearcher interface {
	Load(userID, documentID uint) (*index.Index, error)
	Search(ctx context.Context, idx *index.Index, query string, k int) ([]index.SearchResult, error)
}

// embedder 抽象了文本向量化能力。
type embedder interface {
	CreateEmbedding(ctx context.Context, text string) ([]float32, error)
}

// RetrievalService 定义了多文档检索的接口。
type RetrievalService interface {
	// Retrieve 对候选文档执行排序、检索与合成，返回有序片段及逐文档软性错误。
	Retrieve(ctx context.Context, query string, docs []model.Document) *model.RetrievalResult
	// ContextText 将检索结果拼装为传给回答生成的上下文文本。
	ContextText(result *model.RetrievalResult, docs []model.Document) string
}

type retrievalService struct {
	searcher vectorSearcher
	embedder embedder
	cfg      config.RetrievalConfig
}

// NewRetrievalService 创建一个新的 RetrievalService 实例。
func NewRetrievalService(searcher vectorSearcher, embedder embedder, cfg config.RetrievalConfig) RetrievalService {
	return &retrievalService{
		searcher: searcher,
		embedder: embedder,
		cfg:      cfg,
	}
}

// Retrieve 执行完整的检索流程。检索本身不返回 error：
// 单个文档的失败记入软性错误，排序失败退化为全选。
func (s *retrievalService) Retrieve(ctx context.Context, query string, docs []model.Document) *model.RetrievalResult {
	result := &model.RetrievalResult{}
	if len(docs) == 0 {
		return result
	}

	visual := isVisualQuery(query)

	// 未完成处理或索引未落盘的文档不可检索，逐个记为软性错误
	ready := make([]model.Document, 0, len(docs))
	for _, doc := range docs {
		if !doc.Searchable() {
			result.Errors = append(result.Errors, model.DocumentError{
				DocumentID: doc.ID,
				Reason:     fmt.Sprintf("文档 %d 尚未完成处理或未建立索引", doc.ID),
			})
			continue
		}
		ready = append(ready, doc)
	}

	selected := s.rankDocuments(ctx, query, ready)
	log.Infof("[Retrieval] 候选文档 %d 个, 可检索 %d 个, 排序后选中 %d 个, 图示类问题: %v", len(docs), len(ready), len(selected), visual)

	visualCount := 0
	for _, doc := range selected {
		passages, err := s.searchDocument(ctx, query, &doc, visual)
		if err != nil {
			log.Warnf("[Retrieval] 文档 %d 检索失败: %v", doc.ID, err)
			result.Errors = append(result.Errors, model.DocumentError{
				DocumentID: doc.ID,
				Reason:     err.Error(),
			})
			continue
		}
		for _, p := range passages {
			if p.Synthetic {
				visualCount++
			}
		}
		result.Passages = append(result.Passages, passages...)
	}

	// 图示类问题没有命中任何图像内容时，合成一条明确的占位片段。
	// 判定基准是合成的图像描述片段：普通文本片段即使命中，
	// 也不代表文档里存在图示信息，不能抵消占位说明。
	if visual && visualCount == 0 {
		result.Passages = append(result.Passages, model.Passage{Text: noDiagramNotice, Synthetic: true})
	}
	return result
}

// searchDocument 对单个文档执行检索。图示类问题做双路检索并叠加存量图像描述。
func (s *retrievalService) searchDocument(ctx context.Context, query string, doc *model.Document, visual bool) ([]model.Passage, error) {
	idx, err := s.searcher.Load(doc.UserID, doc.ID)
	if err != nil {
		if errors.Is(err, index.ErrNotFound) {
			return nil, fmt.Errorf("文档 %d 尚未建立索引", doc.ID)
		}
		return nil, fmt.Errorf("加载文档 %d 索引失败: %w", doc.ID, err)
	}

	if !visual {
		results, err := s.searcher.Search(ctx, idx, query, plainTopK)
		if err != nil {
			return nil, fmt.Errorf("检索文档 %d 失败: %w", doc.ID, err)
		}
		return toPassages(doc.ID, results), nil
	}

	// 图示类问题：字面查询 + 固定补充串，按片段文本去重合并
	literal, err := s.searcher.Search(ctx, idx, query, visualLiteralTopK)
	if err != nil {
		return nil, fmt.Errorf("检索文档 %d 失败: %w", doc.ID, err)
	}
	probe, err := s.searcher.Search(ctx, idx, visualProbeQuery, visualProbeTopK)
	if err != nil {
		log.Warnf("[Retrieval] 文档 %d 补充检索失败, 仅使用字面检索结果: %v", doc.ID, err)
		probe = nil
	}

	seen := make(map[string]struct{}, len(literal)+len(probe))
	merged := make([]index.SearchResult, 0, len(literal)+len(probe))
	for _, r := range append(literal, probe...) {
		if _, dup := seen[r.Text]; dup {
			continue
		}
		seen[r.Text] = struct{}{}
		merged = append(merged, r)
	}
	passages := toPassages(doc.ID, merged)

	// 存量图像描述直接合成片段，不经过索引，避免嵌入空间盲区漏掉图像内容
	for _, img := range doc.ImageData {
		text := fmt.Sprintf("[Page %d Image] %s", img.PageNumber, img.Description)
		if _, dup := seen[text]; dup {
			continue
		}
		seen[text] = struct{}{}
		passages = append(passages, model.Passage{DocumentID: doc.ID, Text: text, Synthetic: true})
	}
	return passages, nil
}

// rankDocuments 按主题相关度挑选深入检索的文档。
// 查询只嵌入一次；每个文档用全文前缀的嵌入作为低成本的主题代理。
// 任何一步失败都退化为全选（宁可多检索，不可静默漏检）。
func (s *retrievalService) rankDocuments(ctx context.Context, query string, docs []model.Document) []model.Document {
	if len(docs) <= 1 {
		return docs
	}

	queryVec, err := s.embedder.CreateEmbedding(ctx, query)
	if err != nil {
		log.Warnf("[Retrieval] 查询向量化失败, 退化为全选: %v", err)
		return docs
	}

	type scored struct {
		doc   model.Document
		score float64
	}
	ranked := make([]scored, 0, len(docs))
	// 没有全文摘要的文档无法打分，留在候选集里随排序结果一并检索
	var unranked []model.Document
	for _, doc := range docs {
		summary := summaryPrefix(doc.RawText, s.cfg.SummaryPrefix)
		if summary == "" {
			unranked = append(unranked, doc)
			continue
		}
		docVec, err := s.embedder.CreateEmbedding(ctx, summary)
		if err != nil {
			log.Warnf("[Retrieval] 文档 %d 摘要向量化失败, 退化为全选: %v", doc.ID, err)
			return docs
		}
		ranked = append(ranked, scored{doc: doc, score: index.Cosine(queryVec, docVec)})
	}
	if len(ranked) == 0 {
		return docs
	}

	sort.Slice(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	top := s.cfg.TopDocuments
	if top <= 0 || top > len(ranked) {
		top = len(ranked)
	}
	ranked = ranked[:top]

	// 最高分显著领先时收窄到单文档，降低噪声
	if len(ranked) >= 2 && ranked[1].score > 0 && ranked[0].score > s.cfg.NarrowRatio*ranked[1].score {
		ranked = ranked[:1]
	}

	selected := make([]model.Document, 0, len(ranked)+len(unranked))
	for _, r := range ranked {
		selected = append(selected, r.doc)
	}
	return append(selected, unranked...)
}

// ContextText 将片段拼装为上下文。多文档合并时为每组片段加标题头。
func (s *retrievalService) ContextText(result *model.RetrievalResult, docs []model.Document) string {
	if len(result.Passages) == 0 {
		return ""
	}

	titles := make(map[uint]string, len(docs))
	for _, doc := range docs {
		titles[doc.ID] = doc.Title
	}

	contributing := make(map[uint]struct{})
	for _, p := range result.Passages {
		if p.DocumentID != 0 {
			contributing[p.DocumentID] = struct{}{}
		}
	}
	withHeaders := len(contributing) > 1

	var b strings.Builder
	var lastDoc uint
	for _, p := range result.Passages {
		if withHeaders && p.DocumentID != 0 && p.DocumentID != lastDoc {
			fmt.Fprintf(&b, "[Document: %s]\n", titles[p.DocumentID])
			lastDoc = p.DocumentID
		}
		b.WriteString(p.Text)
		b.WriteString("\n\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// toPassages 将检索结果标注来源文档后转换为片段。
func toPassages(documentID uint, results []index.SearchResult) []model.Passage {
	passages := make([]model.Passage, 0, len(results))
	for _, r := range results {
		passages = append(passages, model.Passage{
			DocumentID: documentID,
			Text:       r.Text,
			Synthetic:  r.Synthetic,
		})
	}
	return passages
}

// summaryPrefix 截取全文前缀作为文档主题摘要。
func summaryPrefix(text string, maxRunes int) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ""
	}
	runes := []rune(trimmed)
	if len(runes) <= maxRunes {
		return trimmed
	}
	return string(runes[:maxRunes])
}
