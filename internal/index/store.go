// Package index 实现按 (用户, 文档) 落盘的向量相似度索引。
// 索引以 JSON 文件形式存放在 <base>/<userID>/<documentID>/index.json，
// 可以脱离主数据库单独定位、备份或清除。
package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"traible-go/pkg/embedding"
	"traible-go/pkg/log"
)

// ErrNotFound 表示指定 (用户, 文档) 的索引尚未建立。
var ErrNotFound = errors.New("vector index not found")

const indexFileName = "index.json"

// Entry 是索引中的一条已嵌入文本分块。
type Entry struct {
	Text       string    `json:"text"`
	Vector     []float32 `json:"vector"`
	DocumentID uint      `json:"document_id"`
	Synthetic  bool      `json:"synthetic,omitempty"`
}

// Index 是加载到内存中的单文档索引句柄。
type Index struct {
	Dimension int     `json:"dimension"`
	Entries   []Entry `json:"entries"`
}

// SearchResult 是一次相似度检索的单条结果。
type SearchResult struct {
	Text       string
	DocumentID uint
	Synthetic  bool
	Score      float64
}

// Store 管理所有 (用户, 文档) 索引的持久化与检索。
// 同一索引的并发写入由上层保证串行（每个文档同时只有一个处理任务）。
type Store struct {
	basePath        string
	maxTopK         int
	embeddingClient embedding.Client
}

// NewStore 创建一个 Store 实例。
func NewStore(basePath string, maxTopK int, embeddingClient embedding.Client) *Store {
	return &Store{
		basePath:        basePath,
		maxTopK:         maxTopK,
		embeddingClient: embeddingClient,
	}
}

// Path 返回指定 (用户, 文档) 索引的目录路径。
func (s *Store) Path(userID, documentID uint) string {
	return filepath.Join(s.basePath, fmt.Sprintf("%d", userID), fmt.Sprintf("%d", documentID))
}

// CreateOrUpdate 为指定文档建立或追加索引。
// 索引不存在时从零构建；已存在时加载后追加新的分块再整体落盘。
// 重复处理同一文档只会产生显式的追加，不会破坏已有条目。
func (s *Store) CreateOrUpdate(ctx context.Context, userID, documentID uint, chunks []string, synthetic []bool) (string, error) {
	dir := s.Path(userID, documentID)

	idx, err := s.Load(userID, documentID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return "", err
		}
		idx = &Index{}
	}

	for i, chunk := range chunks {
		if chunk == "" {
			continue
		}
		vector, err := s.embeddingClient.CreateEmbedding(ctx, chunk)
		if err != nil {
			return "", fmt.Errorf("分块 %d 向量化失败: %w", i, err)
		}
		if idx.Dimension == 0 {
			idx.Dimension = len(vector)
		} else if len(vector) != idx.Dimension {
			return "", fmt.Errorf("分块 %d 向量维度不一致: 期望 %d, 实际 %d", i, idx.Dimension, len(vector))
		}
		entry := Entry{
			Text:       chunk,
			Vector:     vector,
			DocumentID: documentID,
		}
		if synthetic != nil && i < len(synthetic) {
			entry.Synthetic = synthetic[i]
		}
		idx.Entries = append(idx.Entries, entry)
	}

	if err := s.save(dir, idx); err != nil {
		return "", err
	}
	log.Infof("[IndexStore] 索引已落盘, 路径: %s, 条目数: %d", dir, len(idx.Entries))
	return dir, nil
}

// Load 加载指定 (用户, 文档) 的索引，不存在时返回 ErrNotFound。
func (s *Store) Load(userID, documentID uint) (*Index, error) {
	file := filepath.Join(s.Path(userID, documentID), indexFileName)
	data, err := os.ReadFile(file)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("读取索引文件失败: %w", err)
	}

	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("解析索引文件失败: %w", err)
	}
	return &idx, nil
}

// Search 在已加载的索引上执行余弦相似度检索，返回按相似度降序的前 k 条。
func (s *Store) Search(ctx context.Context, idx *Index, query string, k int) ([]SearchResult, error) {
	if k <= 0 || k > s.maxTopK {
		k = s.maxTopK
	}
	if len(idx.Entries) == 0 {
		return nil, nil
	}

	queryVector, err := s.embeddingClient.CreateEmbedding(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("查询向量化失败: %w", err)
	}

	results := make([]SearchResult, 0, len(idx.Entries))
	for _, entry := range idx.Entries {
		results = append(results, SearchResult{
			Text:       entry.Text,
			DocumentID: entry.DocumentID,
			Synthetic:  entry.Synthetic,
			Score:      Cosine(queryVector, entry.Vector),
		})
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	if k > len(results) {
		k = len(results)
	}
	return results[:k], nil
}

// Delete 删除指定 (用户, 文档) 的索引目录，目录不存在时不报错。
func (s *Store) Delete(userID, documentID uint) error {
	dir := s.Path(userID, documentID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("删除索引目录失败: %w", err)
	}
	return nil
}

// save 原子写入索引文件：先写临时文件再重命名。
func (s *Store) save(dir string, idx *Index) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("创建索引目录失败: %w", err)
	}

	data, err := json.Marshal(idx)
	if err != nil {
		return fmt.Errorf("序列化索引失败: %w", err)
	}

	tmp := filepath.Join(dir, indexFileName+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("写入索引临时文件失败: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, indexFileName)); err != nil {
		return fmt.Errorf("替换索引文件失败: %w", err)
	}
	return nil
}

// Cosine 计算两个向量的余弦相似度。维度不一致时按较短长度截断。
func Cosine(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
