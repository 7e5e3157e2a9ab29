// Package model 包含了应用的数据模型定义。
package model

import "time"

// DocumentStatusDTO 是返回给前端轮询的文档状态快照。
type DocumentStatusDTO struct {
	ID         uint      `json:"id"`
	Title      string    `json:"title"`
	Status     string    `json:"status"`
	Progress   int       `json:"progress"`
	Error      *string   `json:"error"`
	HasImages  bool      `json:"hasImages"`
	ImageCount int       `json:"imageCount"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Passage 是一条检索得到的上下文片段。
// Synthetic 为 true 时表示该片段不是来自索引检索，
// 而是由图像描述或"无图示信息"占位直接合成。
type Passage struct {
	DocumentID uint   `json:"documentId"`
	Text       string `json:"text"`
	Synthetic  bool   `json:"synthetic"`
}

// DocumentError 记录检索过程中单个文档的软性失败（如索引缺失）。
// 软性失败不会中断其余文档的检索。
type DocumentError struct {
	DocumentID uint   `json:"documentId"`
	Reason     string `json:"reason"`
}

// RetrievalResult 是检索引擎的输出：有序片段加上逐文档的软性错误。
type RetrievalResult struct {
	Passages []Passage       `json:"passages"`
	Errors   []DocumentError `json:"errors"`
}
