// Package model 包含了应用的数据模型定义。
package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// 文档处理状态机：PENDING -> PROCESSING -> {COMPLETED, FAILED}。
// PROCESSING 状态可重入（任务中断后从断点续传）。
const (
	StatusPending    = "PENDING"
	StatusProcessing = "PROCESSING"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
)

// Document 对应于数据库中的 documents 表，记录一个上传的 PDF 及其处理状态。
type Document struct {
	ID                uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID            uint       `gorm:"not null;index;uniqueIndex:uk_user_md5,priority:1" json:"userId"`
	Title             string     `gorm:"type:varchar(255);not null" json:"title"`
	ObjectName        string     `gorm:"type:varchar(255);not null" json:"objectName"`
	ContentMD5        string     `gorm:"type:varchar(32);not null;uniqueIndex:uk_user_md5,priority:2" json:"contentMd5"`
	Status            string     `gorm:"type:varchar(20);not null;default:PENDING" json:"status"`
	Progress          int        `gorm:"not null;default:0" json:"progress"`
	LastProcessedPage int        `gorm:"not null;default:0" json:"lastProcessedPage"`
	RawText           string     `gorm:"type:longtext" json:"-"`
	PageData          PageList   `gorm:"type:json" json:"-"`
	ImageData         ImageList  `gorm:"type:json" json:"-"`
	ExtractedTables   TableList  `gorm:"type:json" json:"-"`
	HasImages         bool       `gorm:"not null;default:false" json:"hasImages"`
	ImageCount        int        `gorm:"not null;default:0" json:"imageCount"`
	ProcessingError   string     `gorm:"type:text" json:"-"`
	VectorStorePath   string     `gorm:"type:varchar(255)" json:"-"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Document) TableName() string {
	return "documents"
}

// Searchable 判断文档是否可以参与检索：只有处理完成且索引落盘的文档可检索。
func (d *Document) Searchable() bool {
	return d.Status == StatusCompleted && d.VectorStorePath != ""
}

// PageRecord 是内容提取阶段产出的单页记录，汇总后以 JSON 形式存入 Document。
type PageRecord struct {
	PageNumber    int         `json:"page_number"`
	ExtractedText string      `json:"extracted_text"`
	ImageAnalysis string      `json:"image_analysis,omitempty"`
	Tables        []PageTable `json:"tables,omitempty"`
}

// PageTable 是从页面中识别出的一张表格，按行列组织单元格文本。
type PageTable struct {
	PageNumber int        `json:"page_number"`
	Rows       [][]string `json:"rows"`
}

// ImageRecord 记录一页的图像理解描述。
type ImageRecord struct {
	PageNumber  int    `json:"page_number"`
	Description string `json:"description"`
}

// PageList / ImageList / TableList 为 JSON 列实现 gorm 的读写接口。

type PageList []PageRecord

func (l PageList) Value() (driver.Value, error) { return jsonValue(l) }
func (l *PageList) Scan(src interface{}) error  { return jsonScan(src, l) }

type ImageList []ImageRecord

func (l ImageList) Value() (driver.Value, error) { return jsonValue(l) }
func (l *ImageList) Scan(src interface{}) error  { return jsonScan(src, l) }

type TableList []PageTable

func (l TableList) Value() (driver.Value, error) { return jsonValue(l) }
func (l *TableList) Scan(src interface{}) error  { return jsonScan(src, l) }

func jsonValue(v interface{}) (driver.Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func jsonScan(src, dst interface{}) error {
	if src == nil {
		return nil
	}
	switch data := src.(type) {
	case []byte:
		return json.Unmarshal(data, dst)
	case string:
		return json.Unmarshal([]byte(data), dst)
	default:
		return fmt.Errorf("不支持的 JSON 列类型: %T", src)
	}
}
