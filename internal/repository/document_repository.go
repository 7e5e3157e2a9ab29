// Package repository 定义了与数据库进行数据交换的接口和实现。
package repository

import (
	"errors"
	"traible-go/internal/model"

	"gorm.io/gorm"
)

// DocumentRepository 接口定义了文档记录的持久化操作。
type DocumentRepository interface {
	Create(doc *model.Document) error
	FindByID(id uint) (*model.Document, error)
	FindByUserAndID(userID, id uint) (*model.Document, error)
	FindByUserAndMD5(userID uint, contentMD5 string) (*model.Document, error)
	FindByUserID(userID uint) ([]model.Document, error)
	FindByUserAndIDs(userID uint, ids []uint) ([]model.Document, error)
	Update(doc *model.Document) error
	UpdateStatus(id uint, status string, progress int) error
	UpdateCheckpoint(doc *model.Document) error
	MarkFailed(id uint, reason string) error
	Delete(id uint) error
}

// documentRepository 是 DocumentRepository 接口的 GORM 实现。
type documentRepository struct {
	db *gorm.DB
}

// NewDocumentRepository 创建一个新的 DocumentRepository 实例。
func NewDocumentRepository(db *gorm.DB) DocumentRepository {
	return &documentRepository{db: db}
}

// Create 在数据库中创建一条新的文档记录。
func (r *documentRepository) Create(doc *model.Document) error {
	return r.db.Create(doc).Error
}

// FindByID 根据主键查找文档。
func (r *documentRepository) FindByID(id uint) (*model.Document, error) {
	var doc model.Document
	if err := r.db.First(&doc, id).Error; err != nil {
		return nil, err
	}
	return &doc, nil
}

// FindByUserAndID 在指定用户名下查找文档，用于所有权校验。
func (r *documentRepository) FindByUserAndID(userID, id uint) (*model.Document, error) {
	var doc model.Document
	err := r.db.Where("user_id = ? AND id = ?", userID, id).First(&doc).Error
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// FindByUserAndMD5 根据用户和内容 MD5 查找文档，用于上传去重。
// 未找到时返回 (nil, nil)。
func (r *documentRepository) FindByUserAndMD5(userID uint, contentMD5 string) (*model.Document, error) {
	var doc model.Document
	err := r.db.Where("user_id = ? AND content_md5 = ?", userID, contentMD5).First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// FindByUserID 检索用户的全部文档，按创建时间倒序。
func (r *documentRepository) FindByUserID(userID uint) ([]model.Document, error) {
	var docs []model.Document
	err := r.db.Where("user_id = ?", userID).Order("created_at DESC").Find(&docs).Error
	return docs, err
}

// FindByUserAndIDs 在指定用户名下批量查找文档。结果集可能小于请求集。
func (r *documentRepository) FindByUserAndIDs(userID uint, ids []uint) ([]model.Document, error) {
	var docs []model.Document
	err := r.db.Where("user_id = ? AND id IN ?", userID, ids).Find(&docs).Error
	return docs, err
}

// Update 整体保存文档记录。
func (r *documentRepository) Update(doc *model.Document) error {
	return r.db.Save(doc).Error
}

// UpdateStatus 只更新文档的状态与进度字段。
func (r *documentRepository) UpdateStatus(id uint, status string, progress int) error {
	return r.db.Model(&model.Document{}).Where("id = ?", id).
		Updates(map[string]interface{}{"status": status, "progress": progress}).Error
}

// UpdateCheckpoint 持久化断点续传所需的全部中间状态。
// 中断的任务重投后依赖这些字段从上次进度继续。
func (r *documentRepository) UpdateCheckpoint(doc *model.Document) error {
	return r.db.Model(&model.Document{}).Where("id = ?", doc.ID).
		Updates(map[string]interface{}{
			"status":              doc.Status,
			"progress":            doc.Progress,
			"last_processed_page": doc.LastProcessedPage,
			"raw_text":            doc.RawText,
			"page_data":           doc.PageData,
			"image_data":          doc.ImageData,
			"extracted_tables":    doc.ExtractedTables,
			"has_images":          doc.HasImages,
			"image_count":         doc.ImageCount,
		}).Error
}

// MarkFailed 将文档置为失败态并记录原因。
func (r *documentRepository) MarkFailed(id uint, reason string) error {
	return r.db.Model(&model.Document{}).Where("id = ?", id).
		Updates(map[string]interface{}{"status": model.StatusFailed, "processing_error": reason}).Error
}

// Delete 删除文档记录。
func (r *documentRepository) Delete(id uint) error {
	return r.db.Delete(&model.Document{}, id).Error
}
