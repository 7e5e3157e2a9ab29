// Package service 包含了应用的业务逻辑层。
package service

import (
	"bytes"
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"
	"traible-go/internal/config"
	"traible-go/internal/model"
	"traible-go/internal/repository"
	"traible-go/pkg/kafka"
	"traible-go/pkg/log"
	"traible-go/pkg/storage"
	"traible-go/pkg/tasks"
)

// ErrNotPDF 表示上传的文件不是 PDF。
var ErrNotPDF = errors.New("仅支持 PDF 文件")

// DuplicateDocumentError 表示同一用户重复上传了内容相同的文档。
// 携带既有文档的 ID，便于前端直接跳转。
type DuplicateDocumentError struct {
	ExistingID uint
}

func (e *DuplicateDocumentError) Error() string {
	return fmt.Sprintf("内容相同的文档已存在 (ID: %d)", e.ExistingID)
}

// DownloadInfoDTO 封装了文件下载链接所需的信息。
type DownloadInfoDTO struct {
	FileName    string `json:"fileName"`
	DownloadURL string `json:"downloadUrl"`
}

// indexDeleter 抽象了索引目录的删除能力。
type indexDeleter interface {
	Delete(userID, documentID uint) error
}

// DocumentService 接口定义了文档管理相关的业务操作。
type DocumentService interface {
	Upload(ctx context.Context, user *model.User, fileName string, reader io.Reader) (*model.Document, error)
	GetStatus(userID, documentID uint) (*model.DocumentStatusDTO, error)
	ListDocuments(userID uint) ([]model.DocumentStatusDTO, error)
	DeleteDocument(ctx context.Context, userID, documentID uint) error
	GenerateDownloadURL(ctx context.Context, userID, documentID uint) (*DownloadInfoDTO, error)
}

type documentService struct {
	docRepo  repository.DocumentRepository
	indexes  indexDeleter
	minioCfg config.MinIOConfig
	produce  func(task tasks.DocumentProcessingTask) error
}

// NewDocumentService 创建一个新的 DocumentService 实例。
func NewDocumentService(docRepo repository.DocumentRepository, indexes indexDeleter, minioCfg config.MinIOConfig) DocumentService {
	return &documentService{
		docRepo:  docRepo,
		indexes:  indexes,
		minioCfg: minioCfg,
		produce:  kafka.ProduceDocumentTask,
	}
}

// Upload 接收上传的 PDF：按内容 MD5 去重、写入 MinIO、创建记录并投递处理任务。
// 上传请求在任务入队后立即返回，提取与向量化全部在后台进行。
func (s *documentService) Upload(ctx context.Context, user *model.User, fileName string, reader io.Reader) (*model.Document, error) {
	if !strings.EqualFold(path.Ext(fileName), ".pdf") {
		return nil, ErrNotPDF
	}

	// 1. 读入内容并计算 MD5
	buf := new(bytes.Buffer)
	hasher := md5.New()
	size, err := buf.ReadFrom(io.TeeReader(reader, hasher))
	if err != nil {
		return nil, fmt.Errorf("读取上传内容失败: %w", err)
	}
	if size == 0 {
		return nil, errors.New("上传的文件内容为空")
	}
	contentMD5 := fmt.Sprintf("%x", hasher.Sum(nil))

	// 2. 同一用户重复上传相同内容时拒绝，并返回既有文档 ID
	existing, err := s.docRepo.FindByUserAndMD5(user.ID, contentMD5)
	if err != nil {
		return nil, fmt.Errorf("查询重复文档失败: %w", err)
	}
	if existing != nil {
		return nil, &DuplicateDocumentError{ExistingID: existing.ID}
	}

	// 3. 写入 MinIO
	objectName := fmt.Sprintf("documents/%d/%s.pdf", user.ID, contentMD5)
	log.Infof("[Document] 上传文档, UserID: %d, FileName: %s, Size: %d, Object: %s", user.ID, fileName, size, objectName)
	if err := storage.PutDocument(ctx, s.minioCfg.BucketName, objectName, bytes.NewReader(buf.Bytes()), size); err != nil {
		return nil, fmt.Errorf("写入对象存储失败: %w", err)
	}

	// 4. 创建文档记录
	doc := &model.Document{
		UserID:     user.ID,
		Title:      fileName,
		ObjectName: objectName,
		ContentMD5: contentMD5,
		Status:     model.StatusPending,
	}
	if err := s.docRepo.Create(doc); err != nil {
		return nil, fmt.Errorf("创建文档记录失败: %w", err)
	}

	// 5. 投递后台处理任务。投递失败时标记文档失败，但保留记录供重试。
	task := tasks.DocumentProcessingTask{DocumentID: doc.ID, UserID: user.ID}
	if err := s.produce(task); err != nil {
		log.Errorf("[Document] 投递处理任务失败, DocumentID: %d, Error: %v", doc.ID, err)
		if markErr := s.docRepo.MarkFailed(doc.ID, "任务投递失败: "+err.Error()); markErr != nil {
			log.Errorf("[Document] 标记文档失败状态出错, DocumentID: %d, Error: %v", doc.ID, markErr)
		}
		return nil, fmt.Errorf("投递处理任务失败: %w", err)
	}

	log.Infof("[Document] 文档上传完成并已入队, DocumentID: %d", doc.ID)
	return doc, nil
}

// GetStatus 返回单个文档的处理状态快照，用于前端轮询。
func (s *documentService) GetStatus(userID, documentID uint) (*model.DocumentStatusDTO, error) {
	doc, err := s.docRepo.FindByUserAndID(userID, documentID)
	if err != nil {
		return nil, errors.New("文档不存在或无权访问")
	}
	dto := toStatusDTO(doc)
	return &dto, nil
}

// ListDocuments 返回用户的全部文档状态。
func (s *documentService) ListDocuments(userID uint) ([]model.DocumentStatusDTO, error) {
	docs, err := s.docRepo.FindByUserID(userID)
	if err != nil {
		return nil, err
	}
	dtos := make([]model.DocumentStatusDTO, len(docs))
	for i := range docs {
		dtos[i] = toStatusDTO(&docs[i])
	}
	return dtos, nil
}

// DeleteDocument 删除文档及其全部派生物：数据库记录、MinIO 对象、向量索引目录。
// 派生物清理失败只记录日志，记录删除是唯一的硬性失败点。
func (s *documentService) DeleteDocument(ctx context.Context, userID, documentID uint) error {
	doc, err := s.docRepo.FindByUserAndID(userID, documentID)
	if err != nil {
		return errors.New("文档不存在或无权访问")
	}

	if err := s.docRepo.Delete(doc.ID); err != nil {
		return fmt.Errorf("删除文档记录失败: %w", err)
	}

	if err := storage.RemoveDocument(ctx, s.minioCfg.BucketName, doc.ObjectName); err != nil {
		log.Warnf("[Document] 删除 MinIO 对象失败, Object: %s, Error: %v", doc.ObjectName, err)
	}
	if err := s.indexes.Delete(userID, doc.ID); err != nil {
		log.Warnf("[Document] 删除向量索引失败, DocumentID: %d, Error: %v", doc.ID, err)
	}

	log.Infof("[Document] 文档已删除, DocumentID: %d, UserID: %d", doc.ID, userID)
	return nil
}

// GenerateDownloadURL 生成文档的临时下载链接，有效期为1小时。
func (s *documentService) GenerateDownloadURL(ctx context.Context, userID, documentID uint) (*DownloadInfoDTO, error) {
	doc, err := s.docRepo.FindByUserAndID(userID, documentID)
	if err != nil {
		return nil, errors.New("文档不存在或无权访问")
	}

	presignedURL, err := storage.MinioClient.PresignedGetObject(ctx, s.minioCfg.BucketName, doc.ObjectName, time.Hour, url.Values{})
	if err != nil {
		return nil, fmt.Errorf("生成下载链接失败: %w", err)
	}

	return &DownloadInfoDTO{
		FileName:    doc.Title,
		DownloadURL: presignedURL.String(),
	}, nil
}

// toStatusDTO 把文档记录映射为状态快照。
func toStatusDTO(doc *model.Document) model.DocumentStatusDTO {
	var errText *string
	if doc.ProcessingError != "" {
		errText = &doc.ProcessingError
	}
	return model.DocumentStatusDTO{
		ID:         doc.ID,
		Title:      doc.Title,
		Status:     doc.Status,
		Progress:   doc.Progress,
		Error:      errText,
		HasImages:  doc.HasImages,
		ImageCount: doc.ImageCount,
		CreatedAt:  doc.CreatedAt,
	}
}
