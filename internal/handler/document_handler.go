// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"net/http"
	"strconv"
	"traible-go/internal/model"
	"traible-go/internal/service"
	"traible-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// DocumentHandler 负责处理文档管理相关的 API 请求。
type DocumentHandler struct {
	docService service.DocumentService
}

// NewDocumentHandler 创建一个新的 DocumentHandler 实例。
func NewDocumentHandler(docService service.DocumentService) *DocumentHandler {
	return &DocumentHandler{docService: docService}
}

// Upload 处理 PDF 上传请求。文件入库并入队后立即返回，处理在后台进行。
func (h *DocumentHandler) Upload(c *gin.Context) {
	user := getUserFromContext(c)

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求中缺少文件"})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无法读取上传文件"})
		return
	}
	defer file.Close()

	doc, err := h.docService.Upload(c.Request.Context(), user, fileHeader.Filename, file)
	if err != nil {
		var dup *service.DuplicateDocumentError
		if errors.As(err, &dup) {
			c.JSON(http.StatusConflict, gin.H{
				"code":    http.StatusConflict,
				"message": err.Error(),
				"data":    gin.H{"documentId": dup.ExistingID},
			})
			return
		}
		if errors.Is(err, service.ErrNotPDF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		log.Errorf("Upload: failed for user %s, file %s, err: %v", user.Username, fileHeader.Filename, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "文档上传失败"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "文档上传成功，已进入处理队列",
		"data":    gin.H{"documentId": doc.ID},
	})
}

// ListDocuments 返回当前用户的全部文档及其处理状态。
func (h *DocumentHandler) ListDocuments(c *gin.Context) {
	user := getUserFromContext(c)

	docs, err := h.docService.ListDocuments(user.ID)
	if err != nil {
		log.Errorf("ListDocuments: failed for user %s, err: %v", user.Username, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取文档列表失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data":    docs,
	})
}

// GetStatus 返回单个文档的处理状态快照，用于前端轮询进度。
func (h *DocumentHandler) GetStatus(c *gin.Context) {
	user := getUserFromContext(c)
	docID, ok := documentIDParam(c)
	if !ok {
		return
	}

	status, err := h.docService.GetStatus(user.ID, docID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data":    status,
	})
}

// DeleteDocument 处理删除文档的请求。
func (h *DocumentHandler) DeleteDocument(c *gin.Context) {
	user := getUserFromContext(c)
	docID, ok := documentIDParam(c)
	if !ok {
		return
	}

	if err := h.docService.DeleteDocument(c.Request.Context(), user.ID, docID); err != nil {
		log.Warnf("DeleteDocument: failed for user %s, doc %d, err: %v", user.Username, docID, err)
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "文档删除成功",
	})
}

// GenerateDownloadURL 处理生成文档下载链接的请求。
func (h *DocumentHandler) GenerateDownloadURL(c *gin.Context) {
	user := getUserFromContext(c)
	docID, ok := documentIDParam(c)
	if !ok {
		return
	}

	downloadInfo, err := h.docService.GenerateDownloadURL(c.Request.Context(), user.ID, docID)
	if err != nil {
		log.Warnf("GenerateDownloadURL: failed for user %s, doc %d, err: %v", user.Username, docID, err)
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "文件下载链接生成成功",
		"data":    downloadInfo,
	})
}

// documentIDParam 从路径参数中解析文档 ID，非法时直接写入错误响应。
func documentIDParam(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的文档 ID"})
		return 0, false
	}
	return uint(id), true
}

// getUserFromContext 从 Gin 上下文中获取由 AuthMiddleware 注入的用户模型。
func getUserFromContext(c *gin.Context) *model.User {
	userValue, _ := c.Get("user")
	return userValue.(*model.User)
}
