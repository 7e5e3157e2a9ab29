// Package pipeline 定义了文档处理的核心流程。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	"traible-go/internal/config"
	"traible-go/internal/model"
	"traible-go/internal/repository"
	"traible-go/pkg/log"
	"traible-go/pkg/storage"
	"traible-go/pkg/tasks"
	"unicode/utf8"
)

// ErrTimeBudgetExhausted 表示任务在软时限前主动保存断点并退出。
// 文档保持 PROCESSING 状态，任务重投后从断点继续。
var ErrTimeBudgetExhausted = errors.New("处理时间预算用尽, 已保存断点")

// PageExtractor 抽象了按页区间提取内容的能力。
type PageExtractor interface {
	ExtractRange(ctx context.Context, pdfPath string, fromPage, toPage int) ([]model.PageRecord, error)
}

// Indexer 抽象了向量索引的写入能力。
type Indexer interface {
	CreateOrUpdate(ctx context.Context, userID, documentID uint, chunks []string, synthetic []bool) (string, error)
}

// Processor 封装了文档处理的所有依赖和逻辑。
type Processor struct {
	docRepo     repository.DocumentRepository
	extractor   PageExtractor
	indexer     Indexer
	indexCfg    config.IndexConfig
	minioCfg    config.MinIOConfig
	pipelineCfg config.PipelineConfig

	// 以下字段默认指向真实实现，测试中可替换。
	pageCount func(pdfPath string) (int, error)
	download  func(ctx context.Context, objectName string) (string, error)
	now       func() time.Time
}

// NewProcessor 创建一个新的 Processor 实例。
func NewProcessor(
	docRepo repository.DocumentRepository,
	extractor PageExtractor,
	indexer Indexer,
	indexCfg config.IndexConfig,
	minioCfg config.MinIOConfig,
	pipelineCfg config.PipelineConfig,
) *Processor {
	return &Processor{
		docRepo:     docRepo,
		extractor:   extractor,
		indexer:     indexer,
		indexCfg:    indexCfg,
		minioCfg:    minioCfg,
		pipelineCfg: pipelineCfg,
		pageCount:   PageCount,
		download: func(ctx context.Context, objectName string) (string, error) {
			return storage.DownloadToTempFile(ctx, minioCfg.BucketName, objectName)
		},
		now: time.Now,
	}
}

// Process 是文档处理的主函数。状态机：PENDING -> PROCESSING -> {COMPLETED, FAILED}，
// PROCESSING 可因软时限或中断而重入，从 last_processed_page+1 继续。
func (p *Processor) Process(ctx context.Context, task tasks.DocumentProcessingTask) error {
	start := p.now()
	softLimit := time.Duration(p.pipelineCfg.SoftTimeLimitSeconds) * time.Second

	log.Infof("[Processor] 开始处理文档, DocumentID: %d, UserID: %d", task.DocumentID, task.UserID)

	doc, err := p.docRepo.FindByID(task.DocumentID)
	if err != nil {
		log.Errorf("[Processor] 查找文档记录失败, DocumentID: %d, Error: %v", task.DocumentID, err)
		return fmt.Errorf("查找文档记录失败: %w", err)
	}

	// 断点续传判定
	resuming := doc.Status == model.StatusProcessing && doc.LastProcessedPage > 0
	startPage := 1
	if resuming {
		startPage = doc.LastProcessedPage + 1
		log.Infof("[Processor] 从断点恢复处理, DocumentID: %d, 起始页: %d", doc.ID, startPage)
	} else {
		doc.Status = model.StatusProcessing
		doc.Progress = 0
		doc.LastProcessedPage = 0
		doc.PageData = nil
		doc.ImageData = nil
		doc.ExtractedTables = nil
		doc.RawText = ""
		doc.HasImages = false
		doc.ImageCount = 0
		doc.ProcessingError = ""
		if err := p.docRepo.UpdateCheckpoint(doc); err != nil {
			return fmt.Errorf("更新文档状态失败: %w", err)
		}
	}

	if err := p.run(ctx, doc, startPage, start, softLimit); err != nil {
		if errors.Is(err, ErrTimeBudgetExhausted) {
			// 断点已保存，保持 PROCESSING 等待重投
			log.Warnf("[Processor] 文档 %d 达到软时限, 断点页: %d", doc.ID, doc.LastProcessedPage)
			return err
		}
		log.Errorf("[Processor] 文档 %d 处理失败: %v", doc.ID, err)
		if markErr := p.docRepo.MarkFailed(doc.ID, err.Error()); markErr != nil {
			log.Errorf("[Processor] 记录失败状态出错, DocumentID: %d, Error: %v", doc.ID, markErr)
		}
		return err
	}

	log.Infof("[Processor] 文档处理成功完成, DocumentID: %d", doc.ID)
	return nil
}

// run 执行提取、汇总与索引三个阶段。
func (p *Processor) run(ctx context.Context, doc *model.Document, startPage int, start time.Time, softLimit time.Duration) error {
	// 1. 从 MinIO 下载文件到本地临时路径
	log.Infof("[Processor] 步骤1: 从MinIO下载文件, Object: %s", doc.ObjectName)
	pdfPath, err := p.download(ctx, doc.ObjectName)
	if err != nil {
		return fmt.Errorf("从 MinIO 下载文件失败: %w", err)
	}
	defer os.Remove(pdfPath)

	totalPages, err := p.pageCount(pdfPath)
	if err != nil {
		return err
	}
	if totalPages == 0 {
		return errors.New("文档不包含任何页面")
	}
	log.Infof("[Processor] 步骤1: 下载完成, 文档共 %d 页", totalPages)

	// 大文档用更小的页区间换取更低的峰值内存
	pageChunk := pageChunkSize(totalPages)

	if startPage == 1 {
		doc.Progress = 15
		if err := p.docRepo.UpdateStatus(doc.ID, model.StatusProcessing, doc.Progress); err != nil {
			return fmt.Errorf("更新文档进度失败: %w", err)
		}
	}

	// 2. 按页区间提取内容，每个区间结束后持久化断点
	log.Infof("[Processor] 步骤2: 提取页面内容, 起始页: %d, 区间大小: %d", startPage, pageChunk)
	for chunkStart := startPage; chunkStart <= totalPages; chunkStart += pageChunk {
		if p.now().Sub(start) > softLimit {
			return ErrTimeBudgetExhausted
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("任务上下文已取消: %w", err)
		}

		chunkEnd := chunkStart + pageChunk - 1
		if chunkEnd > totalPages {
			chunkEnd = totalPages
		}
		log.Infof("[Processor] 处理页区间 %d-%d / %d", chunkStart, chunkEnd, totalPages)

		records, err := p.extractor.ExtractRange(ctx, pdfPath, chunkStart, chunkEnd)
		if err != nil {
			return fmt.Errorf("提取页区间 %d-%d 失败: %w", chunkStart, chunkEnd, err)
		}

		for _, record := range records {
			doc.PageData = append(doc.PageData, record)
			if record.ImageAnalysis != "" {
				doc.ImageData = append(doc.ImageData, model.ImageRecord{
					PageNumber:  record.PageNumber,
					Description: record.ImageAnalysis,
				})
			}
			doc.ExtractedTables = append(doc.ExtractedTables, record.Tables...)
		}

		doc.ImageCount = len(doc.ImageData)
		doc.HasImages = doc.ImageCount > 0
		doc.LastProcessedPage = chunkEnd
		doc.Progress = 15 + int(45*float64(chunkEnd)/float64(totalPages))
		if err := p.docRepo.UpdateCheckpoint(doc); err != nil {
			return fmt.Errorf("保存处理断点失败: %w", err)
		}
	}

	// 3. 汇总全文
	log.Infof("[Processor] 步骤3: 汇总文档内容, DocumentID: %d", doc.ID)
	doc.RawText = assembleContent(doc.PageData)
	if strings.TrimSpace(doc.RawText) == "" {
		return errors.New("未从文档中提取到任何内容")
	}
	doc.Progress = 70
	if err := p.docRepo.UpdateCheckpoint(doc); err != nil {
		return fmt.Errorf("保存汇总内容失败: %w", err)
	}
	log.Infof("[Processor] 步骤3: 汇总完成, 内容长度: %d 字符", utf8.RuneCountInString(doc.RawText))

	// 4. 切块并写入向量索引。图像描述作为独立的合成条目入索引。
	chunks := SplitText(doc.RawText, p.indexCfg.ChunkSize, p.indexCfg.ChunkOverlap)
	if len(chunks) == 0 {
		return errors.New("未生成任何文本分块")
	}
	synthetic := make([]bool, len(chunks))
	for _, img := range doc.ImageData {
		chunks = append(chunks, fmt.Sprintf("[Page %d Image] %s", img.PageNumber, img.Description))
		synthetic = append(synthetic, true)
	}
	log.Infof("[Processor] 步骤4: 写入向量索引, 分块数: %d (其中图像描述 %d)", len(chunks), len(doc.ImageData))

	storePath, err := p.indexer.CreateOrUpdate(ctx, doc.UserID, doc.ID, chunks, synthetic)
	if err != nil {
		return fmt.Errorf("写入向量索引失败: %w", err)
	}

	doc.VectorStorePath = storePath
	doc.Status = model.StatusCompleted
	doc.Progress = 100
	if err := p.docRepo.Update(doc); err != nil {
		return fmt.Errorf("更新文档完成状态失败: %w", err)
	}
	return nil
}

// pageChunkSize 根据总页数选择每个处理区间包含的页数。
func pageChunkSize(totalPages int) int {
	switch {
	case totalPages > 300:
		return 30
	case totalPages > 100:
		return 50
	default:
		return 100
	}
}

// assembleContent 将逐页记录拼装为带页码标记的全文。
func assembleContent(pages []model.PageRecord) string {
	var b strings.Builder
	for _, page := range pages {
		fmt.Fprintf(&b, "[PAGE %d]\n", page.PageNumber)
		fmt.Fprintf(&b, "Text: %s\n", page.ExtractedText)
		if page.ImageAnalysis != "" {
			fmt.Fprintf(&b, "Image Analysis: %s\n", page.ImageAnalysis)
		}
		for _, table := range page.Tables {
			b.WriteString("[TABLE]\n")
			for i, row := range table.Rows {
				if i > 0 {
					b.WriteString("\n")
				}
				b.WriteString(strings.Join(row, " | "))
			}
			b.WriteString("\n\n")
		}
		b.WriteString("\n")
	}
	return b.String()
}

// SplitText 将长文本按指定大小和重叠进行切分。
func SplitText(text string, chunkSize int, chunkOverlap int) []string {
	if chunkSize <= 0 {
		return nil
	}
	if chunkSize <= chunkOverlap {
		return simpleSplit(text, chunkSize)
	}

	var chunks []string
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	step := chunkSize - chunkOverlap
	for i := 0; i < len(runes); i += step {
		end := i + chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[i:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks
}

func simpleSplit(text string, chunkSize int) []string {
	var chunks []string
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	for i := 0; i < len(runes); i += chunkSize {
		end := i + chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[i:end]))
	}
	return chunks
}
