// Package pipeline 定义了文档处理的核心流程。
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"traible-go/internal/model"
	"traible-go/pkg/log"
	"traible-go/pkg/ratelimit"

	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// 近白页判定阈值：页面平均亮度超过该值视为空白页，直接跳过。
const blankPageBrightness = 0.92

// 图形内容判定：大面积轮廓数量达到该阈值时，认为页面包含明显的图示/照片内容。
const significantContourCount = 3

// minContourArea 是一个轮廓被计入统计所需的最小像素面积（在降采样网格上）。
const minContourArea = 400

// edgeThreshold 是相邻像素灰度梯度被视为边缘的最小差值。
const edgeThreshold = 48

// describeImagePrompt 是图像理解能力的固定提示词。
const describeImagePrompt = "Describe the technical content of this document page image: " +
	"diagrams, machinery, schematics, photos and their labels. Be precise and factual."

// DocParser 抽象了文档解析服务的能力（页面渲染 / OCR / 表格识别）。
type DocParser interface {
	RenderPage(pagePDF []byte) ([]byte, error)
	ExtractText(imagePNG []byte) (string, error)
	ExtractTables(imagePNG []byte) ([][][]string, error)
}

// ImageDescriber 抽象了图像理解能力。
type ImageDescriber interface {
	DescribeImage(ctx context.Context, imagePNG []byte, prompt string) (string, error)
}

// Extractor 将 PDF 的一个页码区间转换为逐页的 PageRecord 序列。
// 它被设计为按有界页区间调用，每个区间的临时渲染产物在返回前全部释放，
// 以便上层在处理超大文档时控制峰值内存。
type Extractor struct {
	parser    DocParser
	describer ImageDescriber
	limiter   *ratelimit.Limiter

	// trimPage 默认通过 pdfcpu 把目标页裁剪为单页 PDF，测试中可替换。
	trimPage func(pdfPath, tmpDir string, page int) ([]byte, error)
}

// NewExtractor 创建一个内容提取器。
func NewExtractor(parser DocParser, describer ImageDescriber, limiter *ratelimit.Limiter) *Extractor {
	return &Extractor{
		parser:    parser,
		describer: describer,
		limiter:   limiter,
		trimPage:  trimPageFile,
	}
}

// trimPageFile 用 pdfcpu 把指定页裁剪为单页 PDF 并读回其内容。
func trimPageFile(pdfPath, tmpDir string, page int) ([]byte, error) {
	pagePDFPath := filepath.Join(tmpDir, fmt.Sprintf("page-%d.pdf", page))
	if err := api.TrimFile(pdfPath, pagePDFPath, []string{fmt.Sprintf("%d", page)}, nil); err != nil {
		return nil, fmt.Errorf("裁剪页面失败: %w", err)
	}
	return os.ReadFile(pagePDFPath)
}

// PageCount 返回 PDF 的总页数。
func PageCount(pdfPath string) (int, error) {
	count, err := api.PageCountFile(pdfPath)
	if err != nil {
		return 0, fmt.Errorf("获取 PDF 页数失败: %w", err)
	}
	return count, nil
}

// ExtractRange 处理 [fromPage, toPage] 区间内的每一页，返回非空白页的记录。
// 单页失败只记录日志并跳过（或保留部分数据），不会中断整个区间。
func (e *Extractor) ExtractRange(ctx context.Context, pdfPath string, fromPage, toPage int) ([]model.PageRecord, error) {
	tmpDir, err := os.MkdirTemp("", "traible-pages-*")
	if err != nil {
		return nil, fmt.Errorf("创建页面临时目录失败: %w", err)
	}
	// 区间处理结束后立即释放本区间的全部临时渲染产物
	defer os.RemoveAll(tmpDir)

	var records []model.PageRecord
	for page := fromPage; page <= toPage; page++ {
		if err := ctx.Err(); err != nil {
			return records, err
		}

		record, ok := e.extractPage(ctx, pdfPath, tmpDir, page)
		if ok {
			records = append(records, record)
		}
	}
	return records, nil
}

// extractPage 处理单页。返回 false 表示该页被跳过（空白页或提取彻底失败）。
func (e *Extractor) extractPage(ctx context.Context, pdfPath, tmpDir string, page int) (model.PageRecord, bool) {
	record := model.PageRecord{PageNumber: page}

	// 1. 将目标页裁剪为单页 PDF
	pagePDF, err := e.trimPage(pdfPath, tmpDir, page)
	if err != nil {
		log.Warnf("[Extractor] 第 %d 页裁剪失败, 跳过: %v", page, err)
		return record, false
	}

	// 2. 渲染为位图
	imagePNG, err := e.parser.RenderPage(pagePDF)
	if err != nil {
		log.Warnf("[Extractor] 第 %d 页渲染失败, 跳过: %v", page, err)
		return record, false
	}

	img, _, err := image.Decode(bytes.NewReader(imagePNG))
	if err != nil {
		log.Warnf("[Extractor] 第 %d 页位图解码失败, 跳过: %v", page, err)
		return record, false
	}

	// 3. 空白页检测：平均亮度过高的页面不产出记录
	if brightness := meanBrightness(img); brightness > blankPageBrightness {
		log.Infof("[Extractor] 第 %d 页为空白页 (亮度 %.3f), 跳过", page, brightness)
		return record, false
	}

	// 4. OCR 文本。OCR 失败时仍继续后续步骤，产出部分记录。
	text, err := e.parser.ExtractText(imagePNG)
	if err != nil {
		log.Warnf("[Extractor] 第 %d 页 OCR 失败, 保留部分记录: %v", page, err)
	} else {
		record.ExtractedText = text
	}

	// 5. 图形内容检测：只有检测到明显的非文本图形时才触发昂贵的表格识别与图像理解
	if countSignificantContours(img) >= significantContourCount {
		e.extractGraphics(ctx, imagePNG, page, &record)
	}

	return record, true
}

// extractGraphics 对包含图形内容的页面做表格识别与图像理解。
// 两种能力各自独立失败，互不影响。
func (e *Extractor) extractGraphics(ctx context.Context, imagePNG []byte, page int, record *model.PageRecord) {
	tables, err := e.parser.ExtractTables(imagePNG)
	if err != nil {
		log.Warnf("[Extractor] 第 %d 页表格识别失败: %v", page, err)
	} else {
		for _, rows := range tables {
			if len(rows) == 0 {
				continue
			}
			record.Tables = append(record.Tables, model.PageTable{PageNumber: page, Rows: rows})
		}
	}

	// 图像理解调用外部模型，必须经过限流器
	var description string
	err = e.limiter.Do(ctx, func() error {
		var callErr error
		description, callErr = e.describer.DescribeImage(ctx, imagePNG, describeImagePrompt)
		return callErr
	})
	if err != nil {
		log.Warnf("[Extractor] 第 %d 页图像理解失败: %v", page, err)
		return
	}
	record.ImageAnalysis = description
}

// meanBrightness 计算图像的平均亮度，范围 [0, 1]。大图按步长降采样。
func meanBrightness(img image.Image) float64 {
	bounds := img.Bounds()
	if bounds.Empty() {
		return 1
	}

	stride := samplingStride(bounds)
	var sum, count float64
	for y := bounds.Min.Y; y < bounds.Max.Y; y += stride {
		for x := bounds.Min.X; x < bounds.Max.X; x += stride {
			sum += float64(color.GrayModel.Convert(img.At(x, y)).(color.Gray).Y) / 255.0
			count++
		}
	}
	if count == 0 {
		return 1
	}
	return sum / count
}

// countSignificantContours 估算页面上大面积图形区域的数量。
// 做法：在降采样灰度网格上做梯度阈值得到边缘掩码，
// 再对边缘像素做连通域标记，统计面积达到 minContourArea 的连通域个数。
// 纯文本页的边缘连通域细碎，大面积连通域个数接近零；
// 含图示/照片的页面会出现少量大块连通区域。
func countSignificantContours(img image.Image) int {
	bounds := img.Bounds()
	if bounds.Empty() {
		return 0
	}

	stride := samplingStride(bounds)
	w := (bounds.Dx() + stride - 1) / stride
	h := (bounds.Dy() + stride - 1) / stride
	if w < 2 || h < 2 {
		return 0
	}

	// 降采样灰度网格
	gray := make([]uint8, w*h)
	for gy := 0; gy < h; gy++ {
		for gx := 0; gx < w; gx++ {
			x := bounds.Min.X + gx*stride
			y := bounds.Min.Y + gy*stride
			gray[gy*w+gx] = color.GrayModel.Convert(img.At(x, y)).(color.Gray).Y
		}
	}

	// 梯度阈值边缘掩码
	edges := make([]bool, w*h)
	for gy := 0; gy < h-1; gy++ {
		for gx := 0; gx < w-1; gx++ {
			i := gy*w + gx
			dx := absDiff(gray[i], gray[i+1])
			dy := absDiff(gray[i], gray[i+w])
			if dx > edgeThreshold || dy > edgeThreshold {
				edges[i] = true
			}
		}
	}

	// 连通域标记（四邻域 BFS）
	visited := make([]bool, w*h)
	queue := make([]int, 0, 256)
	count := 0
	for start := 0; start < w*h; start++ {
		if !edges[start] || visited[start] {
			continue
		}
		area := 0
		queue = queue[:0]
		queue = append(queue, start)
		visited[start] = true
		for len(queue) > 0 {
			i := queue[len(queue)-1]
			queue = queue[:len(queue)-1]
			area++
			x := i % w
			for _, n := range [4]int{i - 1, i + 1, i - w, i + w} {
				if n < 0 || n >= w*h || visited[n] || !edges[n] {
					continue
				}
				// 避免行首行尾横向越界连通
				if (n == i-1 || n == i+1) && absInt(n%w-x) != 1 {
					continue
				}
				visited[n] = true
				queue = append(queue, n)
			}
		}
		if area >= minContourArea {
			count++
		}
	}
	return count
}

// samplingStride 根据图像尺寸选择采样步长，把网格规模控制在大约 512x512 以内。
func samplingStride(bounds image.Rectangle) int {
	stride := 1
	for bounds.Dx()/stride > 512 || bounds.Dy()/stride > 512 {
		stride++
	}
	return stride
}

func absDiff(a, b uint8) int {
	if a > b {
		return int(a - b)
	}
	return int(b - a)
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
