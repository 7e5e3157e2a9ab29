package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"testing"
	"traible-go/internal/config"
	"traible-go/pkg/ratelimit"
)

// grayPage 构造一幅指定底色的灰度图。
func grayPage(w, h int, base uint8) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = base
	}
	return img
}

// drawRect 在图上填充一个矩形区域。
func drawRect(img *image.Gray, x0, y0, x1, y1 int, v uint8) {
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
}

func TestMeanBrightness(t *testing.T) {
	white := grayPage(64, 64, 255)
	if got := meanBrightness(white); got < 0.99 {
		t.Fatalf("纯白页亮度应接近 1, 实际 %f", got)
	}

	black := grayPage(64, 64, 0)
	if got := meanBrightness(black); got > 0.01 {
		t.Fatalf("纯黑页亮度应接近 0, 实际 %f", got)
	}

	// 近白页略高于阈值, 应被判为可跳过
	nearWhite := grayPage(64, 64, 245)
	if got := meanBrightness(nearWhite); got <= blankPageBrightness {
		t.Fatalf("近白页亮度应超过空白阈值, 实际 %f", got)
	}

	// 空图像视为空白
	if got := meanBrightness(image.NewGray(image.Rect(0, 0, 0, 0))); got != 1 {
		t.Fatalf("空图像亮度应为 1, 实际 %f", got)
	}
}

func TestCountSignificantContoursOnBlankPage(t *testing.T) {
	if got := countSignificantContours(grayPage(256, 256, 255)); got != 0 {
		t.Fatalf("纯白页不应检测到轮廓, 实际 %d", got)
	}
}

func TestCountSignificantContoursOnSparseText(t *testing.T) {
	// 少量细小文字块: 每块边缘连通域面积远小于 minContourArea
	page := grayPage(256, 256, 255)
	for i := 0; i < 10; i++ {
		y := 10 + i*22
		drawRect(page, 20, y, 30, y+4, 0)
	}
	if got := countSignificantContours(page); got != 0 {
		t.Fatalf("细碎文字块不应计为显著轮廓, 实际 %d", got)
	}
}

func TestCountSignificantContoursOnLargeGraphics(t *testing.T) {
	// 三个大矩形块: 每个块的边缘连通域面积超过 minContourArea
	page := grayPage(512, 512, 255)
	drawRect(page, 20, 20, 180, 180, 0)
	drawRect(page, 220, 20, 380, 180, 0)
	drawRect(page, 20, 220, 180, 380, 0)

	got := countSignificantContours(page)
	if got < significantContourCount {
		t.Fatalf("大块图形应达到显著轮廓阈值, 实际 %d", got)
	}
}

func TestSamplingStride(t *testing.T) {
	if got := samplingStride(image.Rect(0, 0, 256, 256)); got != 1 {
		t.Fatalf("小图不应降采样, 实际步长 %d", got)
	}
	if got := samplingStride(image.Rect(0, 0, 2048, 1536)); got != 4 {
		t.Fatalf("2048x1536 应使用步长 4, 实际 %d", got)
	}
	// 降采样后网格不超过 512x512
	b := image.Rect(0, 0, 3000, 1000)
	stride := samplingStride(b)
	if b.Dx()/stride > 512 || b.Dy()/stride > 512 {
		t.Fatalf("步长 %d 未能把网格压到 512 以内", stride)
	}
}

func TestAbsHelpers(t *testing.T) {
	if absDiff(10, 250) != 240 || absDiff(250, 10) != 240 {
		t.Fatal("absDiff 结果不符")
	}
	if absInt(-3) != 3 || absInt(3) != 3 {
		t.Fatal("absInt 结果不符")
	}
}

// fakePage 描述一页在假解析服务中的表现。
type fakePage struct {
	png    []byte
	text   string
	ocrErr error
	tables [][][]string
}

// fakeDocParser 按裁剪产物定位页面, 模拟渲染 / OCR / 表格识别。
type fakeDocParser struct {
	pages map[string]*fakePage // key: 单页 PDF 内容
}

func (f *fakeDocParser) pageFor(imagePNG []byte) *fakePage {
	for _, p := range f.pages {
		if bytes.Equal(p.png, imagePNG) {
			return p
		}
	}
	return nil
}

func (f *fakeDocParser) RenderPage(pagePDF []byte) ([]byte, error) {
	p, ok := f.pages[string(pagePDF)]
	if !ok {
		return nil, errors.New("unknown page")
	}
	return p.png, nil
}

func (f *fakeDocParser) ExtractText(imagePNG []byte) (string, error) {
	p := f.pageFor(imagePNG)
	if p == nil {
		return "", errors.New("unknown image")
	}
	if p.ocrErr != nil {
		return "", p.ocrErr
	}
	return p.text, nil
}

func (f *fakeDocParser) ExtractTables(imagePNG []byte) ([][][]string, error) {
	p := f.pageFor(imagePNG)
	if p == nil {
		return nil, errors.New("unknown image")
	}
	return p.tables, nil
}

// fakeDescriber 记录被描述的图像次数。
type fakeDescriber struct {
	description string
	calls       int
}

func (f *fakeDescriber) DescribeImage(_ context.Context, _ []byte, _ string) (string, error) {
	f.calls++
	return f.description, nil
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("编码 PNG 失败: %v", err)
	}
	return buf.Bytes()
}

// graphicsPage 构造一幅含三个大块图形的页面, 亮度低于空白阈值且轮廓达标。
func graphicsPage(t *testing.T) []byte {
	page := grayPage(512, 512, 255)
	drawRect(page, 20, 20, 180, 180, 0)
	drawRect(page, 220, 20, 380, 180, 0)
	drawRect(page, 20, 220, 180, 380, 0)
	return encodePNG(t, page)
}

func newTestExtractor(parser *fakeDocParser, describer *fakeDescriber) *Extractor {
	limiter := ratelimit.New(config.RateLimitConfig{
		CallsPerSecond: 1000, CallsPerMinute: 100000, MaxRetries: 1, BaseDelayMs: 1,
	}, nil)
	e := NewExtractor(parser, describer, limiter)
	e.trimPage = func(_, _ string, page int) ([]byte, error) {
		return []byte(fmt.Sprintf("page-%d", page)), nil
	}
	return e
}

func TestExtractRangeSkipsBlankAndKeepsPartialPages(t *testing.T) {
	parser := &fakeDocParser{pages: map[string]*fakePage{
		// 普通内容页
		"page-1": {png: encodePNG(t, grayPage(256, 256, 128)), text: "第一页内容"},
		// 空白页: 平均亮度超过阈值, 应整页跳过, 不触发 OCR
		"page-2": {png: encodePNG(t, grayPage(256, 256, 255)), text: "不应出现"},
		// 图形页: 触发表格识别与图像理解
		"page-3": {
			png:    graphicsPage(t),
			text:   "第三页文字",
			tables: [][][]string{{{"名称", "数值"}, {"压力", "3bar"}}},
		},
		// OCR 失败页: 仍产出空文本记录
		"page-4": {png: encodePNG(t, grayPage(256, 256, 64)), ocrErr: errors.New("OCR 超时")},
	}}
	describer := &fakeDescriber{description: "泵体剖面示意图"}
	e := newTestExtractor(parser, describer)

	records, err := e.ExtractRange(context.Background(), "doc.pdf", 1, 4)
	if err != nil {
		t.Fatalf("区间提取失败: %v", err)
	}

	// 空白页不产出记录
	if len(records) != 3 {
		t.Fatalf("期望 3 条页记录 (空白页跳过), 实际 %d", len(records))
	}
	for _, r := range records {
		if r.PageNumber == 2 {
			t.Fatal("空白页不应产出记录")
		}
	}

	if records[0].PageNumber != 1 || records[0].ExtractedText != "第一页内容" {
		t.Fatalf("第一页记录不符: %+v", records[0])
	}

	// 图形页: 表格与图像描述都应存在
	graphics := records[1]
	if graphics.PageNumber != 3 {
		t.Fatalf("第二条记录应为第 3 页, 实际 %d", graphics.PageNumber)
	}
	if graphics.ImageAnalysis != "泵体剖面示意图" {
		t.Fatalf("图像描述不符: %q", graphics.ImageAnalysis)
	}
	if len(graphics.Tables) != 1 || graphics.Tables[0].PageNumber != 3 {
		t.Fatalf("表格记录不符: %+v", graphics.Tables)
	}
	if graphics.Tables[0].Rows[1][1] != "3bar" {
		t.Fatalf("表格内容不符: %+v", graphics.Tables[0].Rows)
	}

	// OCR 失败页: 记录保留但文本为空
	partial := records[2]
	if partial.PageNumber != 4 || partial.ExtractedText != "" {
		t.Fatalf("OCR 失败页应保留空文本记录: %+v", partial)
	}

	// 只有图形页触发图像理解
	if describer.calls != 1 {
		t.Fatalf("期望图像理解调用 1 次, 实际 %d 次", describer.calls)
	}
}

func TestExtractRangeSkipsFailedTrims(t *testing.T) {
	parser := &fakeDocParser{pages: map[string]*fakePage{
		"page-2": {png: encodePNG(t, grayPage(128, 128, 100)), text: "可用页"},
	}}
	e := newTestExtractor(parser, &fakeDescriber{})
	e.trimPage = func(_, _ string, page int) ([]byte, error) {
		if page == 1 {
			return nil, errors.New("页面损坏")
		}
		return []byte(fmt.Sprintf("page-%d", page)), nil
	}

	records, err := e.ExtractRange(context.Background(), "doc.pdf", 1, 2)
	if err != nil {
		t.Fatalf("区间提取失败: %v", err)
	}
	if len(records) != 1 || records[0].PageNumber != 2 {
		t.Fatalf("损坏页应跳过, 其余页继续: %+v", records)
	}
}
