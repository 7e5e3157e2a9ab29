package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
	"traible-go/internal/config"
	"traible-go/internal/model"
	"traible-go/pkg/tasks"
)

// fakeDocRepo 用内存中的单条文档记录模拟仓储层。
type fakeDocRepo struct {
	doc             *model.Document
	checkpoints     int
	firstCheckpoint *model.Document
	failReason      string
	progressLog     []int
}

func (f *fakeDocRepo) Create(doc *model.Document) error { return nil }

func (f *fakeDocRepo) FindByID(id uint) (*model.Document, error) {
	if f.doc == nil || f.doc.ID != id {
		return nil, errors.New("record not found")
	}
	copied := *f.doc
	return &copied, nil
}

func (f *fakeDocRepo) FindByUserAndID(userID, id uint) (*model.Document, error) {
	return f.FindByID(id)
}

func (f *fakeDocRepo) FindByUserAndMD5(userID uint, contentMD5 string) (*model.Document, error) {
	return nil, nil
}

func (f *fakeDocRepo) FindByUserID(userID uint) ([]model.Document, error) { return nil, nil }

func (f *fakeDocRepo) FindByUserAndIDs(userID uint, ids []uint) ([]model.Document, error) {
	return nil, nil
}

func (f *fakeDocRepo) Update(doc *model.Document) error {
	copied := *doc
	f.doc = &copied
	return nil
}

func (f *fakeDocRepo) UpdateStatus(id uint, status string, progress int) error {
	f.doc.Status = status
	f.doc.Progress = progress
	f.progressLog = append(f.progressLog, progress)
	return nil
}

func (f *fakeDocRepo) UpdateCheckpoint(doc *model.Document) error {
	f.checkpoints++
	copied := *doc
	if f.firstCheckpoint == nil {
		first := copied
		f.firstCheckpoint = &first
	}
	f.doc = &copied
	f.progressLog = append(f.progressLog, doc.Progress)
	return nil
}

func (f *fakeDocRepo) MarkFailed(id uint, reason string) error {
	f.doc.Status = model.StatusFailed
	f.failReason = reason
	return nil
}

func (f *fakeDocRepo) Delete(id uint) error { return nil }

// fakeExtractor 为每页生成一条固定记录, 并记录被请求的页区间。
type fakeExtractor struct {
	ranges [][2]int
	err    error
	// perPageDelay 模拟每页耗时, 配合假时钟触发软时限
	perPageDelay time.Duration
	clock        *manualClock
}

func (f *fakeExtractor) ExtractRange(_ context.Context, _ string, fromPage, toPage int) ([]model.PageRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.ranges = append(f.ranges, [2]int{fromPage, toPage})
	var records []model.PageRecord
	for page := fromPage; page <= toPage; page++ {
		record := model.PageRecord{
			PageNumber:    page,
			ExtractedText: fmt.Sprintf("第 %d 页文本", page),
		}
		if page%2 == 0 {
			record.ImageAnalysis = fmt.Sprintf("第 %d 页图像描述", page)
		}
		records = append(records, record)
		if f.clock != nil {
			f.clock.advance(f.perPageDelay)
		}
	}
	return records, nil
}

// fakeIndexer 记录收到的分块。
type fakeIndexer struct {
	chunks    []string
	synthetic []bool
	err       error
}

func (f *fakeIndexer) CreateOrUpdate(_ context.Context, userID, documentID uint, chunks []string, synthetic []bool) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.chunks = chunks
	f.synthetic = synthetic
	return fmt.Sprintf("/indexes/%d/%d", userID, documentID), nil
}

type manualClock struct {
	now time.Time
}

func (c *manualClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestProcessor(repo *fakeDocRepo, extractor *fakeExtractor, indexer *fakeIndexer, totalPages int, clock *manualClock) *Processor {
	p := NewProcessor(repo, extractor, indexer,
		config.IndexConfig{ChunkSize: 1000, ChunkOverlap: 200, MaxTopK: 10},
		config.MinIOConfig{BucketName: "test"},
		config.PipelineConfig{HardTimeLimitSeconds: 14400, SoftTimeLimitSeconds: 14100, MaxAttempts: 3},
	)
	p.pageCount = func(string) (int, error) { return totalPages, nil }
	p.download = func(context.Context, string) (string, error) { return "/tmp/fake.pdf", nil }
	if clock != nil {
		p.now = func() time.Time { return clock.now }
	}
	return p
}

func pendingDoc() *model.Document {
	return &model.Document{
		ID:         1,
		UserID:     10,
		Title:      "测试文档",
		ObjectName: "documents/10/abc.pdf",
		Status:     model.StatusPending,
	}
}

func TestProcessCompletesDocument(t *testing.T) {
	repo := &fakeDocRepo{doc: pendingDoc()}
	extractor := &fakeExtractor{}
	indexer := &fakeIndexer{}
	p := newTestProcessor(repo, extractor, indexer, 5, nil)

	err := p.Process(context.Background(), tasks.DocumentProcessingTask{DocumentID: 1, UserID: 10})
	if err != nil {
		t.Fatalf("处理失败: %v", err)
	}

	doc := repo.doc
	if doc.Status != model.StatusCompleted {
		t.Fatalf("期望 COMPLETED, 实际 %s", doc.Status)
	}
	if doc.Progress != 100 {
		t.Fatalf("期望进度 100, 实际 %d", doc.Progress)
	}
	if doc.VectorStorePath != "/indexes/10/1" {
		t.Fatalf("索引路径不符: %s", doc.VectorStorePath)
	}
	if len(doc.PageData) != 5 {
		t.Fatalf("期望 5 页记录, 实际 %d", len(doc.PageData))
	}
	// 第 2、4 页有图像描述
	if doc.ImageCount != 2 || !doc.HasImages {
		t.Fatalf("图像统计不符: count=%d hasImages=%v", doc.ImageCount, doc.HasImages)
	}
	if !strings.Contains(doc.RawText, "[PAGE 1]") || !strings.Contains(doc.RawText, "Text: 第 3 页文本") {
		t.Fatalf("汇总内容格式不符:\n%s", doc.RawText)
	}
	if !strings.Contains(doc.RawText, "Image Analysis: 第 2 页图像描述") {
		t.Fatal("汇总内容应包含图像分析行")
	}

	// 图像描述应追加为合成索引条目
	syntheticCount := 0
	for _, s := range indexer.synthetic {
		if s {
			syntheticCount++
		}
	}
	if syntheticCount != 2 {
		t.Fatalf("期望 2 个合成条目, 实际 %d", syntheticCount)
	}
	last := indexer.chunks[len(indexer.chunks)-1]
	if !strings.HasPrefix(last, "[Page 4 Image]") {
		t.Fatalf("合成条目格式不符: %q", last)
	}
}

func TestProcessResumesFromCheckpoint(t *testing.T) {
	doc := pendingDoc()
	doc.Status = model.StatusProcessing
	doc.LastProcessedPage = 100
	doc.PageData = model.PageList{{PageNumber: 100, ExtractedText: "已处理页"}}
	repo := &fakeDocRepo{doc: doc}
	extractor := &fakeExtractor{}
	indexer := &fakeIndexer{}
	p := newTestProcessor(repo, extractor, indexer, 150, nil)

	err := p.Process(context.Background(), tasks.DocumentProcessingTask{DocumentID: 1, UserID: 10})
	if err != nil {
		t.Fatalf("恢复处理失败: %v", err)
	}

	// 150 页文档区间大小为 50, 从 101 页续传应只有一个区间 101-150
	if len(extractor.ranges) != 1 || extractor.ranges[0] != [2]int{101, 150} {
		t.Fatalf("续传区间不符: %v", extractor.ranges)
	}
	// 此前已提取的页记录保留
	if repo.doc.PageData[0].ExtractedText != "已处理页" {
		t.Fatal("断点前的页记录不应丢失")
	}
	if repo.doc.Status != model.StatusCompleted {
		t.Fatalf("期望 COMPLETED, 实际 %s", repo.doc.Status)
	}
}

func TestProcessFreshStartResetsPartialState(t *testing.T) {
	doc := pendingDoc()
	doc.Status = model.StatusFailed
	doc.LastProcessedPage = 30
	doc.PageData = model.PageList{{PageNumber: 1, ExtractedText: "旧数据"}}
	doc.ImageData = model.ImageList{{PageNumber: 1, Description: "旧图像"}}
	doc.RawText = "[PAGE 1]\nText: 旧数据\n"
	doc.HasImages = true
	doc.ImageCount = 7
	doc.ProcessingError = "OCR 服务不可用"
	repo := &fakeDocRepo{doc: doc}
	extractor := &fakeExtractor{}
	p := newTestProcessor(repo, extractor, &fakeIndexer{}, 3, nil)

	err := p.Process(context.Background(), tasks.DocumentProcessingTask{DocumentID: 1, UserID: 10})
	if err != nil {
		t.Fatalf("处理失败: %v", err)
	}

	// FAILED 状态的文档重新处理时从第 1 页开始, 旧数据被清空
	if len(extractor.ranges) != 1 || extractor.ranges[0][0] != 1 {
		t.Fatalf("非续传任务应从第 1 页开始: %v", extractor.ranges)
	}
	for _, page := range repo.doc.PageData {
		if page.ExtractedText == "旧数据" {
			t.Fatal("重新处理时应清空旧的页记录")
		}
	}

	// 首个持久化的断点就不应再带有上一轮的汇总字段
	first := repo.firstCheckpoint
	if first == nil {
		t.Fatal("重新处理应至少持久化一次断点")
	}
	if first.RawText != "" {
		t.Fatalf("重新处理时应清空旧全文, 实际: %q", first.RawText)
	}
	if first.HasImages || first.ImageCount != 0 {
		t.Fatalf("重新处理时应清空旧图像统计, 实际: HasImages=%v ImageCount=%d", first.HasImages, first.ImageCount)
	}
	if first.ProcessingError != "" {
		t.Fatalf("重新处理时应清空旧失败原因, 实际: %q", first.ProcessingError)
	}
}

func TestProcessSoftDeadlineKeepsProcessing(t *testing.T) {
	clock := &manualClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	repo := &fakeDocRepo{doc: pendingDoc()}
	// 每页耗时 1 小时: 第一个区间 (30 页) 就超出 14100s 软时限
	extractor := &fakeExtractor{perPageDelay: time.Hour, clock: clock}
	p := newTestProcessor(repo, extractor, &fakeIndexer{}, 400, clock)

	err := p.Process(context.Background(), tasks.DocumentProcessingTask{DocumentID: 1, UserID: 10})
	if !errors.Is(err, ErrTimeBudgetExhausted) {
		t.Fatalf("期望软时限错误, 得到: %v", err)
	}

	// 软时限退出时保持 PROCESSING 并保留断点, 等待任务重投
	if repo.doc.Status != model.StatusProcessing {
		t.Fatalf("软时限退出应保持 PROCESSING, 实际 %s", repo.doc.Status)
	}
	if repo.doc.LastProcessedPage == 0 {
		t.Fatal("软时限退出前应至少保存一个断点")
	}
	if repo.failReason != "" {
		t.Fatal("软时限退出不应记录失败原因")
	}
}

func TestProcessExtractorErrorMarksFailed(t *testing.T) {
	repo := &fakeDocRepo{doc: pendingDoc()}
	extractor := &fakeExtractor{err: errors.New("OCR 服务不可用")}
	p := newTestProcessor(repo, extractor, &fakeIndexer{}, 5, nil)

	err := p.Process(context.Background(), tasks.DocumentProcessingTask{DocumentID: 1, UserID: 10})
	if err == nil {
		t.Fatal("期望处理失败")
	}
	if repo.doc.Status != model.StatusFailed {
		t.Fatalf("期望 FAILED, 实际 %s", repo.doc.Status)
	}
	if !strings.Contains(repo.failReason, "OCR 服务不可用") {
		t.Fatalf("失败原因不符: %q", repo.failReason)
	}
}

func TestProcessProgressIsMonotonic(t *testing.T) {
	repo := &fakeDocRepo{doc: pendingDoc()}
	p := newTestProcessor(repo, &fakeExtractor{}, &fakeIndexer{}, 250, nil)

	err := p.Process(context.Background(), tasks.DocumentProcessingTask{DocumentID: 1, UserID: 10})
	if err != nil {
		t.Fatalf("处理失败: %v", err)
	}

	for i := 1; i < len(repo.progressLog); i++ {
		if repo.progressLog[i] < repo.progressLog[i-1] {
			t.Fatalf("进度应单调不减: %v", repo.progressLog)
		}
	}
	if repo.doc.Progress != 100 {
		t.Fatalf("最终进度应为 100, 实际 %d", repo.doc.Progress)
	}
}

func TestPageChunkSize(t *testing.T) {
	cases := []struct {
		pages int
		want  int
	}{
		{50, 100}, {100, 100}, {101, 50}, {300, 50}, {301, 30}, {1000, 30},
	}
	for _, c := range cases {
		if got := pageChunkSize(c.pages); got != c.want {
			t.Errorf("pageChunkSize(%d) = %d, 期望 %d", c.pages, got, c.want)
		}
	}
}

func TestSplitText(t *testing.T) {
	text := strings.Repeat("甲", 2500)
	chunks := SplitText(text, 1000, 200)
	if len(chunks) != 4 {
		t.Fatalf("期望 4 个分块, 实际 %d", len(chunks))
	}
	for i, chunk := range chunks[:len(chunks)-1] {
		if got := len([]rune(chunk)); got != 1000 {
			t.Fatalf("分块 %d 长度应为 1000, 实际 %d", i, got)
		}
	}
	// 步长 800, 最后一块从 2400 开始, 长 100
	if got := len([]rune(chunks[3])); got != 100 {
		t.Fatalf("末块长度应为 100, 实际 %d", got)
	}

	if SplitText("", 1000, 200) != nil {
		t.Fatal("空文本应返回 nil")
	}
	if got := SplitText("abc", 1000, 200); len(got) != 1 || got[0] != "abc" {
		t.Fatalf("短文本应整体成块: %v", got)
	}

	// 重叠不小于块大小时退化为无重叠切分
	got := SplitText(strings.Repeat("a", 25), 10, 10)
	if len(got) != 3 {
		t.Fatalf("退化切分应为 3 块, 实际 %d", len(got))
	}
}
