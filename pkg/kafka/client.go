// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"traible-go/internal/config"
	"traible-go/pkg/database"
	"traible-go/pkg/log"
	"traible-go/pkg/tasks"

	"github.com/segmentio/kafka-go"
)

// TaskProcessor defines the interface for any service that can process a task.
// This decouples the Kafka consumer from the concrete pipeline implementation.
type TaskProcessor interface {
	Process(ctx context.Context, task tasks.DocumentProcessingTask) error
}

var producer *kafka.Writer

// InitProducer 初始化 Kafka 生产者。
func InitProducer(cfg config.KafkaConfig) {
	producer = &kafka.Writer{
		Addr:  kafka.TCP(cfg.Brokers),
		Topic: cfg.Topic,
		// 以文档 ID 作为消息 Key，同一文档的任务落在同一分区、按序消费
		Balancer: &kafka.Hash{},
	}
	log.Info("Kafka 生产者初始化成功")
}

// ProduceDocumentTask 发送一个文档处理任务到 Kafka。
func ProduceDocumentTask(task tasks.DocumentProcessingTask) error {
	taskBytes, err := json.Marshal(task)
	if err != nil {
		return err
	}

	return producer.WriteMessages(context.Background(),
		kafka.Message{
			Key:   []byte(fmt.Sprintf("%d", task.DocumentID)),
			Value: taskBytes,
		},
	)
}

// inflightKey 是单个文档的处理锁。消费者在调用管道前用 SETNX 抢占，
// 保证同一文档在任意时刻最多只有一个处理任务在运行。
func inflightKey(documentID uint) string {
	return fmt.Sprintf("ingest:inflight:%d", documentID)
}

func attemptsKey(documentID uint) string {
	return fmt.Sprintf("ingest:attempts:%d", documentID)
}

// StartConsumer 启动一个 Kafka 消费者来处理文档任务。
func StartConsumer(cfg config.KafkaConfig, pipelineCfg config.PipelineConfig, processor TaskProcessor) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  []string{cfg.Brokers},
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})

	log.Infof("Kafka 消费者已启动，正在监听主题 '%s'", cfg.Topic)

	hardLimit := time.Duration(pipelineCfg.HardTimeLimitSeconds) * time.Second
	maxAttempts := int64(pipelineCfg.MaxAttempts)

	for {
		m, err := r.FetchMessage(context.Background())
		if err != nil {
			log.Error("从 Kafka 读取消息失败", err)
			break
		}

		var task tasks.DocumentProcessingTask
		if err := json.Unmarshal(m.Value, &task); err != nil {
			log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(m.Value))
			// 消息格式错误，直接提交，避免阻塞队列
			if err := r.CommitMessages(context.Background(), m); err != nil {
				log.Errorf("提交错误消息失败: %v", err)
			}
			continue
		}

		log.Infof("开始处理文档任务: DocumentID=%d, UserID=%d", task.DocumentID, task.UserID)

		// 文档级并发锁：同一文档同时只允许一个处理任务。
		// 锁的 TTL 取硬性时间上限，任务崩溃后锁自动过期。
		locked, lockErr := database.RDB.SetNX(context.Background(), inflightKey(task.DocumentID), 1, hardLimit).Result()
		if lockErr != nil {
			log.Errorf("获取文档处理锁失败: %v", lockErr)
			continue // 不提交 offset，稍后重试
		}
		if !locked {
			log.Warnf("文档 %d 已有处理任务在运行，跳过本条消息", task.DocumentID)
			if err := r.CommitMessages(context.Background(), m); err != nil {
				log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
			}
			continue
		}

		// 任务自身带硬性时间上限
		taskCtx, cancel := context.WithTimeout(context.Background(), hardLimit)
		procErr := processor.Process(taskCtx, task)
		cancel()
		_ = database.RDB.Del(context.Background(), inflightKey(task.DocumentID)).Err()

		if procErr != nil {
			log.Errorf("处理文档任务失败: DocumentID=%d, Error: %v", task.DocumentID, procErr)
			// 使用 Redis 计数失败次数，达到阈值后提交 offset 终止重试
			attempts, incErr := database.RDB.Incr(context.Background(), attemptsKey(task.DocumentID)).Result()
			if incErr != nil {
				// Redis 异常时保守处理：不提交 offset，让 Kafka 重试
				continue
			}
			_ = database.RDB.Expire(context.Background(), attemptsKey(task.DocumentID), 24*time.Hour).Err()
			if attempts >= maxAttempts {
				log.Errorf("文档任务多次失败(>=%d)，提交 offset 终止重试: DocumentID=%d", maxAttempts, task.DocumentID)
				if err := r.CommitMessages(context.Background(), m); err != nil {
					log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
				}
			}
			// attempts 未达上限时不提交 offset，Kafka 重投后管道从断点续传
		} else {
			log.Infof("文档任务处理成功: DocumentID=%d", task.DocumentID)
			_ = database.RDB.Del(context.Background(), attemptsKey(task.DocumentID)).Err()
			if err := r.CommitMessages(context.Background(), m); err != nil {
				log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
			}
		}
	}

	if err := r.Close(); err != nil {
		log.Fatalf("关闭 Kafka 消费者失败: %v", err)
	}
}
