// Package storage 提供了与对象存储服务（如 MinIO）交互的功能。
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"traible-go/internal/config"
	"traible-go/pkg/log"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioClient 是一个全局的 MinIO 客户端实例。
var MinioClient *minio.Client

// InitMinIO 初始化 MinIO 客户端并确保指定的存储桶存在。
func InitMinIO(cfg config.MinIOConfig) {
	var err error

	MinioClient, err = minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		log.Fatal("初始化 MinIO 客户端失败", err)
	}

	log.Info("MinIO 客户端初始化成功")

	// 检查存储桶是否存在，如果不存在则创建
	ctx := context.Background()
	bucketName := cfg.BucketName
	exists, err := MinioClient.BucketExists(ctx, bucketName)
	if err != nil {
		log.Fatal("检查 MinIO 存储桶失败", err)
	}

	if !exists {
		log.Infof("存储桶 '%s' 不存在，正在创建...", bucketName)
		if err := MinioClient.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			log.Fatal("创建 MinIO 存储桶失败", err)
		}
		log.Infof("存储桶 '%s' 创建成功", bucketName)
	}
}

// PutDocument 将上传的 PDF 写入对象存储。
func PutDocument(ctx context.Context, bucketName, objectName string, reader io.Reader, size int64) error {
	_, err := MinioClient.PutObject(ctx, bucketName, objectName, reader, size, minio.PutObjectOptions{
		ContentType: "application/pdf",
	})
	if err != nil {
		return fmt.Errorf("上传文档到 MinIO 失败: %w", err)
	}
	return nil
}

// DownloadToTempFile 将对象下载为本地临时文件，返回文件路径。
// 处理管道需要在本地磁盘上按页切分 PDF，调用方负责在处理结束后删除该文件。
func DownloadToTempFile(ctx context.Context, bucketName, objectName string) (string, error) {
	object, err := MinioClient.GetObject(ctx, bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		return "", fmt.Errorf("从 MinIO 下载文档失败: %w", err)
	}
	defer object.Close()

	tmpFile, err := os.CreateTemp("", "traible-doc-*.pdf")
	if err != nil {
		return "", fmt.Errorf("创建临时文件失败: %w", err)
	}

	size, err := io.Copy(tmpFile, object)
	closeErr := tmpFile.Close()
	if err != nil {
		_ = os.Remove(tmpFile.Name())
		return "", fmt.Errorf("写入临时文件失败: %w", err)
	}
	if closeErr != nil {
		_ = os.Remove(tmpFile.Name())
		return "", fmt.Errorf("关闭临时文件失败: %w", closeErr)
	}
	if size == 0 {
		_ = os.Remove(tmpFile.Name())
		return "", fmt.Errorf("对象 '%s' 内容为空", objectName)
	}

	log.Infof("[Storage] 文档下载成功, Object: %s, Size: %d 字节", objectName, size)
	return tmpFile.Name(), nil
}

// RemoveDocument 删除对象存储中的文档，对象不存在时不报错。
func RemoveDocument(ctx context.Context, bucketName, objectName string) error {
	err := MinioClient.RemoveObject(ctx, bucketName, objectName, minio.RemoveObjectOptions{})
	if err != nil {
		return fmt.Errorf("删除 MinIO 对象失败: %w", err)
	}
	return nil
}
