package storage

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/TyrellHaywood/echo-sub001/config"
	"github.com/TyrellHaywood/echo-sub001/logger"
)

// Store 封装了 MinIO 客户端，负责音频素材读取和混音成品上传
type Store struct {
	client *minio.Client
	bucket string
}

// NewStore 创建并验证 MinIO 客户端
func NewStore(cfg *config.Config) (*Store, error) {
	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioUseSSL,
		Region: cfg.MinioRegion,
	})
	if err != nil {
		return nil, fmt.Errorf("创建 MinIO 客户端失败: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// 检查存储桶是否存在，不存在则创建
	exists, err := client.BucketExists(ctx, cfg.MinioBucket)
	if err != nil {
		return nil, fmt.Errorf("检查存储桶失败: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.MinioBucket, minio.MakeBucketOptions{Region: cfg.MinioRegion}); err != nil {
			return nil, fmt.Errorf("创建存储桶失败: %w", err)
		}
		logger.Info("成功创建存储桶", logger.String("bucket", cfg.MinioBucket))
	}

	logger.Info("MinIO 客户端初始化成功", logger.String("bucket", cfg.MinioBucket))
	return &Store{client: client, bucket: cfg.MinioBucket}, nil
}

// FetchObject streams an audio source by its object ref. Callers own the
// returned ReadCloser.
func (s *Store) FetchObject(ctx context.Context, ref string) (io.ReadCloser, error) {
	object, err := s.client.GetObject(ctx, s.bucket, ref, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("读取对象失败 %s: %w", ref, err)
	}
	// GetObject is lazy; Stat forces the first request so missing objects
	// fail here instead of mid-decode.
	if _, err := object.Stat(); err != nil {
		object.Close()
		return nil, fmt.Errorf("读取对象失败 %s: %w", ref, err)
	}
	return object, nil
}

// UploadMixdown 上传一个混音成品并返回对象引用
func (s *Store) UploadMixdown(ctx context.Context, projectID, localPath string) (string, error) {
	ref := fmt.Sprintf("mixdowns/%s/%s_%s", projectID, uuid.New().String()[:8], filepath.Base(localPath))
	info, err := s.client.FPutObject(ctx, s.bucket, ref, localPath, minio.PutObjectOptions{
		ContentType: "audio/wav",
	})
	if err != nil {
		return "", fmt.Errorf("上传混音文件失败: %w", err)
	}

	logger.Info("混音文件上传完成",
		logger.String("ref", ref),
		logger.Int64("size", info.Size))
	return ref, nil
}
