package s3storage

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/mplaza/audiobrief/internal/config"
)

// Storage wraps MinIO/S3 interactions for raw audio uploads and the segment
// slices produced by the splitter.
type Storage struct {
	client         *minio.Client
	audioBucket    string
	segmentsBucket string
	region         string
}

// New creates a MinIO client from the Config.
func New(cfg *config.Config) (*Storage, error) {
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &Storage{
		client:         client,
		audioBucket:    cfg.AudioBucket,
		segmentsBucket: cfg.SegmentsBucket,
		region:         cfg.S3Region,
	}, nil
}

// EnsureBuckets makes sure the audio/segments buckets exist before use.
func (s *Storage) EnsureBuckets(ctx context.Context) error {
	for _, bucket := range []string{s.audioBucket, s.segmentsBucket} {
		exists, err := s.client.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("check bucket %s: %w", bucket, err)
		}
		if !exists {
			if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
				return fmt.Errorf("make bucket %s: %w", bucket, err)
			}
		}
	}
	return nil
}

// UploadAudio stores the raw uploaded audio file.
func (s *Storage) UploadAudio(ctx context.Context, objectKey string, reader io.Reader, size int64, contentType string) error {
	opts := minio.PutObjectOptions{ContentType: contentType}
	_, err := s.client.PutObject(ctx, s.audioBucket, objectKey, reader, size, opts)
	if err != nil {
		return fmt.Errorf("upload audio object: %w", err)
	}
	return nil
}

// DownloadAudioTo fetches the raw audio into a local file, typically a temp
// path handed to ffmpeg.
func (s *Storage) DownloadAudioTo(ctx context.Context, objectKey, destPath string) error {
	if err := s.client.FGetObject(ctx, s.audioBucket, objectKey, destPath, minio.GetObjectOptions{}); err != nil {
		return fmt.Errorf("download audio object: %w", err)
	}
	return nil
}

// UploadSegmentFile stores one segment slice from a local file.
func (s *Storage) UploadSegmentFile(ctx context.Context, objectKey, path string) error {
	_, err := s.client.FPutObject(ctx, s.segmentsBucket, objectKey, path, minio.PutObjectOptions{})
	if err != nil {
		return fmt.Errorf("upload segment object: %w", err)
	}
	return nil
}

// DownloadSegmentTo fetches one segment slice into a local file for the
// transcriber.
func (s *Storage) DownloadSegmentTo(ctx context.Context, objectKey, destPath string) error {
	if err := s.client.FGetObject(ctx, s.segmentsBucket, objectKey, destPath, minio.GetObjectOptions{}); err != nil {
		return fmt.Errorf("download segment object: %w", err)
	}
	return nil
}

// RemoveSegmentPrefix deletes every segment object under the given prefix.
// Used when a job's segments are purged and recreated.
func (s *Storage) RemoveSegmentPrefix(ctx context.Context, prefix string) error {
	objects := s.client.ListObjects(ctx, s.segmentsBucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})
	for obj := range objects {
		if obj.Err != nil {
			return fmt.Errorf("list segment objects: %w", obj.Err)
		}
		if err := s.client.RemoveObject(ctx, s.segmentsBucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("remove segment object %s: %w", obj.Key, err)
		}
	}
	return nil
}
