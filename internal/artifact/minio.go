// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package artifact

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig configures an S3-compatible artifact bucket.
type MinioConfig struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	// PublicBaseURL, when set, builds object URLs as PublicBaseURL/name.
	// Otherwise a presigned GET URL valid for PresignExpiry is returned.
	PublicBaseURL string
	PresignExpiry time.Duration
}

// MinioStore stores artifacts in MinIO or any S3-compatible service.
type MinioStore struct {
	client *minio.Client
	cfg    MinioConfig
}

// NewMinioStore connects to the endpoint and creates the bucket when missing.
func NewMinioStore(ctx context.Context, cfg MinioConfig) (*MinioStore, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("artifact: endpoint and bucket are required")
	}
	if cfg.PresignExpiry <= 0 {
		cfg.PresignExpiry = 24 * time.Hour
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("artifact: create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("artifact: check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("artifact: create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &MinioStore{client: client, cfg: cfg}, nil
}

// Put implements Store.
func (s *MinioStore) Put(ctx context.Context, name, contentType string, data []byte) (string, error) {
	_, err := s.client.PutObject(ctx, s.cfg.Bucket, name, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", err
	}
	if s.cfg.PublicBaseURL != "" {
		return strings.TrimRight(s.cfg.PublicBaseURL, "/") + "/" + name, nil
	}
	u, err := s.client.PresignedGetObject(ctx, s.cfg.Bucket, name, s.cfg.PresignExpiry, nil)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", name, err)
	}
	return u.String(), nil
}
