// Copyright 2024 The PlantPulse Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package objstore keeps analytics results and rendered report files in an
// S3-compatible bucket (MinIO in every deployment so far) and hands out
// short-lived presigned download links. Rows in the relational store carry
// the links; the bytes live here.
package objstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Download links outlive the job that produced them by a fixed window;
// after that the caller re-runs the job rather than resigning old keys.
const (
	AnalyticsURLExpiry = time.Hour
	ReportURLExpiry    = 24 * time.Hour
)

type Opts struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Secure    bool
}

// Bucket wraps one named bucket on one MinIO endpoint.
type Bucket struct {
	logger log.Logger
	client *minio.Client
	name   string
}

func New(logger log.Logger, opts Opts) (*Bucket, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.Secure,
		Region: "us-east-1",
	})
	if err != nil {
		return nil, fmt.Errorf("building minio client: %w", err)
	}
	return &Bucket{logger: logger, client: client, name: opts.Bucket}, nil
}

// Ensure creates the bucket if it does not exist yet. Called once at worker
// boot.
func (b *Bucket) Ensure(ctx context.Context) error {
	exists, err := b.client.BucketExists(ctx, b.name)
	if err != nil {
		return fmt.Errorf("checking bucket %q: %w", b.name, err)
	}
	if exists {
		_ = level.Debug(b.logger).Log("msg", "minio.bucket_exists", "bucket", b.name)
		return nil
	}
	if err := b.client.MakeBucket(ctx, b.name, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("creating bucket %q: %w", b.name, err)
	}
	_ = level.Info(b.logger).Log("msg", "minio.bucket_created", "bucket", b.name)
	return nil
}

// Healthy reports whether the bucket answers a metadata probe.
func (b *Bucket) Healthy(ctx context.Context) bool {
	_, err := b.client.BucketExists(ctx, b.name)
	if err != nil {
		_ = level.Warn(b.logger).Log("msg", "minio.health_check_failed", "err", err)
	}
	return err == nil
}

// UploadAnalyticsResult stores the result document as indented JSON under
// <tenant>/analytics/<job>.json and returns a one hour download link.
func (b *Bucket) UploadAnalyticsResult(ctx context.Context, tenantID int64, jobID string, result any) (string, error) {
	body, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding analytics result: %w", err)
	}
	key := analyticsKey(tenantID, jobID)
	if err := b.put(ctx, key, body, "application/json"); err != nil {
		return "", err
	}
	_ = level.Info(b.logger).Log("msg", "minio.upload_success",
		"tenant_id", tenantID, "job_id", jobID, "key", key)
	return b.presign(ctx, key, AnalyticsURLExpiry)
}

// FetchAnalyticsResult reads a stored analytics result document back, for
// reports that embed their linked job's findings.
func (b *Bucket) FetchAnalyticsResult(ctx context.Context, tenantID int64, jobID string) (map[string]any, error) {
	key := analyticsKey(tenantID, jobID)
	obj, err := b.client.GetObject(ctx, b.name, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", key, err)
	}
	defer obj.Close()

	var result map[string]any
	if err := json.NewDecoder(obj).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", key, err)
	}
	return result, nil
}

// UploadReport stores a rendered report under <tenant>/reports/<id>.<ext>
// and returns a 24 hour download link. The renderer supplies the extension
// and content type along with the bytes.
func (b *Bucket) UploadReport(ctx context.Context, tenantID int64, reportID string, data []byte, ext, contentType string) (string, error) {
	key := reportKey(tenantID, reportID, ext)
	if err := b.put(ctx, key, data, contentType); err != nil {
		return "", err
	}
	_ = level.Info(b.logger).Log("msg", "minio.report_upload_success",
		"tenant_id", tenantID, "report_id", reportID, "key", key, "size_bytes", len(data))
	return b.presign(ctx, key, ReportURLExpiry)
}

func (b *Bucket) put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := b.client.PutObject(ctx, b.name, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}
	return nil
}

func (b *Bucket) presign(ctx context.Context, key string, expiry time.Duration) (string, error) {
	u, err := b.client.PresignedGetObject(ctx, b.name, key, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("presigning %s: %w", key, err)
	}
	return u.String(), nil
}

func analyticsKey(tenantID int64, jobID string) string {
	return fmt.Sprintf("%d/analytics/%s.json", tenantID, jobID)
}

func reportKey(tenantID int64, reportID, ext string) string {
	return fmt.Sprintf("%d/reports/%s.%s", tenantID, reportID, ext)
}
