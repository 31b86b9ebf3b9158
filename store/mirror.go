package store

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"Px1LED/diag"
)

// Mirror pushes finalized uploads to an S3-compatible bucket,
// best-effort. The device is the storage authority; the mirror only
// exists so patterns survive a bricked controller. Disabled unless an
// endpoint is configured.
type Mirror struct {
	client *minio.Client
	bucket string
	dir    string
	log    *diag.Log
	submit func(func())
}

// MirrorOptions configures the off-device pattern mirror.
type MirrorOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// NewMirror connects to the bucket, creating it when absent.
func NewMirror(opts MirrorOptions, s *Store, log *diag.Log, submit func(func())) (*Mirror, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create mirror client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check mirror bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create mirror bucket: %w", err)
		}
	}

	return &Mirror{
		client: client,
		bucket: opts.Bucket,
		dir:    s.Dir(),
		log:    log,
		submit: submit,
	}, nil
}

// Push uploads one finalized blob in the background. Failures are a
// WARNING, never an upload error: the local copy is authoritative.
func (m *Mirror) Push(name string) {
	path := filepath.Join(m.dir, SanitizeName(name))
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		_, err := m.client.FPutObject(ctx, m.bucket, name, path, minio.PutObjectOptions{
			ContentType: "application/octet-stream",
		})
		if err != nil {
			m.submit(func() {
				m.log.Warning("store", "mirror",
					fmt.Sprintf("mirror push of %s failed: %v", name, err),
					diag.CodeMirrorFailed)
			})
		}
	}()
}
