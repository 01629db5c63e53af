// Package fogs3 keeps fog explorations in S3-compatible object storage.
package fogs3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"sightline.ai/internal/perception/fog"
)

type Config struct {
	Endpoint        string `env:"ENDPOINT"`
	Bucket          string `env:"BUCKET"`
	AccessKeyID     string `env:"ACCESS_KEY_ID"`
	SecretAccessKey string `env:"SECRET_ACCESS_KEY"`
	Region          string `env:"REGION"`
	UseSSL          bool   `env:"USE_SSL" envDefault:"true"`
	Prefix          string `env:"PREFIX" envDefault:"fog"`
}

// Store implements fog.Store on one bucket. Objects live at
// <prefix>/<scene>/<user>.fog.zst.
type Store struct {
	client *minio.Client
	bucket string
	prefix string
}

func New(cfg Config) (*Store, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	endpoint = strings.TrimPrefix(strings.TrimPrefix(endpoint, "https://"), "http://")
	if endpoint == "" || cfg.Bucket == "" || cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, fmt.Errorf("endpoint/bucket/access key/secret key are required")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Store{client: client, bucket: cfg.Bucket, prefix: cleanPrefix(cfg.Prefix)}, nil
}

// EnsureBucket creates the bucket when missing.
func (s *Store) EnsureBucket(ctx context.Context, region string) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if ok {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	return nil
}

func cleanPrefix(p string) string {
	return strings.Trim(strings.ReplaceAll(p, "\\", "/"), "/")
}

// ObjectKey is the key a record is stored under.
func ObjectKey(prefix, sceneID, userID string) string {
	return path.Join(cleanPrefix(prefix), url.PathEscape(sceneID), url.PathEscape(userID)+".fog.zst")
}

func scenePrefix(prefix, sceneID string) string {
	return path.Join(cleanPrefix(prefix), url.PathEscape(sceneID)) + "/"
}

func (s *Store) Load(ctx context.Context, sceneID, userID string) (fog.Record, bool, error) {
	key := ObjectKey(s.prefix, sceneID, userID)
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return fog.Record{}, false, fmt.Errorf("get %s: %w", key, err)
	}
	defer obj.Close()
	info, err := obj.Stat()
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return fog.Record{}, false, nil
		}
		return fog.Record{}, false, fmt.Errorf("stat %s: %w", key, err)
	}
	blob, err := io.ReadAll(obj)
	if err != nil {
		return fog.Record{}, false, fmt.Errorf("read %s: %w", key, err)
	}
	return fog.Record{SceneID: sceneID, UserID: userID, Blob: blob, Modified: info.LastModified}, true, nil
}

func (s *Store) Save(ctx context.Context, rec fog.Record) error {
	key := ObjectKey(s.prefix, rec.SceneID, rec.UserID)
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(rec.Blob), int64(len(rec.Blob)), minio.PutObjectOptions{
		ContentType: "application/zstd",
		UserMetadata: map[string]string{
			"scene": rec.SceneID,
			"user":  rec.UserID,
		},
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *Store) DeleteScene(ctx context.Context, sceneID string) (int, error) {
	objects := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    scenePrefix(s.prefix, sceneID),
		Recursive: true,
	})
	n := 0
	for obj := range objects {
		if obj.Err != nil {
			return n, fmt.Errorf("list scene %s: %w", sceneID, obj.Err)
		}
		if err := s.client.RemoveObject(ctx, s.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return n, fmt.Errorf("remove %s: %w", obj.Key, err)
		}
		n++
	}
	return n, nil
}
