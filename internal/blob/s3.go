package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/joshp123/gohome-vacuum/internal/config"
)

// maxDocumentBytes bounds a bootstrap document read back from the bucket.
const maxDocumentBytes = 1 << 20

// S3Store keeps bootstrap documents in an S3-compatible bucket under
// <prefix>/<key>.json.
type S3Store struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewS3Store connects to cfg.Endpoint. Credentials come from the configured
// key files, or from the MINIO_* and AWS_* environment when no files are set.
func NewS3Store(cfg config.BlobConfig) (*S3Store, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, errors.New("blob bucket is required")
	}
	creds, err := storeCredentials(cfg)
	if err != nil {
		return nil, err
	}
	host, secure, err := parseEndpoint(strings.TrimSpace(cfg.Endpoint))
	if err != nil {
		return nil, err
	}
	client, err := minio.New(host, &minio.Options{
		Creds:  creds,
		Secure: secure,
		Region: strings.TrimSpace(cfg.Region),
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client for %s: %w", host, err)
	}

	prefix := strings.Trim(strings.TrimSpace(cfg.Prefix), "/")
	if prefix == "" {
		prefix = config.DefaultBlobPrefix
	}
	return &S3Store{client: client, bucket: bucket, prefix: prefix}, nil
}

func storeCredentials(cfg config.BlobConfig) (*credentials.Credentials, error) {
	accessFile := strings.TrimSpace(cfg.AccessKeyFile)
	secretFile := strings.TrimSpace(cfg.SecretKeyFile)
	switch {
	case accessFile == "" && secretFile == "":
		return credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvMinio{},
			&credentials.EnvAWS{},
		}), nil
	case accessFile == "" || secretFile == "":
		return nil, errors.New("blob access and secret key files must be set together")
	}
	access, err := readKeyFile(accessFile)
	if err != nil {
		return nil, fmt.Errorf("blob access key: %w", err)
	}
	secret, err := readKeyFile(secretFile)
	if err != nil {
		return nil, fmt.Errorf("blob secret key: %w", err)
	}
	return credentials.NewStaticV4(access, secret, ""), nil
}

func (s *S3Store) Load(ctx context.Context, key string) ([]byte, error) {
	name, err := s.objectName(key)
	if err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.describe(name, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(io.LimitReader(obj, maxDocumentBytes+1))
	if err != nil {
		return nil, s.describe(name, err)
	}
	if len(data) > maxDocumentBytes {
		return nil, fmt.Errorf("s3://%s/%s exceeds %d bytes", s.bucket, name, maxDocumentBytes)
	}
	return data, nil
}

func (s *S3Store) Save(ctx context.Context, key string, data []byte) error {
	name, err := s.objectName(key)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, s.bucket, name, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:    "application/json",
		SendContentMd5: true,
	})
	if err != nil {
		return s.describe(name, err)
	}
	return nil
}

func (s *S3Store) objectName(key string) (string, error) {
	if err := checkKey(key); err != nil {
		return "", err
	}
	return path.Join(s.prefix, key+".json"), nil
}

// describe maps a missing object to ErrNotFound and names the object in any
// other failure.
func (s *S3Store) describe(name string, err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("s3://%s/%s: %w", s.bucket, name, ErrNotFound)
	}
	return fmt.Errorf("s3://%s/%s: %w", s.bucket, name, err)
}

// parseEndpoint accepts a bare host[:port], which implies TLS, or an http(s)
// URL.
func parseEndpoint(raw string) (host string, secure bool, err error) {
	if raw == "" {
		return "", false, errors.New("blob endpoint is required")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("parse blob endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false, fmt.Errorf("blob endpoint %q: unsupported scheme %q", raw, u.Scheme)
	}
	if u.Host == "" || (u.Path != "" && u.Path != "/") {
		return "", false, fmt.Errorf("blob endpoint %q: want scheme://host[:port]", raw)
	}
	return u.Host, u.Scheme == "https", nil
}

func readKeyFile(name string) (string, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return "", err
	}
	key := strings.TrimSpace(string(data))
	if key == "" {
		return "", fmt.Errorf("%s is empty", name)
	}
	return key, nil
}
