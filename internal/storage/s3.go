package storage

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"vidflow/internal/config"
)

const objectPrefix = "videos/"

// Object identifies an uploaded video in the bucket.
type Object struct {
	PublicID string
	URL      string
}

// S3Client stores source videos in an S3-compatible bucket.
type S3Client struct {
	client         *minio.Client
	presignClient  *minio.Client
	bucket         string
	usePathStyle   bool
	publicEndpoint string
	endpointURL    string
	urlTTL         time.Duration
}

// NewS3FromConfig builds a client from the s3 config section.
func NewS3FromConfig(cfg config.S3) (*S3Client, error) {
	client, err := NewS3(cfg.Endpoint, cfg.AccessKey, cfg.SecretKey, cfg.Region, cfg.Bucket, cfg.UsePathStyle, cfg.PublicEndpoint)
	if err != nil {
		return nil, err
	}
	if cfg.URLTTLSeconds > 0 {
		client.urlTTL = time.Duration(cfg.URLTTLSeconds) * time.Second
	}
	return client, nil
}

func NewS3(endpoint, accessKey, secretKey, region, bucket string, usePathStyle bool, publicEndpoint string) (*S3Client, error) {
	host, secure, endpointURL, err := normalizeEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	if bucket == "" {
		return nil, errors.New("s3.bucket is required")
	}

	lookup := minio.BucketLookupAuto
	if usePathStyle {
		lookup = minio.BucketLookupPath
	}
	creds := credentials.NewStaticV4(accessKey, secretKey, "")

	client, err := minio.New(host, &minio.Options{Creds: creds, Secure: secure, Region: region, BucketLookup: lookup})
	if err != nil {
		return nil, err
	}

	if publicEndpoint == "" {
		publicEndpoint = endpointURL
	}

	var presignClient *minio.Client
	if strings.TrimSpace(publicEndpoint) != "" && publicEndpoint != endpointURL {
		if pHost, pSecure, _, err := normalizeEndpoint(publicEndpoint); err == nil {
			if c, err := minio.New(pHost, &minio.Options{Creds: creds, Secure: pSecure, Region: region, BucketLookup: lookup}); err == nil {
				presignClient = c
			}
		}
	}

	return &S3Client{
		client:         client,
		presignClient:  presignClient,
		bucket:         bucket,
		usePathStyle:   usePathStyle,
		publicEndpoint: publicEndpoint,
		endpointURL:    endpointURL,
	}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *S3Client) EnsureBucket(ctx context.Context, region string) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	return nil
}

// Upload stores the file at localPath under a fresh key and returns its
// public id and a URL the transcription service can fetch.
func (s *S3Client) Upload(ctx context.Context, localPath string) (Object, error) {
	if strings.TrimSpace(localPath) == "" {
		return Object{}, errors.New("local path is empty")
	}
	key := objectKey(localPath)
	_, err := s.client.FPutObject(ctx, s.bucket, key, localPath, minio.PutObjectOptions{
		ContentType: contentType(localPath),
	})
	if err != nil {
		return Object{}, err
	}
	objURL := s.objectURL(key)
	if s.urlTTL > 0 {
		if objURL, err = s.Presign(ctx, key, s.urlTTL); err != nil {
			return Object{}, err
		}
	}
	return Object{PublicID: key, URL: objURL}, nil
}

// Presign returns a time-limited GET URL for publicID.
func (s *S3Client) Presign(ctx context.Context, publicID string, expiry time.Duration) (string, error) {
	if strings.TrimSpace(publicID) == "" {
		return "", errors.New("object key is empty")
	}
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}
	client := s.client
	if s.presignClient != nil {
		client = s.presignClient
	}
	u, err := client.PresignedGetObject(ctx, s.bucket, publicID, expiry, nil)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// Delete removes publicID from the bucket. Missing objects are not an error.
func (s *S3Client) Delete(ctx context.Context, publicID string) error {
	if strings.TrimSpace(publicID) == "" {
		return errors.New("object key is empty")
	}
	return s.client.RemoveObject(ctx, s.bucket, publicID, minio.RemoveObjectOptions{})
}

func objectKey(localPath string) string {
	return objectPrefix + uuid.NewString() + strings.ToLower(filepath.Ext(localPath))
}

func contentType(localPath string) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(localPath))); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func (s *S3Client) objectURL(objectKey string) string {
	base := strings.TrimRight(s.publicEndpoint, "/")
	if base == "" {
		base = strings.TrimRight(s.endpointURL, "/")
	}
	if base == "" {
		return objectKey
	}

	if s.usePathStyle {
		return fmt.Sprintf("%s/%s/%s", base, s.bucket, objectKey)
	}

	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return fmt.Sprintf("%s/%s/%s", base, s.bucket, objectKey)
	}
	u.Host = fmt.Sprintf("%s.%s", s.bucket, u.Host)
	u.Path = "/" + objectKey
	return u.String()
}

func normalizeEndpoint(raw string) (host string, secure bool, endpointURL string, err error) {
	if raw == "" {
		return "", false, "", errors.New("s3.endpoint is required")
	}
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		u, err := url.Parse(raw)
		if err != nil {
			return "", false, "", err
		}
		if u.Host == "" {
			return "", false, "", errors.New("invalid s3.endpoint")
		}
		return u.Host, u.Scheme == "https", u.Scheme + "://" + u.Host, nil
	}
	return raw, false, "http://" + raw, nil
}
