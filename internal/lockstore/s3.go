package lockstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config configures the S3 (or S3-compatible) backend.
type S3Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	Insecure        bool
	ForcePathStyle  bool
}

// S3 implements Backend with one JSON object per lock. The object ETag is
// the record version; writes use If-Match / If-None-Match preconditions.
type S3 struct {
	client *minio.Client
	cfg    S3Config
}

// NewS3 creates an S3-backed lock store.
func NewS3(cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		} else {
			endpoint = "s3.amazonaws.com"
		}
	}
	var creds *credentials.Credentials
	if cfg.AccessKeyID != "" {
		creds = credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	} else {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.IAM{},
		})
	}
	options := &minio.Options{
		Creds:  creds,
		Secure: !cfg.Insecure,
		Region: cfg.Region,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &S3{client: client, cfg: cfg}, nil
}

func (s *S3) object(name string) string {
	return path.Join(s.cfg.Prefix, name+".json")
}

// Create implements Backend.Create.
func (s *S3) Create(ctx context.Context, name string, rec Record) error {
	payload, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	opts := minio.PutObjectOptions{ContentType: "application/json"}
	opts.SetMatchETagExcept("*")
	_, err = s.client.PutObject(ctx, s.cfg.Bucket, s.object(name), bytes.NewReader(payload), int64(len(payload)), opts)
	if err != nil {
		if isPreconditionFailed(err) {
			return nil
		}
		return wrapErr("create", name, err)
	}
	return nil
}

// Load implements Backend.Load.
func (s *S3) Load(ctx context.Context, name string) (Record, error) {
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, s.object(name), minio.GetObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return Record{}, ErrNotFound
		}
		return Record{}, wrapErr("load", name, err)
	}
	defer obj.Close()

	payload, err := io.ReadAll(io.LimitReader(obj, 1<<20))
	if err != nil {
		if isNotFound(err) {
			return Record{}, ErrNotFound
		}
		return Record{}, wrapErr("load", name, err)
	}
	info, err := obj.Stat()
	if err != nil {
		if isNotFound(err) {
			return Record{}, ErrNotFound
		}
		return Record{}, wrapErr("load", name, err)
	}
	rec, err := decodeRecord(payload, stripETag(info.ETag))
	if err != nil {
		return Record{}, wrapErr("load", name, err)
	}
	return rec, nil
}

// CompareAndSwap implements Backend.CompareAndSwap.
func (s *S3) CompareAndSwap(ctx context.Context, name string, rec Record, etag string) (string, bool, error) {
	if etag == "" {
		return "", false, nil
	}
	payload, err := encodeRecord(rec)
	if err != nil {
		return "", false, err
	}
	opts := minio.PutObjectOptions{ContentType: "application/json"}
	opts.SetMatchETag(etag)
	info, err := s.client.PutObject(ctx, s.cfg.Bucket, s.object(name), bytes.NewReader(payload), int64(len(payload)), opts)
	if err != nil {
		if isPreconditionFailed(err) || isNotFound(err) {
			return "", false, nil
		}
		return "", false, wrapErr("compare_and_swap", name, err)
	}
	return stripETag(info.ETag), true, nil
}

func stripETag(etag string) string {
	return strings.Trim(etag, "\"")
}

func isNotFound(err error) bool {
	errResp := minio.ErrorResponse{}
	if errors.As(err, &errResp) {
		return errResp.StatusCode == http.StatusNotFound || errResp.Code == "NoSuchKey"
	}
	return false
}

func isPreconditionFailed(err error) bool {
	errResp := minio.ErrorResponse{}
	if errors.As(err, &errResp) {
		if errResp.StatusCode == http.StatusPreconditionFailed {
			return true
		}
		if errResp.StatusCode == http.StatusConflict {
			switch errResp.Code {
			case "ConditionalRequestConflict", "OperationAborted":
				return true
			}
		}
	}
	return false
}
