// Package s3publish uploads an artifact export directory to S3.
package s3publish

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/tiger/greenbench/internal/observability/logging"
	"golang.org/x/sync/errgroup"
)

const (
	defaultRegion      = "us-east-1"
	defaultConcurrency = 4
)

var (
	ErrBucketRequired = errors.New("s3 bucket is required")
	ErrBucketNotFound = errors.New("s3 bucket not found")
	ErrAccessDenied   = errors.New("s3 access denied")
	ErrThrottled      = errors.New("s3 request throttled")
)

type putClient interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Config selects the upload destination.
type Config struct {
	Bucket      string
	Prefix      string
	Region      string
	Concurrency int
}

// Publisher uploads artifact files.
type Publisher struct {
	mu     sync.Mutex
	client putClient
	cfg    Config
	logger *slog.Logger
}

// New returns a publisher that loads the default AWS config on first upload.
func New(cfg Config, logger *slog.Logger) (*Publisher, error) {
	return NewWithClient(cfg, nil, logger)
}

// NewWithClient returns a publisher using client. A nil client is resolved lazily.
func NewWithClient(cfg Config, client putClient, logger *slog.Logger) (*Publisher, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, ErrBucketRequired
	}
	if strings.TrimSpace(cfg.Region) == "" {
		cfg.Region = defaultRegion
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &Publisher{client: client, cfg: cfg, logger: logging.OrDiscard(logger)}, nil
}

// UploadError names the object that failed.
type UploadError struct {
	Key string
	Err error
}

func (e *UploadError) Error() string { return fmt.Sprintf("upload %s: %v", e.Key, e.Err) }

func (e *UploadError) Unwrap() error { return e.Err }

// PublishDir uploads every regular file under dir to prefix/runID/<relative
// path> and returns the object keys in lexical order.
func (p *Publisher) PublishDir(ctx context.Context, dir, runID string) ([]string, error) {
	client, err := p.resolveClient(ctx)
	if err != nil {
		return nil, err
	}
	files, err := listFiles(dir)
	if err != nil {
		return nil, err
	}

	keys := make([]string, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for i, rel := range files {
		i, rel := i, rel
		key := p.objectKey(runID, rel)
		keys[i] = key
		g.Go(func() error {
			body, err := os.ReadFile(filepath.Join(dir, rel))
			if err != nil {
				return fmt.Errorf("read artifact %s: %w", rel, err)
			}
			_, err = client.PutObject(gctx, &s3.PutObjectInput{
				Bucket:      aws.String(p.cfg.Bucket),
				Key:         aws.String(key),
				Body:        bytes.NewReader(body),
				ContentType: aws.String(contentType(rel)),
			})
			if err != nil {
				return &UploadError{Key: key, Err: classify(err)}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	p.logger.Info("artifacts published", "bucket", p.cfg.Bucket, "run_id", runID, "objects", len(keys))
	return keys, nil
}

func (p *Publisher) objectKey(runID, rel string) string {
	parts := []string{}
	if p.cfg.Prefix != "" {
		parts = append(parts, p.cfg.Prefix)
	}
	if runID != "" {
		parts = append(parts, runID)
	}
	return path.Join(append(parts, filepath.ToSlash(rel))...)
}

func listFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list artifacts in %s: %w", dir, err)
	}
	sort.Strings(files)
	return files, nil
}

func contentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json":
		return "application/json"
	case ".jsonl":
		return "application/x-ndjson"
	default:
		return "application/octet-stream"
	}
}

// classify maps S3 API error codes onto package sentinels, keeping the
// original error in the chain.
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchBucket":
			return fmt.Errorf("%w: %w", ErrBucketNotFound, err)
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return fmt.Errorf("%w: %w", ErrAccessDenied, err)
		case "SlowDown", "Throttling", "RequestLimitExceeded":
			return fmt.Errorf("%w: %w", ErrThrottled, err)
		}
	}
	return err
}

func (p *Publisher) resolveClient(ctx context.Context) (putClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		return p.client, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(p.cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	p.client = s3.NewFromConfig(awsCfg)
	return p.client, nil
}
