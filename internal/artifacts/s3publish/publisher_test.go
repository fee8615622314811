package s3publish

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]string
	types   map[string]string
	err     error
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objects == nil {
		f.objects = map[string]string{}
		f.types = map[string]string{}
	}
	f.objects[*params.Key] = string(body)
	f.types[*params.Key] = *params.ContentType
	return &s3.PutObjectOutput{}, nil
}

type fakeAPIError struct {
	code string
}

func (e fakeAPIError) Error() string                 { return e.code + ": failed" }
func (e fakeAPIError) ErrorCode() string             { return e.code }
func (e fakeAPIError) ErrorMessage() string          { return "failed" }
func (e fakeAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultClient }

func writeArtifacts(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"metrics.json":      `{"scores":{}}`,
		"trace_ledger.json": `{"traces":[]}`,
		"run-1/trace.jsonl": "{}\n",
	}
	for name, body := range files {
		p := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("unexpected mkdir error: %v", err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatalf("unexpected write error: %v", err)
		}
	}
	return dir
}

func TestPublishDirUploadsEveryFile(t *testing.T) {
	t.Parallel()

	client := &fakeS3{}
	p, err := NewWithClient(Config{Bucket: "bench", Prefix: "/runs/", Concurrency: 2}, client, nil)
	if err != nil {
		t.Fatalf("unexpected publisher error: %v", err)
	}
	keys, err := p.PublishDir(context.Background(), writeArtifacts(t), "run-1")
	if err != nil {
		t.Fatalf("unexpected publish error: %v", err)
	}
	want := []string{"runs/run-1/metrics.json", "runs/run-1/run-1/trace.jsonl", "runs/run-1/trace_ledger.json"}
	if len(keys) != len(want) {
		t.Fatalf("expected %v, got %v", want, keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, keys)
		}
	}
	if client.objects["runs/run-1/metrics.json"] != `{"scores":{}}` {
		t.Fatalf("unexpected uploaded body %q", client.objects["runs/run-1/metrics.json"])
	}
	if client.types["runs/run-1/run-1/trace.jsonl"] != "application/x-ndjson" {
		t.Fatalf("unexpected content type %q", client.types["runs/run-1/run-1/trace.jsonl"])
	}
}

func TestPublishDirClassifiesErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "missing bucket", err: fakeAPIError{code: "NoSuchBucket"}, want: ErrBucketNotFound},
		{name: "access denied", err: fakeAPIError{code: "AccessDenied"}, want: ErrAccessDenied},
		{name: "throttled", err: fakeAPIError{code: "SlowDown"}, want: ErrThrottled},
		{name: "canceled", err: context.Canceled, want: context.Canceled},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p, err := NewWithClient(Config{Bucket: "bench"}, &fakeS3{err: tc.err}, nil)
			if err != nil {
				t.Fatalf("unexpected publisher error: %v", err)
			}
			_, err = p.PublishDir(context.Background(), writeArtifacts(t), "run-1")
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			var uploadErr *UploadError
			if !errors.As(err, &uploadErr) || uploadErr.Key == "" {
				t.Fatalf("expected upload error naming the key, got %v", err)
			}
		})
	}
}

func TestNewRequiresBucket(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}, nil); !errors.Is(err, ErrBucketRequired) {
		t.Fatalf("expected ErrBucketRequired, got %v", err)
	}
}

func TestPublishDirMissingDirectory(t *testing.T) {
	t.Parallel()

	p, err := NewWithClient(Config{Bucket: "bench"}, &fakeS3{}, nil)
	if err != nil {
		t.Fatalf("unexpected publisher error: %v", err)
	}
	if _, err := p.PublishDir(context.Background(), filepath.Join(t.TempDir(), "missing"), ""); err == nil {
		t.Fatalf("expected missing directory error")
	}
}
