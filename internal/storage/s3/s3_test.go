package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type fakeAPI struct {
	pages   []*s3.ListObjectsV2Output
	calls   []string
	objects map[string][]byte
	listErr error
	put     map[string][]byte
}

func (f *fakeAPI) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	f.calls = append(f.calls, aws.ToString(in.ContinuationToken))
	return f.pages[len(f.calls)-1], nil
}

func (f *fakeAPI) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeAPI) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, _ := io.ReadAll(in.Body)
	if f.put == nil {
		f.put = make(map[string][]byte)
	}
	f.put[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeAPI) HeadBucket(ctx context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if aws.ToString(in.Bucket) != "trail" {
		return nil, &types.NoSuchBucket{}
	}
	return &s3.HeadBucketOutput{}, nil
}

func testClient(api objectAPI) *Client {
	cfg := DefaultConfig()
	cfg.Bucket = "trail"
	return newClient(api, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"empty region", func(c *Config) { c.Region = "" }, true},
		{"empty bucket", func(c *Config) { c.Bucket = "" }, true},
		{"page size too large", func(c *Config) { c.PageSize = 5000 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Bucket = "trail"
			tt.modify(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestListPaginates(t *testing.T) {
	api := &fakeAPI{pages: []*s3.ListObjectsV2Output{
		{
			Contents:              []types.Object{{Key: aws.String("a.json.gz"), Size: aws.Int64(10)}},
			IsTruncated:           aws.Bool(true),
			NextContinuationToken: aws.String("page-2"),
		},
		{
			Contents: []types.Object{{Key: aws.String("b.json.gz"), Size: aws.Int64(20)}},
		},
	}}
	c := testClient(api)

	objects, err := c.List(context.Background(), "AWSLogs/")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(objects) != 2 || objects[0].Key != "a.json.gz" || objects[1].Key != "b.json.gz" {
		t.Errorf("List() = %+v", objects)
	}
	if len(api.calls) != 2 || api.calls[1] != "page-2" {
		t.Errorf("continuation tokens = %v", api.calls)
	}
	if m := c.GetMetrics(); m.PagesListed != 2 || m.ObjectsListed != 2 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestListMissingContents(t *testing.T) {
	c := testClient(&fakeAPI{pages: []*s3.ListObjectsV2Output{{}}})
	objects, err := c.List(context.Background(), "AWSLogs/")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(objects) != 0 {
		t.Errorf("List() = %+v, want empty", objects)
	}
}

func TestListError(t *testing.T) {
	c := testClient(&fakeAPI{listErr: errors.New("access denied")})
	if _, err := c.List(context.Background(), "AWSLogs/"); err == nil {
		t.Fatal("List() succeeded")
	}
	if c.GetMetrics().Errors != 1 {
		t.Error("error not counted")
	}
}

func TestDownloadAndUpload(t *testing.T) {
	api := &fakeAPI{objects: map[string][]byte{"k": []byte("body")}}
	c := testClient(api)
	ctx := context.Background()

	data, err := c.Download(ctx, "k")
	if err != nil || string(data) != "body" {
		t.Fatalf("Download() = %q, %v", data, err)
	}
	_, err = c.Download(ctx, "missing")
	if !IsNotFound(err) {
		t.Errorf("Download(missing) error = %v, want not found", err)
	}

	if err := c.Upload(ctx, UploadInput{Key: "out", Body: []byte("xyz"), ContentType: "application/json"}); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if string(api.put["out"]) != "xyz" {
		t.Errorf("uploaded = %q", api.put["out"])
	}
	if m := c.GetMetrics(); m.BytesDownloaded != 4 || m.BytesUploaded != 3 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestHealthCheck(t *testing.T) {
	c := testClient(&fakeAPI{})
	if s := c.HealthCheck(context.Background()); !s.Healthy {
		t.Errorf("HealthCheck() = %+v", s)
	}
	c.config.Bucket = "other"
	s := c.HealthCheck(context.Background())
	if s.Healthy || !strings.Contains(s.Error, "NoSuchBucket") {
		t.Errorf("HealthCheck() = %+v", s)
	}
}
