package executor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"detection-lab/internal/behavior"
	"detection-lab/internal/credentials"
	"detection-lab/internal/generator"
)

var testCred = credentials.Credential{
	Name:            "cg-attacker",
	AccessKeyID:     "AKIA-BAD",
	SecretAccessKey: "secret",
	Compromised:     true,
}

func scriptedGenerator(t *testing.T, records string) generator.Generator {
	t.Helper()
	return generator.Func(func(_ context.Context, req generator.Request) (*generator.Response, error) {
		if req.Shape != generator.ShapeStructured || req.Schema == nil {
			t.Errorf("expected structured request with schema, got %+v", req)
		}
		switch req.Schema.Name {
		case behavior.SchemaServiceMethod:
			return &generator.Response{Choices: []string{`{"AWSAPIServiceMethod": {"aws_service": "s3", "aws_method": "ListBuckets", "user_agent": "aws-cli"}}`}}, nil
		case behavior.SchemaCallerIdentity:
			return &generator.Response{Choices: []string{`{"account": "123456789012", "user_id": "AIDA1", "arn": "arn:aws:iam::123456789012:user/data-eng"}`}}, nil
		case behavior.SchemaRecords:
			return &generator.Response{Choices: []string{records}}, nil
		}
		t.Fatalf("unexpected schema %q", req.Schema.Name)
		return nil, nil
	})
}

func TestSyntheticPinsIdentityAndWindow(t *testing.T) {
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	records := `{"Records": [
		{"eventTime": "2024-03-01T12:00:05Z", "eventName": "ListBuckets", "userIdentity": {"accessKeyId": "AKIA-OTHER"}},
		{"eventTime": "1999-01-01T00:00:00Z", "eventName": "ListBuckets"},
		{"eventTime": "garbage", "eventName": "ListBuckets", "userIdentity": {"arn": "arn:keep"}}
	]}`
	s := NewSynthetic(scriptedGenerator(t, records), nil)
	s.now = func() time.Time { return fixed }

	got, err := s.Execute(context.Background(), testCred, Call{API: "s3:ListBuckets", Duration: 10 * time.Second})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d records, want 3", len(got))
	}

	wantTimes := []string{"2024-03-01T12:00:05Z", "2024-03-01T12:00:00Z", "2024-03-01T12:00:00Z"}
	for i, r := range got {
		if r.AccessKeyID() != "AKIA-BAD" {
			t.Errorf("record %d accessKeyId = %q", i, r.AccessKeyID())
		}
		if r["eventTime"] != wantTimes[i] {
			t.Errorf("record %d eventTime = %v, want %s", i, r["eventTime"], wantTimes[i])
		}
	}
	if arn := got[0]["userIdentity"].(map[string]any)["arn"]; arn != "arn:aws:iam::123456789012:user/data-eng" {
		t.Errorf("missing arn not filled from caller identity: %v", arn)
	}
	if arn := got[2]["userIdentity"].(map[string]any)["arn"]; arn != "arn:keep" {
		t.Errorf("generated arn overwritten: %v", arn)
	}
}

func TestSyntheticSingleRecordObject(t *testing.T) {
	s := NewSynthetic(scriptedGenerator(t, `{"eventName": "GetObject"}`), nil)
	got, err := s.Execute(context.Background(), testCred, Call{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(got) != 1 || got[0].EventName() != "GetObject" {
		t.Errorf("got %v", got)
	}
}

func TestSyntheticGenerationError(t *testing.T) {
	genErr := &generator.GenerationError{Attempts: 3, Err: errors.New("boom")}
	s := NewSynthetic(generator.Func(func(context.Context, generator.Request) (*generator.Response, error) {
		return nil, genErr
	}), nil)
	_, err := s.Execute(context.Background(), testCred, Call{API: "s3:ListBuckets"})
	var ge *generator.GenerationError
	if !errors.As(err, &ge) {
		t.Fatalf("Execute() error = %v, want GenerationError", err)
	}
}

type stubExecutor struct {
	calls int
	err   error
}

func (s *stubExecutor) Execute(context.Context, credentials.Credential, Call) ([]behavior.ActivityRecord, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return []behavior.ActivityRecord{{"eventName": "Stub"}}, nil
}

func TestFallback(t *testing.T) {
	tests := []struct {
		name          string
		strict        bool
		primaryErr    error
		api           string
		wantPrimary   int
		wantSecondary int
		wantErr       bool
	}{
		{"primary handles", false, nil, "s3:ListBuckets", 1, 0, false},
		{"unsupported falls back", false, ErrUnsupportedCall, "ec2:DescribeInstances", 1, 1, false},
		{"other errors surface", false, errors.New("access denied"), "s3:ListBuckets", 1, 0, true},
		{"flavor skips primary", false, nil, "", 0, 1, false},
		{"strict unsupported surfaces", true, ErrUnsupportedCall, "ec2:DescribeInstances", 1, 0, true},
		{"strict flavor skips primary", true, ErrUnsupportedCall, "", 0, 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			primary := &stubExecutor{err: tt.primaryErr}
			secondary := &stubExecutor{}
			f := Fallback{Primary: primary, Secondary: secondary, Strict: tt.strict}
			_, err := f.Execute(context.Background(), testCred, Call{API: tt.api})
			if (err != nil) != tt.wantErr {
				t.Fatalf("Execute() error = %v, wantErr %v", err, tt.wantErr)
			}
			if primary.calls != tt.wantPrimary || secondary.calls != tt.wantSecondary {
				t.Errorf("calls = %d/%d, want %d/%d", primary.calls, secondary.calls, tt.wantPrimary, tt.wantSecondary)
			}
		})
	}
}

func TestTrackerWritesNDJSON(t *testing.T) {
	tr := NewTracker(&stubExecutor{})
	ctx := context.Background()
	normal := credentials.Credential{AccessKeyID: "AKIA-BOB"}
	for _, c := range []credentials.Credential{testCred, normal, testCred} {
		if _, err := tr.Execute(ctx, c, Call{}); err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
	}

	path := filepath.Join(t.TempDir(), "keys", "job.ndjson")
	if err := tr.WriteFile(path); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %q", len(lines), data)
	}
	var first TrackedKey
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatal(err)
	}
	if first.AccessKeyID != "AKIA-BAD" || !first.IsMalicious {
		t.Errorf("first line = %+v", first)
	}
}

func TestAWSUnsupportedCall(t *testing.T) {
	_, err := NewAWS(DefaultConfig()).Execute(context.Background(), testCred, Call{API: "ec2:RunInstances"})
	if !errors.Is(err, ErrUnsupportedCall) {
		t.Errorf("Execute() error = %v, want ErrUnsupportedCall", err)
	}
}

func TestAWSListBuckets(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			t.Error("request was not signed")
		}
		w.Header().Set("Content-Type", "application/xml")
		w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?>
<ListAllMyBucketsResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">
  <Owner><ID>owner</ID></Owner>
  <Buckets><Bucket><Name>lab-bucket</Name><CreationDate>2024-01-01T00:00:00.000Z</CreationDate></Bucket></Buckets>
</ListAllMyBucketsResult>`))
	}))
	defer server.Close()

	e := NewAWS(Config{Region: "us-east-1", EndpointURL: server.URL, AccountID: "123456789012"})
	got, err := e.Execute(context.Background(), testCred, Call{API: "s3:ListBuckets"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d records", len(got))
	}
	r := got[0]
	if r.EventName() != "ListBuckets" || r["eventSource"] != "s3.amazonaws.com" {
		t.Errorf("record = %v", r)
	}
	if r.AccessKeyID() != "AKIA-BAD" {
		t.Errorf("accessKeyId = %q", r.AccessKeyID())
	}
	if arn := r["userIdentity"].(map[string]any)["arn"]; arn != "arn:aws:iam::123456789012:user/cg-attacker" {
		t.Errorf("arn = %v", arn)
	}
}

func TestNewModes(t *testing.T) {
	synth := NewSynthetic(nil, nil)
	for _, mode := range []Mode{ModeSynthetic, ModeAWS, ModeHybrid} {
		if _, err := New(Config{Mode: mode}, synth); err != nil {
			t.Errorf("New(%s) error = %v", mode, err)
		}
	}
	if _, err := New(Config{Mode: "bogus"}, synth); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func TestAWSModeSynthesizesFlavorActions(t *testing.T) {
	synth := NewSynthetic(scriptedGenerator(t, `{"Records": [{"eventName": "ConsoleLogin"}]}`), nil)
	exec, err := New(Config{Mode: ModeAWS}, synth)
	if err != nil {
		t.Fatal(err)
	}

	got, err := exec.Execute(context.Background(), testCred, Call{Description: "browse the console", Duration: time.Second})
	if err != nil {
		t.Fatalf("flavor Execute() error = %v", err)
	}
	if len(got) != 1 || got[0].EventName() != "ConsoleLogin" {
		t.Errorf("flavor records = %v", got)
	}

	if _, err := exec.Execute(context.Background(), testCred, Call{API: "ec2:DescribeInstances"}); !errors.Is(err, ErrUnsupportedCall) {
		t.Errorf("named unsupported call error = %v, want ErrUnsupportedCall", err)
	}
}

func TestSyntheticDropsRecordsWithoutEventName(t *testing.T) {
	s := NewSynthetic(scriptedGenerator(t, `{"Records": [{"eventName": "GetObject"}, {"unrelated": true}, "junk"]}`), nil)
	got, err := s.Execute(context.Background(), testCred, Call{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(got) != 1 || got[0].EventName() != "GetObject" {
		t.Errorf("got %v", got)
	}

	s = NewSynthetic(scriptedGenerator(t, `{"unrelated": true}`), nil)
	if got, err := s.Execute(context.Background(), testCred, Call{}); err != nil || len(got) != 0 {
		t.Errorf("junk object: got %v, err %v", got, err)
	}
}
