package behavior

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func strPtr(s string) *string { return &s }

func TestDecodeObjectiveUnwrapsEnvelopes(t *testing.T) {
	body := `{"name":"Audit buckets","description":"check storage","tasks":[{"name":"list","description":"list all","actions":[{"name":"s3:ListBuckets","description":"list","duration":3}]}]}`

	tests := []struct {
		name string
		raw  string
	}{
		{"bare", body},
		{"Objective", `{"Objective":` + body + `}`},
		{"objective", `{"objective":` + body + `}`},
		{"Objectives list", `{"Objectives":[` + body + `]}`},
		{"objectives nested", `{"objectives":{"objective":` + body + `}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obj, err := DecodeObjective([]byte(tt.raw), Limits{})
			if err != nil {
				t.Fatalf("DecodeObjective failed: %v", err)
			}
			if obj.Name != "Audit buckets" {
				t.Errorf("expected name 'Audit buckets', got %q", obj.Name)
			}
			if len(obj.Tasks) != 1 || len(obj.Tasks[0].Actions) != 1 {
				t.Fatalf("unexpected shape: %+v", obj)
			}
			if got := obj.Tasks[0].Actions[0].APIName(); got != "s3:ListBuckets" {
				t.Errorf("expected s3:ListBuckets, got %q", got)
			}
		})
	}
}

func TestDecodeObjectiveTruncatesAndFilters(t *testing.T) {
	obj := Objective{Name: "n", Description: "d"}
	for i := 0; i < 4; i++ {
		task := Task{Name: "t"}
		for j := 0; j < 7; j++ {
			task.Actions = append(task.Actions, Action{Name: strPtr("ec2:DescribeInstances"), Description: "a", Duration: 1})
		}
		task.Actions = append(task.Actions, Action{Name: strPtr("iam:CreateUser"), Description: "x", Duration: 1})
		obj.Tasks = append(obj.Tasks, task)
	}
	raw, _ := json.Marshal(obj)

	got, err := DecodeObjective(raw, Limits{MaxTasks: 1, MaxActions: 8, Allowed: []string{"ec2:DescribeInstances"}})
	if err != nil {
		t.Fatalf("DecodeObjective failed: %v", err)
	}
	if len(got.Tasks) != 1 {
		t.Errorf("expected 1 task, got %d", len(got.Tasks))
	}
	if len(got.Tasks[0].Actions) != 8 {
		t.Fatalf("expected 8 actions, got %d", len(got.Tasks[0].Actions))
	}
	if !got.Tasks[0].Actions[7].IsFlavor() {
		t.Error("action outside allow-list should become a flavor action")
	}
}

func TestDecodeObjectiveErrors(t *testing.T) {
	if _, err := DecodeObjective([]byte("not json"), Limits{}); !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed, got %v", err)
	}
	if _, err := DecodeObjective([]byte(`{"name":"x","description":"y","tasks":[]}`), Limits{}); !errors.Is(err, ErrEmptyObjective) {
		t.Errorf("expected ErrEmptyObjective, got %v", err)
	}
	if _, err := DecodeObjective([]byte(`{"description":"y","tasks":[{"name":"t","actions":[]}]}`), Limits{}); err == nil {
		t.Error("expected validation error for missing name")
	}
}

func TestFlavorAction(t *testing.T) {
	tests := []struct {
		name   string
		action Action
		want   bool
	}{
		{"nil", Action{}, true},
		{"empty", Action{Name: strPtr("")}, true},
		{"None literal", Action{Name: strPtr("None")}, true},
		{"api", Action{Name: strPtr("s3:GetObject")}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.action.IsFlavor(); got != tt.want {
				t.Errorf("IsFlavor() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestObjectiveSchemaConstrainsNames(t *testing.T) {
	s, err := ObjectiveSchema([]string{"s3:ListBuckets", "sts:GetCallerIdentity"})
	if err != nil {
		t.Fatalf("ObjectiveSchema failed: %v", err)
	}
	if s.Version != SchemaVersion {
		t.Errorf("expected version %s, got %s", SchemaVersion, s.Version)
	}
	if !strings.Contains(string(s.Body), `"enum":["s3:ListBuckets","sts:GetCallerIdentity",null]`) {
		t.Errorf("schema missing enum: %s", s.Body)
	}
}

func TestLoadSchemaUnknown(t *testing.T) {
	if _, err := LoadSchema("nope"); err == nil {
		t.Error("expected error for unknown schema")
	}
	for _, name := range []string{SchemaObjective, SchemaRecords, SchemaServiceMethod, SchemaCallerIdentity, SchemaRuleRecommendation, SchemaInvestigation} {
		s, err := LoadSchema(name)
		if err != nil {
			t.Errorf("LoadSchema(%s) failed: %v", name, err)
			continue
		}
		if !json.Valid(s.Body) {
			t.Errorf("schema %s is not valid JSON", name)
		}
	}
}

func TestExtractAPINames(t *testing.T) {
	text := "Retrieves the password with ec2:GetPasswordData then calls ec2:GetPasswordData again and sts:GetCallerIdentity. See https://example.com."
	got := ExtractAPINames(text)
	want := []string{"ec2:GetPasswordData", "sts:GetCallerIdentity"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("index %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestActivityRecordAccessors(t *testing.T) {
	r := ActivityRecord{
		"eventName":    "ListBuckets",
		"userIdentity": map[string]any{"accessKeyId": "AKIA1"},
	}
	if r.AccessKeyID() != "AKIA1" {
		t.Errorf("expected AKIA1, got %s", r.AccessKeyID())
	}
	if r.EventName() != "ListBuckets" {
		t.Errorf("expected ListBuckets, got %s", r.EventName())
	}
}

func TestNewThoughtLog(t *testing.T) {
	log := NewThoughtLog("job-1", "alice", TagBackground, true, "persona")
	if log.UUID != "job-1" || log.UserName != "alice" || !log.IsCompromised {
		t.Errorf("unexpected log: %+v", log)
	}
	if string(log.Thought) != `"persona"` {
		t.Errorf("expected quoted thought, got %s", log.Thought)
	}
	if len(log.Time) != len(EventTimeFormat) {
		t.Errorf("unexpected time format: %s", log.Time)
	}
}

func TestSchemaValidate(t *testing.T) {
	objective, err := ObjectiveSchema([]string{"s3:ListBuckets"})
	if err != nil {
		t.Fatal(err)
	}
	caller, err := LoadSchema(SchemaCallerIdentity)
	if err != nil {
		t.Fatal(err)
	}
	const task = `{"name":"t","description":"d","actions":[{"name":%s,"description":"d","duration":1}]}`

	tests := []struct {
		name    string
		schema  Schema
		doc     string
		wantErr bool
	}{
		{"allowed action", objective, `{"name":"o","description":"d","tasks":[` + fmt.Sprintf(task, `"s3:ListBuckets"`) + `]}`, false},
		{"flavor action", objective, `{"name":"o","description":"d","tasks":[` + fmt.Sprintf(task, `null`) + `]}`, false},
		{"wrapped objective", objective, `{"Objective":{"name":"o","description":"d","tasks":[]}}`, false},
		{"action outside allow-list", objective, `{"name":"o","description":"d","tasks":[` + fmt.Sprintf(task, `"iam:CreateUser"`) + `]}`, true},
		{"missing tasks", objective, `{"name":"o","description":"d"}`, true},
		{"caller identity", caller, `{"account":"123456789012","user_id":"AIDA","arn":"arn:aws:iam::123456789012:user/ops"}`, false},
		{"titled caller identity", caller, `{"AWSCallerIdentity":{"account":"1","user_id":"u","arn":"a"}}`, false},
		{"caller identity missing arn", caller, `{"account":"1","user_id":"u"}`, true},
		{"not json", caller, `{`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.schema.Validate([]byte(tt.doc))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrSchemaViolation) {
				t.Errorf("expected ErrSchemaViolation, got %v", err)
			}
		})
	}
}

func TestBundledSchemasCompile(t *testing.T) {
	for _, name := range []string{SchemaObjective, SchemaRecords, SchemaServiceMethod, SchemaCallerIdentity, SchemaRuleRecommendation, SchemaInvestigation} {
		s, err := LoadSchema(name)
		if err != nil {
			t.Fatalf("LoadSchema(%s) failed: %v", name, err)
		}
		if _, err := s.compile(); err != nil {
			t.Errorf("schema %s does not compile: %v", name, err)
		}
	}
}
