package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"detection-lab/internal/behavior"
	"detection-lab/internal/credentials"
	"detection-lab/internal/generator"
)

const synthSystemContext = "You are an expert at performing AWS API calls."

type serviceMethod struct {
	Service   string `json:"aws_service"`
	Method    string `json:"aws_method"`
	UserAgent string `json:"user_agent"`
}

type callerIdentity struct {
	Account string `json:"account"`
	UserID  string `json:"user_id"`
	ARN     string `json:"arn"`
}

// Synthetic fabricates CloudTrail records for a call with the content
// generator. Records are pinned to the calling identity and to the action's
// time window.
type Synthetic struct {
	gen    generator.Generator
	logger *slog.Logger
	now    func() time.Time
}

// NewSynthetic creates a synthetic executor.
func NewSynthetic(gen generator.Generator, logger *slog.Logger) *Synthetic {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synthetic{
		gen:    gen,
		logger: logger.With("component", "synthetic-executor"),
		now:    time.Now,
	}
}

// Execute implements Executor.
func (s *Synthetic) Execute(ctx context.Context, cred credentials.Credential, call Call) ([]behavior.ActivityRecord, error) {
	action := call.API
	if action == "" {
		action = "none (activity without a direct API call, for example browsing the console)"
	}

	var sm serviceMethod
	if err := s.structured(ctx, behavior.SchemaServiceMethod, fmt.Sprintf(
		"Your objective is to perform the following AWS API call with the objective:\nAction: %s\nObjective: %s\n\nDescribe an AWSAPIServiceMethod.",
		action, call.Description), &sm); err != nil {
		return nil, err
	}
	if sm.Service == "" || sm.Method == "" {
		if svc, method, ok := strings.Cut(call.API, ":"); ok {
			sm.Service, sm.Method = svc, method
		}
	}

	var ident callerIdentity
	if err := s.structured(ctx, behavior.SchemaCallerIdentity, fmt.Sprintf(
		"Your objective is to create an AWS caller identity given:\n- Background: %s\n- Objective: %s\n- Action: %s\n- AWS IAM permissions:\n%s\n\nYou must select an AWS identity defined in the IAM permissions.",
		call.Context, call.Description, action, call.Permissions), &ident); err != nil {
		return nil, err
	}

	start := s.now().UTC().Truncate(time.Second)
	end := start.Add(call.Duration)
	if !end.After(start) {
		end = start.Add(time.Second)
	}

	var doc map[string]any
	if err := s.structured(ctx, behavior.SchemaRecords, fmt.Sprintf(
		"Your objective is to create realistic AWS CloudTrail JSON records with `eventTime` set between %s and %s.\n\n"+
			"Generate log records with a realistic `userAgent` in the format {\"Records\": [...]}.\n\n"+
			"Each record must conform with the following metadata:\n---\nAction: %s\nObjective: %s\nAWS Caller Identity: %s (%s)\nAWS Service: %s\nAWS Method: %s\nAWS User Agent: %s\nAWS IAM Permissions: %s\n---",
		start.Format(behavior.EventTimeFormat), end.Format(behavior.EventTimeFormat),
		action, call.Description, ident.ARN, ident.Account, sm.Service, sm.Method, sm.UserAgent, call.Permissions), &doc); err != nil {
		return nil, err
	}

	records := pin(splitRecords(doc), cred, ident.ARN, start, end)
	s.logger.Debug("synthesized records",
		"action", action,
		"access_key_id", credentials.Mask(cred.AccessKeyID),
		"count", len(records))
	return records, nil
}

func (s *Synthetic) structured(ctx context.Context, schemaName, prompt string, v any) error {
	schema, err := behavior.LoadSchema(schemaName)
	if err != nil {
		return err
	}
	resp, err := s.gen.Generate(ctx, generator.Request{
		Prompt:        prompt,
		SystemContext: synthSystemContext,
		Schema:        &schema,
		Shape:         generator.ShapeStructured,
	})
	if err != nil {
		return err
	}
	data := []byte(resp.Text())
	var envelope map[string]json.RawMessage
	if json.Unmarshal(data, &envelope) == nil {
		// Some generators nest the payload under the model title.
		for _, key := range []string{"AWSAPIServiceMethod", "AWSCallerIdentity"} {
			if inner, ok := envelope[key]; ok {
				data = inner
			}
		}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("executor: failed to decode %s: %w", schemaName, err)
	}
	return nil
}

// splitRecords accepts {"Records": [...]} or a single record object.
// Records without an eventName are dropped.
func splitRecords(doc map[string]any) []behavior.ActivityRecord {
	if doc == nil {
		return nil
	}
	raw, ok := doc["Records"].([]any)
	if !ok {
		raw = []any{doc}
	}
	out := make([]behavior.ActivityRecord, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if name, _ := m["eventName"].(string); name == "" {
			continue
		}
		out = append(out, m)
	}
	return out
}

// pin forces the identity and clamps eventTime into [start, end].
func pin(records []behavior.ActivityRecord, cred credentials.Credential, arn string, start, end time.Time) []behavior.ActivityRecord {
	for _, r := range records {
		ui, _ := r["userIdentity"].(map[string]any)
		if ui == nil {
			ui = make(map[string]any)
			r["userIdentity"] = ui
		}
		ui["accessKeyId"] = cred.AccessKeyID
		if v, _ := ui["arn"].(string); v == "" && arn != "" {
			ui["arn"] = arn
		}

		ts, err := time.Parse(behavior.EventTimeFormat, fmt.Sprint(r["eventTime"]))
		if err != nil || ts.Before(start) || ts.After(end) {
			r["eventTime"] = start.Format(behavior.EventTimeFormat)
		}
	}
	return records
}
