package lab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"time"

	"detection-lab/internal/behavior"
	"detection-lab/internal/coordinator"
	"detection-lab/internal/events"
	"detection-lab/internal/ingest"
)

// JobFiles closes the per-job event file.
type JobFiles interface {
	Dir() string
	CloseJob(jobID string) error
}

// KeyWriter persists the access keys a job used.
type KeyWriter interface {
	WriteFile(path string) error
}

// Artifacts finalizes a job's files once it is terminal: the event file is
// closed, the used access keys are written and, when Objects is set, the
// job's synthetic activity is published to the trail bucket so a later
// evaluation ingests it like real CloudTrail.
type Artifacts struct {
	Events    JobFiles
	Keys      KeyWriter
	KeysDir   string
	Objects   ingest.ObjectStore
	AccountID string
	Region    string
	Timeout   time.Duration
	Logger    *slog.Logger
}

// Hook returns the coordinator finish hook.
func (a *Artifacts) Hook() coordinator.FinishHook {
	return func(job coordinator.Job) {
		logger := a.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger = logger.With("component", "lab", "job_id", job.ID)
		if err := a.finish(job); err != nil {
			logger.Error("failed to finalize job artifacts", "error", err)
			return
		}
		logger.Debug("job artifacts finalized", "status", job.Status)
	}
}

func (a *Artifacts) finish(job coordinator.Job) error {
	if a.Events != nil {
		if err := a.Events.CloseJob(job.ID); err != nil {
			return err
		}
	}
	if a.Keys != nil && a.KeysDir != "" {
		if err := a.Keys.WriteFile(filepath.Join(a.KeysDir, job.ID+".ndjson")); err != nil {
			return err
		}
	}
	if a.Objects == nil || a.Events == nil {
		return nil
	}

	timeout := a.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_, err := a.Publish(ctx, job.ID)
	return err
}

// Publish uploads the activity records of a job's event file as one
// CloudTrail object. It returns the object key, or "" when the job logged
// no activity.
func (a *Artifacts) Publish(ctx context.Context, jobID string) (string, error) {
	logs, err := events.ReadFile(events.Path(a.Events.Dir(), jobID))
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	records := ActivityFromEvents(logs)
	if len(records) == 0 {
		return "", nil
	}
	key, err := ingest.Publish(ctx, a.Objects, a.AccountID, a.Region, time.Now(), records)
	if err != nil {
		return "", fmt.Errorf("lab: failed to publish job %s: %w", jobID, err)
	}
	return key, nil
}

// ActivityFromEvents returns the activity records carried by log-tagged
// events. Thoughts that are not JSON objects are skipped.
func ActivityFromEvents(logs []behavior.ThoughtLog) []behavior.ActivityRecord {
	var records []behavior.ActivityRecord
	for _, l := range logs {
		if l.Tag != behavior.TagLog {
			continue
		}
		var rec behavior.ActivityRecord
		if err := json.Unmarshal(l.Thought, &rec); err != nil || len(rec) == 0 {
			continue
		}
		records = append(records, rec)
	}
	return records
}
