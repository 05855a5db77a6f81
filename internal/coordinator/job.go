// Package coordinator runs simulation jobs. A job walks a list of attack
// techniques in order; each technique is one stage in which a noisy, a
// malicious and optional normal agents run concurrently until the stage
// timeout.
package coordinator

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "Pending"
	StatusRunning   Status = "Running"
	StatusCompleted Status = "Completed"
	StatusTimedOut  Status = "TimedOut"
	StatusFailed    Status = "Failed"
	StatusCancelled Status = "Cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusTimedOut, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Defaults applied to job requests.
const (
	DefaultTimeout             = 300 * time.Second
	DefaultUserCount           = 2
	DefaultMaliciousMaxTasks   = 1
	DefaultMaliciousMaxActions = 5
)

var (
	// ErrJobNotFound is returned for unknown job ids.
	ErrJobNotFound = errors.New("coordinator: job not found")

	// ErrJobExists is returned when registering a duplicate job id.
	ErrJobExists = errors.New("coordinator: job already exists")

	// ErrUnknownScenario is returned for scenario ids with no technique list.
	ErrUnknownScenario = errors.New("coordinator: unknown scenario")

	// ErrUnknownTechnique is returned for technique ids outside the catalog.
	ErrUnknownTechnique = errors.New("coordinator: unknown technique")

	// ErrNoTechniques is returned when a request names neither techniques
	// nor a scenario.
	ErrNoTechniques = errors.New("coordinator: no techniques requested")
)

// Job is the externally visible state of a simulation job.
type Job struct {
	ID           string     `json:"id"`
	TechniqueIDs []string   `json:"technique_ids"`
	ScenarioID   string     `json:"scenario_id,omitempty"`
	Timeout      int        `json:"timeout"`
	UserCount    int        `json:"user_count"`
	MaxTasks     int        `json:"max_tasks,omitempty"`
	MaxActions   int        `json:"max_actions,omitempty"`
	Status       Status     `json:"status"`
	Stage        int        `json:"stage"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// TimeoutDuration returns the per-technique timeout.
func (j Job) TimeoutDuration() time.Duration {
	if j.Timeout <= 0 {
		return DefaultTimeout
	}
	return time.Duration(j.Timeout) * time.Second
}

// Request asks for a new job. TechniqueIDs takes precedence over ScenarioID.
type Request struct {
	UUID         string   `json:"uuid,omitempty"`
	TechniqueIDs []string `json:"technique_ids" validate:"omitempty,dive,required"`
	ScenarioID   string   `json:"scenario_id"`
	Timeout      int      `json:"timeout" validate:"gte=0,lte=86400"`
	UserCount    int      `json:"user_count" validate:"gte=0,lte=50"`
	MaxTasks     int      `json:"max_tasks" validate:"gte=0,lte=50"`
	MaxActions   int      `json:"max_actions" validate:"gte=0,lte=50"`
}

// Techniques resolves the ordered technique list of a request.
func (r Request) Techniques() ([]string, error) {
	if len(r.TechniqueIDs) > 0 {
		for _, id := range r.TechniqueIDs {
			if !slices.Contains(AWSAttackTechniques, id) {
				return nil, fmt.Errorf("%w: %s", ErrUnknownTechnique, id)
			}
		}
		return slices.Clone(r.TechniqueIDs), nil
	}
	if r.ScenarioID == "" {
		return nil, ErrNoTechniques
	}
	ids, ok := Scenarios[r.ScenarioID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownScenario, r.ScenarioID)
	}
	return slices.Clone(ids), nil
}

// AWSAttackTechniques is the catalog of Stratus Red Team techniques a job may
// request.
var AWSAttackTechniques = []string{
	"aws.credential-access.ec2-get-password-data",
	"aws.credential-access.ec2-steal-instance-credentials",
	"aws.credential-access.secretsmanager-batch-retrieve-secrets",
	"aws.credential-access.secretsmanager-retrieve-secrets",
	"aws.credential-access.ssm-retrieve-securestring-parameters",
	"aws.defense-evasion.cloudtrail-delete",
	"aws.defense-evasion.cloudtrail-event-selectors",
	"aws.defense-evasion.cloudtrail-lifecycle-rule",
	"aws.defense-evasion.cloudtrail-stop",
	"aws.defense-evasion.dns-delete-logs",
	"aws.defense-evasion.organizations-leave",
	"aws.defense-evasion.vpc-remove-flow-logs",
	"aws.discovery.ec2-enumerate-from-instance",
	"aws.discovery.ec2-download-user-data",
	"aws.execution.ec2-launch-unusual-instances",
	"aws.execution.ec2-user-data",
	"aws.execution.ssm-send-command",
	"aws.execution.ssm-start-session",
	"aws.exfiltration.ec2-security-group-open-port-22-ingress",
	"aws.exfiltration.ec2-share-ami",
	"aws.exfiltration.ec2-share-ebs-snapshot",
	"aws.exfiltration.rds-share-snapshot",
	"aws.exfiltration.s3-backdoor-bucket-policy",
	"aws.impact.s3-ransomware-batch-deletion",
	"aws.impact.s3-ransomware-client-side-encryption",
	"aws.impact.s3-ransomware-individual-deletion",
	"aws.initial-access.console-login-without-mfa",
	"aws.lateral-movement.ec2-instance-connect",
	"aws.persistence.iam-backdoor-role",
	"aws.persistence.iam-backdoor-user",
	"aws.persistence.iam-create-admin-user",
	"aws.persistence.iam-create-backdoor-role",
	"aws.persistence.iam-create-user-login-profile",
	"aws.persistence.lambda-backdoor-function",
	"aws.persistence.lambda-layer-extension",
	"aws.persistence.lambda-overwrite-code",
	"aws.persistence.rolesanywhere-create-trust-anchor",
}

// Scenarios maps a campaign id to techniques in kill-chain order.
//
// The stages are independent attacks placed in temporal order as a proxy for
// a multistage attack. They do not chain together by identity: each stage
// starts fresh agents with no knowledge of earlier stages.
var Scenarios = map[string][]string{
	"ec2-brute-force": {
		"aws.execution.ssm-start-session",
		"aws.credential-access.ec2-get-password-data",
		"aws.discovery.ec2-enumerate-from-instance",
		"aws.exfiltration.ec2-share-ami",
	},
}
