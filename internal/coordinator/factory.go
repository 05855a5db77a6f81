package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"detection-lab/internal/agent"
	"detection-lab/internal/credentials"
	"detection-lab/internal/executor"
	"detection-lab/internal/generator"
)

// Profile is a normal lab user: a persona and the IAM policy bounding it.
type Profile struct {
	Name    string          `json:"name"`
	Persona string          `json:"persona"`
	Policy  json.RawMessage `json:"policy"`
}

// LoadProfiles reads a JSON array of profiles. A missing file yields no
// profiles.
func LoadProfiles(path string) ([]Profile, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("coordinator: failed to read profiles: %w", err)
	}
	var profiles []Profile
	if err := json.Unmarshal(data, &profiles); err != nil {
		return nil, fmt.Errorf("coordinator: failed to parse profiles %s: %w", path, err)
	}
	return profiles, nil
}

// CredentialSource resolves lab identities.
type CredentialSource interface {
	First(ctx context.Context, compromised bool) (credentials.Credential, error)
	Resolve(ctx context.Context, name string, compromised bool) (credentials.Credential, error)
}

// LabFactory builds real agents for a stage: one noisy agent on a normal
// identity, one malicious agent on a compromised identity, and one normal
// agent per extra user.
type LabFactory struct {
	Generator   generator.Generator
	Describer   agent.TechniqueDescriber
	Credentials CredentialSource
	Executor    executor.Executor
	Emitter     agent.Emitter
	Recorder    agent.Recorder
	Profiles    []Profile

	// Detonation optionally adds a participant that executes the technique
	// itself with the attacker's credential.
	Detonation func(techniqueID string, attacker credentials.Credential) Runner

	AgentOptions []agent.Option
	Logger       *slog.Logger
}

// Agents implements AgentFactory.
func (f *LabFactory) Agents(ctx context.Context, stage Stage) ([]Runner, error) {
	normal, err := f.Credentials.First(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("coordinator: no normal identity: %w", err)
	}
	attacker, err := f.Credentials.First(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("coordinator: no compromised identity: %w", err)
	}

	runners := []Runner{
		f.newAgent(stage, normal, "", stage.MaxTasks, stage.MaxActions,
			agent.NewNoisy(f.Generator, f.Describer, stage.TechniqueID, stage.MaxTasks, stage.MaxActions)),
		f.newAgent(stage, attacker, "", DefaultMaliciousMaxTasks, DefaultMaliciousMaxActions,
			agent.NewMalicious(f.Generator, f.Describer, stage.TechniqueID, DefaultMaliciousMaxTasks, DefaultMaliciousMaxActions)),
	}

	for i := 0; i < stage.UserCount-2 && len(f.Profiles) > 0; i++ {
		profile := f.Profiles[i%len(f.Profiles)]
		cred, err := f.Credentials.Resolve(ctx, profile.Name, false)
		if err != nil {
			cred = normal
		}
		strategy, err := agent.NewNormal(f.Generator, profile.Persona, profile.Policy, stage.MaxTasks, stage.MaxActions)
		if err != nil {
			return nil, fmt.Errorf("coordinator: invalid profile %s: %w", profile.Name, err)
		}
		runners = append(runners, f.newAgent(stage, cred, string(profile.Policy), stage.MaxTasks, stage.MaxActions, strategy))
	}

	if f.Detonation != nil {
		if r := f.Detonation(stage.TechniqueID, attacker); r != nil {
			runners = append(runners, r)
		}
	}
	return runners, nil
}

func (f *LabFactory) newAgent(stage Stage, cred credentials.Credential, permissions string, maxTasks, maxActions int, strategy agent.Strategy) *agent.Agent {
	opts := []agent.Option{}
	if f.Logger != nil {
		opts = append(opts, agent.WithLogger(f.Logger))
	}
	if f.Recorder != nil {
		opts = append(opts, agent.WithRecorder(f.Recorder))
	}
	opts = append(opts, f.AgentOptions...)
	return agent.New(agent.Config{
		JobID:       stage.JobID,
		Name:        cred.Name,
		Credential:  cred,
		Compromised: cred.Compromised,
		Permissions: permissions,
		MaxTasks:    maxTasks,
		MaxActions:  maxActions,
	}, strategy, f.Executor, f.Emitter, opts...)
}
