package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"detection-lab/internal/behavior"
	"detection-lab/internal/generator"
)

// Kind names an agent variant.
type Kind string

const (
	KindNormal    Kind = "normal"
	KindNoisy     Kind = "noisy"
	KindMalicious Kind = "malicious"
)

// Strategy holds the variant-specific behavior of an agent.
type Strategy interface {
	Kind() Kind
	Background(ctx context.Context) (behavior.Background, error)
	Objective(ctx context.Context, bg behavior.Background, history []string) (behavior.Objective, error)
	// AllowedActions is the API allow-list. Empty means unconstrained.
	AllowedActions() []string
}

// TechniqueDescriber returns the description of an attack technique.
type TechniqueDescriber interface {
	Show(ctx context.Context, techniqueID string) (string, error)
}

const plannerSystemContext = "You are an expert in predicting what users in an organization might do. " +
	"You are also an expert at breaking down objectives into smaller tasks. " +
	"You are creative and like to think outside the box."

const attackerPlannerSystemContext = "You are an expert in predicting what a motivated cyber threat actor might do. " +
	"You are also an expert at breaking down objectives into smaller tasks. " +
	"You are creative and like to think outside the box."

// planner requests objectives for every variant.
type planner struct {
	gen    generator.Generator
	limits behavior.Limits
}

func (p planner) objective(ctx context.Context, system, prompt string) (behavior.Objective, error) {
	schema, err := behavior.ObjectiveSchema(p.limits.Allowed)
	if err != nil {
		return behavior.Objective{}, err
	}
	resp, err := p.gen.Generate(ctx, generator.Request{
		Prompt:        prompt,
		SystemContext: system,
		Schema:        &schema,
		Temperature:   1,
		Shape:         generator.ShapeStructured,
	})
	if err != nil {
		return behavior.Objective{}, err
	}
	return behavior.DecodeObjective([]byte(resp.Text()), p.limits)
}

func (p planner) text(ctx context.Context, system, prompt string) (string, error) {
	resp, err := p.gen.Generate(ctx, generator.Request{
		Prompt:        prompt,
		SystemContext: system,
		Temperature:   1,
		Shape:         generator.ShapeText,
	})
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", generator.ErrNoChoices
	}
	return text, nil
}

func (p planner) footer() string {
	return fmt.Sprintf("Each objective should have no more than %d tasks.\n"+
		"Each task should have no more than %d actions.\n"+
		"Please be realistic and detailed when describing the objective and tasks.",
		p.limits.MaxTasks, p.limits.MaxActions)
}

func formatHistory(history []string) string {
	if len(history) == 0 {
		return "[]"
	}
	data, _ := json.Marshal(history)
	return string(data)
}

// Normal is a benign employee whose actions are bounded by an IAM policy.
type Normal struct {
	planner
	persona string
	policy  json.RawMessage
}

// NewNormal creates the normal strategy. The allow-list is taken from the
// policy's first statement.
func NewNormal(gen generator.Generator, persona string, policy json.RawMessage, maxTasks, maxActions int) (*Normal, error) {
	allowed, err := PolicyActions(policy)
	if err != nil {
		return nil, err
	}
	return &Normal{
		planner: planner{gen: gen, limits: behavior.Limits{MaxTasks: maxTasks, MaxActions: maxActions, Allowed: allowed}},
		persona: persona,
		policy:  policy,
	}, nil
}

func (n *Normal) Kind() Kind               { return KindNormal }
func (n *Normal) AllowedActions() []string { return n.limits.Allowed }

// Background returns the persona unchanged.
func (n *Normal) Background(context.Context) (behavior.Background, error) {
	return behavior.Background{Description: n.persona}, nil
}

func (n *Normal) Objective(ctx context.Context, bg behavior.Background, history []string) (behavior.Objective, error) {
	prompt := fmt.Sprintf("Your task is to predict what a user with the following background might realistically do:\n\n"+
		"Background:\n%s\n\nThe user has completed the following objectives:\n%s\n\n"+
		"You must select from a list of actions that the user can perform, given their IAM policy:\n```\n%s\n```\n\n"+
		"Describe an Objective with its constituent Tasks and Actions.\n%s",
		bg, formatHistory(history), n.policy, n.footer())
	return n.objective(ctx, plannerSystemContext, prompt)
}

// Noisy is a false-positive generator: an engineer using the same tools as
// an attack technique for legitimate work.
type Noisy struct {
	planner
	techniqueID string
	describer   TechniqueDescriber
}

// NewNoisy creates the noisy strategy for a technique.
func NewNoisy(gen generator.Generator, describer TechniqueDescriber, techniqueID string, maxTasks, maxActions int) *Noisy {
	return &Noisy{
		planner:     planner{gen: gen, limits: behavior.Limits{MaxTasks: maxTasks, MaxActions: maxActions}},
		techniqueID: techniqueID,
		describer:   describer,
	}
}

func (n *Noisy) Kind() Kind               { return KindNoisy }
func (n *Noisy) AllowedActions() []string { return n.limits.Allowed }

// Background rewrites the attack description into a benign persona.
func (n *Noisy) Background(ctx context.Context) (behavior.Background, error) {
	description, err := n.describer.Show(ctx, n.techniqueID)
	if err != nil {
		return behavior.Background{}, fmt.Errorf("agent: failed to describe %s: %w", n.techniqueID, err)
	}
	text, err := n.text(ctx,
		"You are an expert in reverse engineering Cloud cyber attacks. "+
			"You are an expert in Cloud activities that produce false positives in a SIEM. "+
			"You always mention at least one specific AWS API call in every write-up.",
		fmt.Sprintf("Your task is to rewrite this attack description:\n```%s```\n"+
			"Into a description of a software engineer or DevOps engineer (pick one).\n"+
			"Use the same tools and techniques as described in the attack but in a non-malicious way.", description))
	if err != nil {
		return behavior.Background{}, err
	}
	n.limits.Allowed = behavior.ExtractAPINames(text)
	return behavior.Background{Description: text}, nil
}

func (n *Noisy) Objective(ctx context.Context, bg behavior.Background, history []string) (behavior.Objective, error) {
	prompt := fmt.Sprintf("Your task is to predict what a user with the following background might realistically do:\n\n"+
		"Background:\n%s\n\nThe user has completed the following objectives:\n%s\n\n"+
		"You must select one AWS API call explicitly mentioned in the \"Background\".\n\n"+
		"Describe an Objective with its constituent Tasks and Actions.\n%s",
		bg, formatHistory(history), n.footer())
	return n.objective(ctx, plannerSystemContext, prompt)
}

// Malicious is the attacker. Its actions are limited to the API calls named
// in the technique description and the derived motive.
type Malicious struct {
	planner
	techniqueID string
	describer   TechniqueDescriber
}

// NewMalicious creates the attacker strategy for a technique.
func NewMalicious(gen generator.Generator, describer TechniqueDescriber, techniqueID string, maxTasks, maxActions int) *Malicious {
	return &Malicious{
		planner:     planner{gen: gen, limits: behavior.Limits{MaxTasks: maxTasks, MaxActions: maxActions}},
		techniqueID: techniqueID,
		describer:   describer,
	}
}

func (m *Malicious) Kind() Kind               { return KindMalicious }
func (m *Malicious) AllowedActions() []string { return m.limits.Allowed }

// Background derives an attacker motive aligned with the technique.
func (m *Malicious) Background(ctx context.Context) (behavior.Background, error) {
	description, err := m.describer.Show(ctx, m.techniqueID)
	if err != nil {
		return behavior.Background{}, fmt.Errorf("agent: failed to describe %s: %w", m.techniqueID, err)
	}
	text, err := m.text(ctx,
		"You are an expert Cloud cybersecurity professional. You are an expert red teamer. "+
			"You always mention at least one specific AWS API call in every write-up.",
		fmt.Sprintf("Your task is to create an attacker motive that aligns with this attack description:\n```%s```\n"+
			"The motive can be financial (extortion, ransomops, cryptohacking, etc.), state-sponsored, or hacktivist.\n"+
			"Refer to specific advanced persistent threat (APT) actors aligned with the tactics, techniques, and procedures in the attack description.",
			description))
	if err != nil {
		return behavior.Background{}, err
	}
	m.limits.Allowed = mergeNames(behavior.ExtractAPINames(description), behavior.ExtractAPINames(text))
	return behavior.Background{Description: text}, nil
}

func (m *Malicious) Objective(ctx context.Context, bg behavior.Background, history []string) (behavior.Objective, error) {
	prompt := fmt.Sprintf("Describe one Objective with its constituent Tasks and Actions.\n\n"+
		"Your goal is to predict what a malicious user with the following background might realistically do:\n```\n"+
		"Background:\n%s\n\nThe user has completed the following objectives:\n%s\n```\n\n"+
		"You must select one AWS API call explicitly mentioned in the \"Background\".\n%s",
		bg, formatHistory(history), m.footer())
	return m.objective(ctx, attackerPlannerSystemContext, prompt)
}

func mergeNames(lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range lists {
		for _, name := range list {
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	return out
}
