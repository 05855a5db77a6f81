// Package behavior defines the persona, objective, task and action model that
// drives simulated lab identities, along with the contract used to request
// those structures from the content generator.
package behavior

import (
	"encoding/json"
	"time"
)

// EventTimeFormat is the CloudTrail eventTime layout.
const EventTimeFormat = "2006-01-02T15:04:05Z"

// Default generation bounds.
const (
	DefaultMaxTasks   = 10
	DefaultMaxActions = 10
)

// Background is the persona that drives an agent. It is set once when the
// agent starts and never changes afterwards.
type Background struct {
	JobTitle    string `json:"job_title"`
	Description string `json:"description" validate:"required"`
}

// String renders the background the way it is fed back into prompts.
func (b Background) String() string {
	if b.JobTitle == "" {
		return b.Description
	}
	return b.JobTitle + ": " + b.Description
}

// Action is a single step an agent performs. A nil Name is a flavor action
// with no API side effect.
type Action struct {
	Name        *string `json:"name"`
	Description string  `json:"description" validate:"required"`
	Duration    float64 `json:"duration" validate:"gte=0"`
}

// APIName returns the action name or "" for flavor actions.
func (a Action) APIName() string {
	if a.Name == nil {
		return ""
	}
	return *a.Name
}

// IsFlavor reports whether the action has no API side effect.
func (a Action) IsFlavor() bool {
	return a.Name == nil || *a.Name == "" || *a.Name == "None"
}

// Task is an ordered list of actions. It completes once every action has been
// executed or skipped.
type Task struct {
	Name        string   `json:"name" validate:"required"`
	Description string   `json:"description"`
	Actions     []Action `json:"actions" validate:"dive"`
}

// Objective is an ordered list of tasks.
type Objective struct {
	Name        string `json:"name" validate:"required"`
	Description string `json:"description"`
	Tasks       []Task `json:"tasks" validate:"dive"`
}

// Summary is the history line recorded after the objective completes.
func (o Objective) Summary() string {
	return o.Name + ": " + o.Description
}

// Tag classifies a ThoughtLog entry.
type Tag string

const (
	TagBackground Tag = "background"
	TagObjective  Tag = "objective"
	TagLog        Tag = "log"
)

// ThoughtLog is one entry of a job's append-only event stream.
type ThoughtLog struct {
	UUID          string          `json:"uuid"`
	UserName      string          `json:"user_name"`
	Thought       json.RawMessage `json:"thought"`
	Tag           Tag             `json:"tag"`
	IsCompromised bool            `json:"is_compromised"`
	Time          string          `json:"time"`
}

// NewThoughtLog builds an entry stamped with the current UTC time. Thought is
// marshalled to JSON; values that fail to marshal are stored as a JSON string.
func NewThoughtLog(jobID, user string, tag Tag, compromised bool, thought any) ThoughtLog {
	raw, err := json.Marshal(thought)
	if err != nil {
		raw, _ = json.Marshal(err.Error())
	}
	return ThoughtLog{
		UUID:          jobID,
		UserName:      user,
		Thought:       raw,
		Tag:           tag,
		IsCompromised: compromised,
		Time:          time.Now().UTC().Format(EventTimeFormat),
	}
}

// ActivityRecord is a CloudTrail-style record produced by a side-effect call
// or synthesized by the content generator.
type ActivityRecord map[string]any

// AccessKeyID returns userIdentity.accessKeyId when present.
func (r ActivityRecord) AccessKeyID() string {
	if ui, ok := r["userIdentity"].(map[string]any); ok {
		if v, ok := ui["accessKeyId"].(string); ok {
			return v
		}
	}
	if v, ok := r["accessKeyId"].(string); ok {
		return v
	}
	return ""
}

// EventName returns the record's eventName.
func (r ActivityRecord) EventName() string {
	v, _ := r["eventName"].(string)
	return v
}
