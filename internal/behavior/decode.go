package behavior

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

var (
	// ErrEmptyObjective is returned when a generated objective has no usable tasks.
	ErrEmptyObjective = errors.New("behavior: objective has no tasks")

	// ErrMalformed is returned when the generator output is not an objective.
	ErrMalformed = errors.New("behavior: malformed generator output")
)

// wrapperKeys are envelope keys the generator sometimes nests objectives under.
// Plural keys are unwrapped first, then singular ones.
var wrapperKeys = [][]string{
	{"Objectives", "objectives"},
	{"Objective", "objective"},
}

// Limits bounds an objective and optionally constrains action names.
type Limits struct {
	MaxTasks   int
	MaxActions int
	// Allowed is the set of API names actions may use. Empty means any.
	Allowed []string
}

// DecodeObjective parses raw generator output into an Objective. It tolerates
// the known envelope keys, truncates tasks and actions to the limits, and
// turns actions outside the allow-list into flavor actions.
func DecodeObjective(raw []byte, limits Limits) (Objective, error) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return Objective{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	generic = unwrap(generic)

	body, err := json.Marshal(generic)
	if err != nil {
		return Objective{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var obj Objective
	if err := json.Unmarshal(body, &obj); err != nil {
		return Objective{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	obj = limits.Apply(obj)
	if len(obj.Tasks) == 0 {
		return Objective{}, ErrEmptyObjective
	}
	if err := Validate(obj); err != nil {
		return Objective{}, err
	}
	return obj, nil
}

func unwrap(v any) any {
	for _, keys := range wrapperKeys {
		m, ok := v.(map[string]any)
		if !ok {
			break
		}
		for _, k := range keys {
			if inner, ok := m[k]; ok {
				v = inner
				break
			}
		}
	}
	// A list of objectives: take the first.
	if list, ok := v.([]any); ok && len(list) > 0 {
		return list[0]
	}
	return v
}

// Apply truncates the objective to the limits and filters action names.
func (l Limits) Apply(obj Objective) Objective {
	maxTasks := l.MaxTasks
	if maxTasks <= 0 {
		maxTasks = DefaultMaxTasks
	}
	maxActions := l.MaxActions
	if maxActions <= 0 {
		maxActions = DefaultMaxActions
	}

	if len(obj.Tasks) > maxTasks {
		obj.Tasks = obj.Tasks[:maxTasks]
	}
	for i := range obj.Tasks {
		t := &obj.Tasks[i]
		if len(t.Actions) > maxActions {
			t.Actions = t.Actions[:maxActions]
		}
		for j := range t.Actions {
			a := &t.Actions[j]
			if a.IsFlavor() {
				a.Name = nil
				continue
			}
			if len(l.Allowed) > 0 && !slices.Contains(l.Allowed, *a.Name) {
				a.Name = nil
			}
		}
	}
	return obj
}
