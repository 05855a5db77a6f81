package agent

import (
	"encoding/json"
	"fmt"
)

type policyDocument struct {
	Statement []struct {
		Action json.RawMessage `json:"Action"`
	} `json:"Statement"`
}

// PolicyActions returns the actions of the first statement of an IAM policy.
// Action may be a single string or a list.
func PolicyActions(policy json.RawMessage) ([]string, error) {
	if len(policy) == 0 {
		return nil, nil
	}
	var doc policyDocument
	if err := json.Unmarshal(policy, &doc); err != nil {
		return nil, fmt.Errorf("agent: invalid IAM policy: %w", err)
	}
	if len(doc.Statement) == 0 || len(doc.Statement[0].Action) == 0 {
		return nil, nil
	}

	var list []string
	if err := json.Unmarshal(doc.Statement[0].Action, &list); err == nil {
		return list, nil
	}
	var single string
	if err := json.Unmarshal(doc.Statement[0].Action, &single); err != nil {
		return nil, fmt.Errorf("agent: invalid policy action: %w", err)
	}
	return []string{single}, nil
}
