package credentials

import "context"

// Placeholder identities are used when no lab has been provisioned. The key
// ids follow the AWS documentation example format and grant no access.
var placeholderGroups = map[Group]Set{
	GroupCompromised: {
		"cg-attacker": {
			AccessKeyID:     "AKIAIOSFODNN7ATTACK",
			SecretAccessKey: "wJalrXUtnFEMI/K7MDENG/bPxRfiCYATTACKKEY",
		},
	},
	GroupNormal: {
		"cg-developer": {
			AccessKeyID:     "AKIAIOSFODNN7DEVELP",
			SecretAccessKey: "wJalrXUtnFEMI/K7MDENG/bPxRfiCYDEVELPKEY",
		},
		"cg-operator": {
			AccessKeyID:     "AKIAIOSFODNN7OPERAT",
			SecretAccessKey: "wJalrXUtnFEMI/K7MDENG/bPxRfiCYOPERATKEY",
		},
	},
}

// PlaceholderProvider serves a fixed set of non-functional identities.
type PlaceholderProvider struct{}

// NewPlaceholderProvider creates the last-resort provider.
func NewPlaceholderProvider() *PlaceholderProvider {
	return &PlaceholderProvider{}
}

// Name returns the provider name.
func (PlaceholderProvider) Name() string { return "placeholder" }

// List returns a copy of the placeholder group.
func (PlaceholderProvider) List(_ context.Context, group Group) (Set, error) {
	src := placeholderGroups[group]
	out := make(Set, len(src))
	for name, c := range src {
		c.Name = name
		c.Compromised = group == GroupCompromised
		out[name] = c
	}
	return out, nil
}

// Put is not supported.
func (PlaceholderProvider) Put(context.Context, Group, Credential) error { return ErrNotSupported }

// Close is a no-op.
func (PlaceholderProvider) Close() error { return nil }

// HealthCheck always succeeds.
func (PlaceholderProvider) HealthCheck(context.Context) error { return nil }
