package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// FileProvider reads the credentials.json written by the lab's Terraform
// outputs. The document maps group to identity name to key pair.
type FileProvider struct {
	path string
}

// NewFileProvider creates a provider over a credentials.json path.
func NewFileProvider(path string) *FileProvider {
	return &FileProvider{path: path}
}

// Name returns the provider name.
func (f *FileProvider) Name() string {
	return "file"
}

// Path returns the backing file.
func (f *FileProvider) Path() string {
	return f.path
}

// List reads the file on every call so a fresh apply is picked up.
func (f *FileProvider) List(ctx context.Context, group Group) (Set, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	groups, err := f.ReadAll()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Set{}, nil
		}
		return nil, err
	}
	set, ok := groups[group]
	if !ok {
		return Set{}, nil
	}
	return set, nil
}

// ReadAll parses every group in the file.
func (f *FileProvider) ReadAll() (map[Group]Set, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("credentials: failed to read %s: %w", f.path, err)
	}
	var groups map[Group]Set
	if err := json.Unmarshal(data, &groups); err != nil {
		return nil, fmt.Errorf("credentials: failed to parse %s: %w", f.path, err)
	}
	for group, set := range groups {
		for name, c := range set {
			c.Name = name
			c.Compromised = group == GroupCompromised
			set[name] = c
		}
	}
	return groups, nil
}

// Put is not supported; the file is owned by Terraform.
func (f *FileProvider) Put(context.Context, Group, Credential) error {
	return ErrNotSupported
}

// Close is a no-op.
func (f *FileProvider) Close() error {
	return nil
}

// HealthCheck verifies the file is readable when it exists.
func (f *FileProvider) HealthCheck(context.Context) error {
	_, err := os.Stat(f.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
