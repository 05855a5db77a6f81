package behavior

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Schema names understood by the content generator.
const (
	SchemaObjective          = "objective"
	SchemaRecords            = "records"
	SchemaServiceMethod      = "service_method"
	SchemaCallerIdentity     = "caller_identity"
	SchemaRuleRecommendation = "rule_recommendation"
	SchemaInvestigation      = "investigation_queries"
)

// SchemaVersion is the version of the bundled schema descriptions.
const SchemaVersion = "v1"

// Schema is a versioned, language-neutral description of a structured
// response.
type Schema struct {
	Name    string
	Version string
	Body    json.RawMessage
}

// LoadSchema returns the bundled schema with the given name.
func LoadSchema(name string) (Schema, error) {
	data, err := schemaFS.ReadFile("schemas/" + name + "." + SchemaVersion + ".json")
	if err != nil {
		return Schema{}, fmt.Errorf("behavior: unknown schema %q: %w", name, err)
	}
	return Schema{Name: name, Version: SchemaVersion, Body: data}, nil
}

// ObjectiveSchema returns the objective schema with action names constrained
// to allowed. Flavor actions (null) remain valid.
func ObjectiveSchema(allowed []string) (Schema, error) {
	s, err := LoadSchema(SchemaObjective)
	if err != nil || len(allowed) == 0 {
		return s, err
	}

	var doc map[string]any
	if err := json.Unmarshal(s.Body, &doc); err != nil {
		return Schema{}, fmt.Errorf("behavior: bad objective schema: %w", err)
	}

	enum := make([]any, 0, len(allowed)+1)
	for _, a := range allowed {
		enum = append(enum, a)
	}
	enum = append(enum, nil)

	name, ok := lookup(doc, "properties", "tasks", "items", "properties", "actions", "items", "properties", "name")
	if !ok {
		return Schema{}, fmt.Errorf("behavior: objective schema missing action name")
	}
	name["enum"] = enum

	body, err := json.Marshal(doc)
	if err != nil {
		return Schema{}, err
	}
	s.Body = body
	return s, nil
}

// ErrSchemaViolation is returned when a document does not conform to a schema.
var ErrSchemaViolation = errors.New("behavior: document violates schema")

// compiled caches compiled schemas by name, version and body.
var compiled sync.Map

type compiledSchema struct {
	schema *jsonschema.Schema
	title  string
}

func (s Schema) compile() (*compiledSchema, error) {
	key := s.Name + "/" + s.Version + "/" + string(s.Body)
	if c, ok := compiled.Load(key); ok {
		return c.(*compiledSchema), nil
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(s.Body))
	if err != nil {
		return nil, fmt.Errorf("behavior: bad %s schema: %w", s.Name, err)
	}
	url := "https://detection-lab.invalid/schemas/" + s.Name + "." + s.Version + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("behavior: bad %s schema: %w", s.Name, err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("behavior: failed to compile %s schema: %w", s.Name, err)
	}

	out := &compiledSchema{schema: sch}
	if m, ok := doc.(map[string]any); ok {
		out.title, _ = m["title"].(string)
	}
	actual, _ := compiled.LoadOrStore(key, out)
	return actual.(*compiledSchema), nil
}

// Validate checks data against the schema. Envelopes the decoders accept
// are unwrapped first: the objective wrapper keys for objectives and the
// schema title for everything else.
func (s Schema) Validate(data []byte) error {
	c, err := s.compile()
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSchemaViolation, s.Name, err)
	}

	if s.Name == SchemaObjective {
		inst = unwrap(inst)
	} else if m, ok := inst.(map[string]any); ok && c.title != "" {
		if inner, ok := m[c.title]; ok && len(m) == 1 {
			inst = inner
		}
	}
	if err := c.schema.Validate(inst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSchemaViolation, s.Name, err)
	}
	return nil
}

func lookup(doc map[string]any, path ...string) (map[string]any, bool) {
	cur := doc
	for _, p := range path {
		next, ok := cur[p].(map[string]any)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

var apiMentionPattern = regexp.MustCompile(`\b([a-z0-9-]+):([A-Z][A-Za-z0-9]+)\b`)

// ExtractAPINames returns the distinct "service:Method" names mentioned in
// text, in order of first appearance.
func ExtractAPINames(text string) []string {
	var names []string
	for _, m := range apiMentionPattern.FindAllString(text, -1) {
		if !slices.Contains(names, m) {
			names = append(names, m)
		}
	}
	return names
}
