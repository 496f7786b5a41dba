package policy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// ParsePolicy decodes a single YAML or JSON policy document.
func ParsePolicy(data []byte) (Policy, error) {
	var p Policy
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return Policy{}, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	return p, nil
}

// ParsePolicies decodes every document of a multi-document YAML stream.
func ParsePolicies(r io.Reader) ([]Policy, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var out []Policy
	for {
		var p Policy
		err := dec.Decode(&p)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: document %d: %v", ErrInvalidPolicy, len(out)+1, err)
		}
		out = append(out, p)
	}
}

// LoadFile parses path and loads every policy in it. Nothing is loaded
// unless all documents parse and validate.
func (e *Engine) LoadFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	docs, err := ParsePolicies(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	for _, p := range docs {
		if _, err := compile(p); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	ids := make([]string, 0, len(docs))
	for _, p := range docs {
		if err := e.LoadPolicy(p); err != nil {
			return nil, err
		}
		ids = append(ids, p.ID)
	}
	return ids, nil
}

// ParseContext decodes a YAML or JSON evaluation context.
func ParseContext(data []byte) (Context, error) {
	var c Context
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Context{}, fmt.Errorf("policy: context: %w", err)
	}
	return c, nil
}
