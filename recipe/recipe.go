// Copyright 2025 The Stoke Authors
// SPDX-License-Identifier: MIT

// Package recipe defines the declarative build recipe model:
// the document format recipes are written in,
// platform-conditional override resolution,
// and resolution of recipe sets into content-addressed derivation graphs.
package recipe

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	jsonv2 "github.com/go-json-experiment/json"
	"github.com/tailscale/hujson"
	"zombiezen.com/go/nix"
)

// BuiltinFetch is the builder name that realizes a recipe's source
// by fetching it instead of running a program.
const BuiltinFetch = "builtin:fetch"

// A Recipe is a single, specific, constant build action.
// Recipes are immutable once they have been resolved and hashed.
type Recipe struct {
	// Name is the human-readable name of the recipe.
	Name string `json:"name"`
	// Version is the recipe's version, a semantic version string.
	Version string `json:"version"`

	// Inputs is the ordered list of the recipe's named inputs.
	Inputs []Input `json:"inputs,omitempty"`
	// Builder is the program that realizes the recipe,
	// or [BuiltinFetch] for source recipes.
	Builder string `json:"builder,omitempty"`
	// Args is the list of arguments that should be passed to the builder program.
	Args []string `json:"args,omitempty"`
	// Env is the set of environment variables
	// that should be passed to the builder program.
	Env map[string]string `json:"env,omitempty"`

	// Source describes the origin of a fetched recipe.
	// It must be set if and only if Builder is [BuiltinFetch].
	Source *Source `json:"source,omitempty"`

	// Exports is the set of environment variables the recipe contributes
	// to composed environments.
	Exports map[string]string `json:"exports,omitempty"`

	// Overrides is the list of platform-conditional blocks
	// applied before hashing.
	Overrides []Override `json:"overrides,omitempty"`
}

// An Input is a named input of a recipe:
// either a literal value
// or a reference to another recipe's output.
// Exactly one of Literal or Ref must be set
// (an input with an empty literal uses Literal: "").
type Input struct {
	Name    string `json:"name"`
	Literal string `json:"literal,omitempty"`
	Ref     string `json:"ref,omitempty"`
}

// IsRef reports whether the input references another recipe.
func (in Input) IsRef() bool {
	return in.Ref != ""
}

// A Source is a reference to fetchable content:
// an origin URL, an optional revision identifier,
// and the expected integrity hash of the content.
type Source struct {
	URL      string   `json:"url"`
	Revision string   `json:"revision,omitempty"`
	Hash     nix.Hash `json:"hash"`
}

// An Override is a conditional input block guarded by a platform pattern
// (see [platform.Platform.Match]).
// If the guard matches the target platform,
// the block's inputs and environment are merged into the recipe.
type Override struct {
	Platform string            `json:"platform"`
	Inputs   []Input           `json:"inputs,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
}

// A Document is a parsed recipe document:
// an ordered list of recipes with unique names.
type Document struct {
	Recipes []*Recipe `json:"recipes"`
}

// ParseDocument parses a recipe document.
// Documents are written in HuJSON (JSON With Commas and Comments);
// see https://github.com/tailscale/hujson.
func ParseDocument(data []byte) (*Document, error) {
	jsonData, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("parse recipe document: %v", err)
	}
	doc := new(Document)
	if err := jsonv2.Unmarshal(jsonData, doc, jsonv2.RejectUnknownMembers(true)); err != nil {
		return nil, fmt.Errorf("parse recipe document: %v", err)
	}
	seen := make(map[string]struct{})
	for _, r := range doc.Recipes {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("parse recipe document: %v", err)
		}
		if _, dup := seen[r.Name]; dup {
			return nil, fmt.Errorf("parse recipe document: multiple recipes named %q", r.Name)
		}
		seen[r.Name] = struct{}{}
	}
	return doc, nil
}

// MarshalText serializes the document as standard JSON.
// Parsing the result with [ParseDocument] yields an identical document.
func (doc *Document) MarshalText() ([]byte, error) {
	// Marshal through an alias type:
	// marshalling *Document itself would invoke this method again.
	type plainDocument Document
	return jsonv2.Marshal((*plainDocument)(doc), jsonv2.Deterministic(true))
}

// Recipe returns the recipe with the given name, if present.
func (doc *Document) Recipe(name string) *Recipe {
	for _, r := range doc.Recipes {
		if r.Name == name {
			return r
		}
	}
	return nil
}

// ID returns the recipe's identifier: its name and version joined by a dash.
func (r *Recipe) ID() string {
	if r.Version == "" {
		return r.Name
	}
	return r.Name + "-" + r.Version
}

// Validate checks the structural invariants of a recipe.
func (r *Recipe) Validate() error {
	if !IsValidName(r.Name) {
		return fmt.Errorf("validate recipe: invalid name %q", r.Name)
	}
	if r.Version != "" {
		if _, err := semver.NewVersion(r.Version); err != nil {
			return fmt.Errorf("validate recipe %s: version %q: %v", r.Name, r.Version, err)
		}
	}
	switch {
	case r.Builder == BuiltinFetch:
		if r.Source == nil {
			return fmt.Errorf("validate recipe %s: %s builder requires a source", r.Name, BuiltinFetch)
		}
		if r.Source.URL == "" {
			return fmt.Errorf("validate recipe %s: source is missing a url", r.Name)
		}
		if r.Source.Hash.IsZero() {
			return fmt.Errorf("validate recipe %s: source is missing an integrity hash", r.Name)
		}
	case strings.HasPrefix(r.Builder, "builtin:"):
		return fmt.Errorf("validate recipe %s: builtin %q not found", r.Name, r.Builder)
	case r.Builder == "":
		return fmt.Errorf("validate recipe %s: missing builder", r.Name)
	default:
		if r.Source != nil {
			return fmt.Errorf("validate recipe %s: source requires the %s builder", r.Name, BuiltinFetch)
		}
	}
	if err := validateInputs(r.Name, r.Inputs); err != nil {
		return err
	}
	for _, o := range r.Overrides {
		if o.Platform == "" {
			return fmt.Errorf("validate recipe %s: override is missing a platform pattern", r.Name)
		}
		if err := validateInputs(r.Name, o.Inputs); err != nil {
			return err
		}
	}
	for k := range r.Exports {
		if k == "PATH" {
			return fmt.Errorf("validate recipe %s: PATH may not be exported directly", r.Name)
		}
	}
	return nil
}

func validateInputs(recipeName string, inputs []Input) error {
	seen := make(map[string]struct{})
	for _, in := range inputs {
		if in.Name == "" {
			return fmt.Errorf("validate recipe %s: input with empty name", recipeName)
		}
		if in.Ref != "" && in.Literal != "" {
			return fmt.Errorf("validate recipe %s: input %s: literal and ref are mutually exclusive", recipeName, in.Name)
		}
		if _, dup := seen[in.Name]; dup {
			return fmt.Errorf("validate recipe %s: multiple inputs named %q", recipeName, in.Name)
		}
		seen[in.Name] = struct{}{}
	}
	return nil
}

// IsValidName reports whether the given string is valid as a recipe name.
func IsValidName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	for i := 0; i < len(name); i++ {
		if !isNameChar(name[i]) {
			return false
		}
	}
	return true
}

func isNameChar(c byte) bool {
	return 'a' <= c && c <= 'z' ||
		'A' <= c && c <= 'Z' ||
		'0' <= c && c <= '9' ||
		c == '+' || c == '-' || c == '.' || c == '_'
}

// clone returns a deep copy of the recipe.
func (r *Recipe) clone() *Recipe {
	r2 := new(Recipe)
	*r2 = *r
	r2.Inputs = append([]Input(nil), r.Inputs...)
	r2.Args = append([]string(nil), r.Args...)
	r2.Env = cloneMap(r.Env)
	r2.Exports = cloneMap(r.Exports)
	if r.Source != nil {
		src := *r.Source
		r2.Source = &src
	}
	r2.Overrides = append([]Override(nil), r.Overrides...)
	return r2
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	m2 := make(map[string]string, len(m))
	for k, v := range m {
		m2[k] = v
	}
	return m2
}
