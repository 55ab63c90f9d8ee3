// Copyright 2025 The Stoke Authors
// SPDX-License-Identifier: MIT

package recipe

import (
	"github.com/stokebuild/stoke/internal/platform"
)

// ApplyOverrides resolves the recipe's conditional input blocks
// against the given platform tag
// and returns a new recipe with no override blocks remaining.
// Unconditional inputs are always included;
// a matching block's inputs replace same-named inputs
// and are otherwise appended in declaration order,
// and its environment entries overwrite the base environment.
// The receiver is not modified.
//
// ApplyOverrides is deterministic:
// the same recipe and platform always produce the same resolved recipe,
// which is what makes hashing resolved recipes reproducible.
func (r *Recipe) ApplyOverrides(target platform.Platform) *Recipe {
	resolved := r.clone()
	resolved.Overrides = nil
	if len(r.Overrides) == 0 {
		return resolved
	}

	index := make(map[string]int, len(resolved.Inputs))
	for i, in := range resolved.Inputs {
		index[in.Name] = i
	}
	for _, o := range r.Overrides {
		if !target.Match(o.Platform) {
			continue
		}
		for _, in := range o.Inputs {
			if i, ok := index[in.Name]; ok {
				resolved.Inputs[i] = in
			} else {
				index[in.Name] = len(resolved.Inputs)
				resolved.Inputs = append(resolved.Inputs, in)
			}
		}
		if len(o.Env) > 0 && resolved.Env == nil {
			resolved.Env = make(map[string]string, len(o.Env))
		}
		for k, v := range o.Env {
			resolved.Env[k] = v
		}
	}
	return resolved
}
