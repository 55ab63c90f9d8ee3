// Copyright 2025 The Stoke Authors
// SPDX-License-Identifier: MIT

// Package environ composes process environments from realized store entries.
//
// Composition is a pure function:
// the package never reads or mutates the process's own environment.
// Applying a composed environment (spawning a subprocess, printing
// export lines) is the caller's explicit side effect.
package environ

import (
	"maps"
	"path/filepath"
	"slices"
	"strings"
)

// An Entry is a realized store entry contributing to an environment.
type Entry struct {
	// Name is the contributing recipe's name, used in diagnostics only.
	Name string
	// Path is the entry's realized output directory.
	Path string
	// Exports is the set of environment variables the entry declares.
	Exports map[string]string
}

// An Assignment is a single environment variable binding.
type Assignment struct {
	Name  string
	Value string
}

// An Environment is an immutable ordered set of variable assignments
// plus an ordered list of executable search path entries.
type Environment struct {
	vars  []Assignment
	paths []string
}

// Compose derives an [Environment] from realized store entries.
// Entries must be given in recipe declaration order;
// composition is deterministic for a given entry order.
// Each entry contributes its "bin" subdirectory as a search path entry,
// and declared variables merge with last-declaration-wins precedence
// (the position of a variable is fixed by its first declaration).
func Compose(entries []Entry) Environment {
	var env Environment
	index := make(map[string]int)
	for _, e := range entries {
		env.paths = append(env.paths, filepath.Join(e.Path, "bin"))
		for _, k := range slices.Sorted(maps.Keys(e.Exports)) {
			v := e.Exports[k]
			if i, ok := index[k]; ok {
				env.vars[i].Value = v
			} else {
				index[k] = len(env.vars)
				env.vars = append(env.vars, Assignment{Name: k, Value: v})
			}
		}
	}
	return env
}

// Vars returns the environment's variable assignments in order,
// not including PATH.
func (env Environment) Vars() []Assignment {
	return slices.Clone(env.vars)
}

// PathList returns the executable search path entries in order.
func (env Environment) PathList() []string {
	return slices.Clone(env.paths)
}

// Assignments renders the environment as shell-exportable statements,
// one per variable, with a trailing PATH export that prepends
// the environment's search path entries to the existing PATH.
func (env Environment) Assignments() []string {
	lines := make([]string, 0, len(env.vars)+1)
	for _, a := range env.vars {
		lines = append(lines, "export "+a.Name+"="+shellQuote(a.Value))
	}
	if len(env.paths) > 0 {
		lines = append(lines, `export PATH=`+shellQuote(strings.Join(env.paths, ":"))+`:"$PATH"`)
	}
	return lines
}

// Environ applies the environment on top of base
// (a slice in the form of [os.Environ])
// and returns a new slice suitable for [os/exec.Cmd.Env].
// Variables in base keep their position when overwritten;
// a PATH in base gains the environment's search path entries as a prefix.
func (env Environment) Environ(base []string) []string {
	result := slices.Clone(base)
	find := func(name string) int {
		for i, kv := range result {
			if len(kv) > len(name) && kv[len(name)] == '=' && kv[:len(name)] == name {
				return i
			}
		}
		return -1
	}
	for _, a := range env.vars {
		kv := a.Name + "=" + a.Value
		if i := find(a.Name); i >= 0 {
			result[i] = kv
		} else {
			result = append(result, kv)
		}
	}
	if len(env.paths) > 0 {
		prefix := strings.Join(env.paths, string(filepath.ListSeparator))
		if i := find("PATH"); i >= 0 {
			result[i] = "PATH=" + prefix + string(filepath.ListSeparator) + result[i][len("PATH="):]
		} else {
			result = append(result, "PATH="+prefix)
		}
	}
	return result
}

// shellQuote returns s single-quoted for POSIX shells.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
