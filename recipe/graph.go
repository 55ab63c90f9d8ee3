// Copyright 2025 The Stoke Authors
// SPDX-License-Identifier: MIT

package recipe

import (
	"fmt"
	"slices"
	"strings"

	"zombiezen.com/go/nix"

	"github.com/stokebuild/stoke/internal/platform"
	"github.com/stokebuild/stoke/sets"
)

// A Graph is the directed acyclic dependency graph
// of a set of recipes resolved for a single platform.
type Graph struct {
	platform platform.Platform
	nodes    map[string]*Node
	// order is the recipe names in a topological order:
	// every node appears after all of its dependencies.
	order []string
}

// A Node is a single resolved recipe in a [Graph].
type Node struct {
	// Recipe is the override-resolved recipe. It must not be modified.
	Recipe *Recipe
	// Hash is the recipe's derivation hash.
	Hash nix.Hash
	// Digest is the store object digest derived from Hash.
	Digest string
	// Deps is the list of recipe names this node references,
	// in input declaration order without duplicates.
	Deps []string
	// Dependents is the set of recipe names that reference this node,
	// in sorted order.
	Dependents *sets.Sorted[string]
}

// ObjectName returns the store object name for the node:
// the digest followed by the recipe identifier.
func (n *Node) ObjectName() string {
	return n.Digest + "-" + n.Recipe.ID()
}

// A CycleError reports a reference cycle between recipes.
type CycleError struct {
	// Cycle is the offending cycle:
	// a list of recipe names where each entry references the next
	// and the last entry references the first.
	Cycle []string
}

func (e *CycleError) Error() string {
	return "dependency cycle: " + strings.Join(append(slices.Clone(e.Cycle), e.Cycle[0]), " -> ")
}

// Resolve applies each recipe's overrides for the target platform,
// walks every recipe's inputs,
// and produces the dependency graph with bottom-up derivation hashes.
// It fails with a [*CycleError] if the recipes reference each other cyclically
// and with a plain error if an input references an unknown recipe.
func Resolve(recipes []*Recipe, target platform.Platform) (*Graph, error) {
	if target.IsZero() {
		return nil, fmt.Errorf("resolve recipes: missing platform")
	}
	g := &Graph{
		platform: target,
		nodes:    make(map[string]*Node, len(recipes)),
	}
	byName := make(map[string]*Recipe, len(recipes))
	for _, r := range recipes {
		if _, dup := byName[r.Name]; dup {
			return nil, fmt.Errorf("resolve recipes: multiple recipes named %q", r.Name)
		}
		byName[r.Name] = r
	}

	// Iterative depth-first walk with an explicit visiting set
	// so a cycle can be reported with its full path.
	visiting := sets.New[string]()
	var stack []string
	var visit func(name string) error
	visit = func(name string) error {
		if _, done := g.nodes[name]; done {
			return nil
		}
		if visiting.Has(name) {
			start := slices.Index(stack, name)
			return &CycleError{Cycle: slices.Clone(stack[start:])}
		}
		r := byName[name]
		if r == nil {
			return fmt.Errorf("unknown recipe %q", name)
		}
		visiting.Add(name)
		stack = append(stack, name)
		defer func() {
			visiting.Delete(name)
			stack = stack[:len(stack)-1]
		}()

		resolved := r.ApplyOverrides(target)
		node := &Node{
			Recipe:     resolved,
			Dependents: sets.NewSorted[string](),
		}
		depSeen := sets.New[string]()
		for _, in := range resolved.Inputs {
			if !in.IsRef() {
				continue
			}
			if err := visit(in.Ref); err != nil {
				if _, isCycle := err.(*CycleError); isCycle {
					return err
				}
				return fmt.Errorf("resolve %s: input %s: %v", name, in.Name, err)
			}
			if !depSeen.Has(in.Ref) {
				depSeen.Add(in.Ref)
				node.Deps = append(node.Deps, in.Ref)
			}
		}

		var err error
		node.Hash, err = hashRecipe(resolved, func(ref string) (nix.Hash, bool) {
			dep := g.nodes[ref]
			if dep == nil {
				return nix.Hash{}, false
			}
			return dep.Hash, true
		})
		if err != nil {
			return err
		}
		node.Digest = Digest(node.Hash, resolved.ID())

		g.nodes[name] = node
		g.order = append(g.order, name)
		return nil
	}

	for _, r := range recipes {
		if err := visit(r.Name); err != nil {
			return nil, err
		}
	}
	for name, node := range g.nodes {
		for _, dep := range node.Deps {
			g.nodes[dep].Dependents.Add(name)
		}
	}
	return g, nil
}

// Platform returns the platform tag the graph was resolved for.
func (g *Graph) Platform() platform.Platform {
	return g.platform
}

// Node returns the graph node for the named recipe, or nil if absent.
func (g *Graph) Node(name string) *Node {
	return g.nodes[name]
}

// Len returns the number of nodes in the graph.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Order returns the recipe names in a topological order:
// every recipe appears after all of the recipes it references.
func (g *Graph) Order() []string {
	return slices.Clone(g.order)
}

// Closure returns the set of recipe names
// reachable from the given targets (the targets included).
// If no targets are given, the closure covers the whole graph.
func (g *Graph) Closure(targets ...string) (sets.Set[string], error) {
	if len(targets) == 0 {
		targets = g.order
	}
	closure := sets.New[string]()
	stack := slices.Clone(targets)
	for len(stack) > 0 {
		name := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if closure.Has(name) {
			continue
		}
		node := g.nodes[name]
		if node == nil {
			return nil, fmt.Errorf("closure: unknown recipe %q", name)
		}
		closure.Add(name)
		stack = append(stack, node.Deps...)
	}
	return closure, nil
}
