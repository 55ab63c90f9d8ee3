// Copyright 2025 The Stoke Authors
// SPDX-License-Identifier: MIT

// Package builder realizes resolved recipe graphs.
//
// Builds of independent graph nodes run in parallel;
// a node never builds before every node it references has been realized.
// The store's per-digest locking makes concurrent realizations of the
// same derivation collapse into a single build.
package builder

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"zombiezen.com/go/log"

	"github.com/stokebuild/stoke/internal/environ"
	"github.com/stokebuild/stoke/internal/fetch"
	"github.com/stokebuild/stoke/internal/osutil"
	"github.com/stokebuild/stoke/internal/store"
	"github.com/stokebuild/stoke/recipe"
)

// Options is the set of optional parameters to [New].
type Options struct {
	// BuildDir is where builders' working directories will be placed.
	// If empty, defaults to [os.TempDir].
	BuildDir string
	// Parallelism caps the number of concurrently running builds.
	// Non-positive means no cap beyond the graph's structure.
	Parallelism int
}

// A Builder drives realization of resolved graphs against a store.
type Builder struct {
	store       *store.Store
	fetcher     *fetch.Fetcher
	buildDir    string
	parallelism int
}

// New returns a new Builder that realizes into s and fetches sources with f.
func New(s *store.Store, f *fetch.Fetcher, opts *Options) *Builder {
	if opts == nil {
		opts = new(Options)
	}
	b := &Builder{
		store:       s,
		fetcher:     f,
		buildDir:    opts.BuildDir,
		parallelism: opts.Parallelism,
	}
	if b.buildDir == "" {
		b.buildDir = os.TempDir()
	}
	return b
}

// Build realizes the closure of the given targets
// (every graph node if targets is empty)
// and returns the realized output path of every node in the closure.
func (b *Builder) Build(ctx context.Context, g *recipe.Graph, targets ...string) (map[string]string, error) {
	closure, err := g.Closure(targets...)
	if err != nil {
		return nil, err
	}
	buildID := uuid.New()
	log.Debugf(ctx, "Build %v: realizing %d of %d nodes", buildID, closure.Len(), g.Len())

	done := make(map[string]chan struct{}, closure.Len())
	for name := range closure.All() {
		done[name] = make(chan struct{})
	}
	var mu sync.Mutex
	paths := make(map[string]string, closure.Len())

	grp, grpCtx := errgroup.WithContext(ctx)
	if b.parallelism > 0 {
		grp.SetLimit(b.parallelism)
	}
	for _, name := range g.Order() {
		if !closure.Has(name) {
			continue
		}
		node := g.Node(name)
		grp.Go(func() error {
			for _, dep := range node.Deps {
				select {
				case <-done[dep]:
				case <-grpCtx.Done():
					return grpCtx.Err()
				}
			}
			mu.Lock()
			depPaths := make(map[string]string, len(node.Deps))
			for _, dep := range node.Deps {
				depPaths[dep] = paths[dep]
			}
			mu.Unlock()

			path, err := b.realizeNode(grpCtx, buildID, g, node, depPaths)
			if err != nil {
				return err
			}
			mu.Lock()
			paths[name] = path
			mu.Unlock()
			close(done[node.Recipe.Name])
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}
	return paths, nil
}

// realizeNode realizes a single graph node,
// assuming every dependency in depPaths has already been realized.
func (b *Builder) realizeNode(ctx context.Context, buildID uuid.UUID, g *recipe.Graph, node *recipe.Node, depPaths map[string]string) (string, error) {
	r := node.Recipe
	references := slices.Collect(node.Dependents.Values())
	references = append(references, r.ID())
	log.Debugf(ctx, "Build %v: realizing %s (%s)", buildID, r.Name, node.Digest)

	return b.store.Realize(ctx, node.Digest, node.ObjectName(), references, func(ctx context.Context, outDir string) error {
		if r.Builder == recipe.BuiltinFetch {
			return b.runFetch(ctx, r, outDir)
		}
		return b.runProgram(ctx, g, r, node, depPaths, outDir)
	})
}

// runFetch realizes a source recipe
// by fetching its origin and copying the content into the output.
func (b *Builder) runFetch(ctx context.Context, r *recipe.Recipe, outDir string) error {
	src := fetch.Source{
		URL:      r.Source.URL,
		Revision: r.Source.Revision,
		Hash:     r.Source.Hash,
	}
	fetched, err := b.fetcher.Fetch(ctx, src)
	if err != nil {
		return err
	}
	// The output keeps the URL's file name,
	// not the fetch cache's digest-prefixed name.
	return osutil.CopyFile(filepath.Join(outDir, src.Base()), fetched)
}

// runProgram runs the recipe's builder program in a scratch directory
// with a hermetic environment derived from the recipe's inputs.
func (b *Builder) runProgram(ctx context.Context, g *recipe.Graph, r *recipe.Recipe, node *recipe.Node, depPaths map[string]string, outDir string) error {
	if err := os.MkdirAll(b.buildDir, 0o755); err != nil {
		return err
	}
	scratch, err := os.MkdirTemp(b.buildDir, "stoke-build-"+r.Name+"-*")
	if err != nil {
		return err
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			log.Warnf(ctx, "Cleaning up build directory for %s: %v", r.Name, err)
		}
	}()

	depEntries := make([]environ.Entry, 0, len(node.Deps))
	for _, dep := range node.Deps {
		depEntries = append(depEntries, environ.Entry{
			Name:    dep,
			Path:    depPaths[dep],
			Exports: g.Node(dep).Recipe.Exports,
		})
	}
	base := []string{
		"out=" + outDir,
		"HOME=/homeless",
		"TMPDIR=" + scratch,
	}
	for k, v := range sortedEnv(r.Env) {
		base = append(base, k+"="+v)
	}
	for _, in := range r.Inputs {
		if in.IsRef() {
			base = append(base, "STOKE_INPUT_"+envName(in.Name)+"="+depPaths[in.Ref])
		} else {
			base = append(base, "STOKE_INPUT_"+envName(in.Name)+"="+in.Literal)
		}
	}

	output := new(bytes.Buffer)
	cmd := exec.CommandContext(ctx, r.Builder, r.Args...)
	cmd.Dir = scratch
	cmd.Env = environ.Compose(depEntries).Environ(base)
	cmd.Stdout = output
	cmd.Stderr = output
	if err := cmd.Run(); err != nil {
		if tail := lastLines(output.Bytes(), 10); tail != "" {
			return fmt.Errorf("%s: %v\n%s", r.Builder, err, tail)
		}
		return fmt.Errorf("%s: %v", r.Builder, err)
	}
	log.Debugf(ctx, "Builder for %s finished:\n%s", r.Name, output.Bytes())
	return nil
}

// sortedEnv iterates a string map in sorted key order.
func sortedEnv(m map[string]string) func(yield func(k, v string) bool) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return func(yield func(k, v string) bool) {
		for _, k := range keys {
			if !yield(k, m[k]) {
				return
			}
		}
	}
}

// envName maps an input name to an environment variable suffix.
func envName(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case 'a' <= c && c <= 'z':
			c -= 'a' - 'A'
		case 'A' <= c && c <= 'Z' || '0' <= c && c <= '9':
		default:
			c = '_'
		}
		out[i] = c
	}
	return string(out)
}

// lastLines returns up to n trailing lines of buf as a string.
func lastLines(buf []byte, n int) string {
	buf = bytes.TrimRight(buf, "\n")
	if len(buf) == 0 {
		return ""
	}
	lines := bytes.Split(buf, []byte("\n"))
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return string(bytes.Join(lines, []byte("\n")))
}
