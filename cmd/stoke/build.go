// Copyright 2025 The Stoke Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"zombiezen.com/go/log"

	"github.com/stokebuild/stoke/internal/builder"
	"github.com/stokebuild/stoke/recipe"
)

func newBuildCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "build [flags] FILE [RECIPE [...]]",
		Short:                 "realize recipes into the store",
		Args:                  cobra.MinimumNArgs(1),
		DisableFlagsInUseLine: true,
	}
	opts := new(buildOptions)
	c.Flags().IntVarP(&opts.parallelism, "jobs", "j", 0, "maximum `number` of concurrent builds (0 for unlimited)")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		opts.file = args[0]
		opts.targets = args[1:]
		return runBuild(cmd.Context(), g, opts)
	}
	return c
}

type buildOptions struct {
	file        string
	targets     []string
	parallelism int
}

func runBuild(ctx context.Context, g *globalConfig, opts *buildOptions) error {
	if err := g.load(ctx); err != nil {
		return err
	}
	doc, err := readDocument(opts.file)
	if err != nil {
		return err
	}
	paths, graph, err := realize(ctx, g, doc, opts.targets, opts.parallelism)
	if err != nil {
		return err
	}
	for _, name := range graph.Order() {
		if p, ok := paths[name]; ok {
			fmt.Println(p)
		}
	}
	return nil
}

// realize resolves doc for the configured platform
// and builds the closure of targets,
// returning the realized paths alongside the resolved graph.
func realize(ctx context.Context, g *globalConfig, doc *recipe.Document, targets []string, parallelism int) (map[string]string, *recipe.Graph, error) {
	target, err := g.targetPlatform()
	if err != nil {
		return nil, nil, err
	}
	graph, err := recipe.Resolve(doc.Recipes, target)
	if err != nil {
		return nil, nil, err
	}
	s, err := g.openStore()
	if err != nil {
		return nil, nil, err
	}
	defer func() {
		if err := s.Close(); err != nil {
			log.Warnf(ctx, "Closing store: %v", err)
		}
	}()
	f, err := g.newFetcher()
	if err != nil {
		return nil, nil, err
	}
	b := builder.New(s, f, &builder.Options{
		BuildDir:    g.buildDir,
		Parallelism: parallelism,
	})
	paths, err := b.Build(ctx, graph, targets...)
	if err != nil {
		return nil, nil, err
	}
	return paths, graph, nil
}
