// Copyright 2025 The Stoke Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stokebuild/stoke/internal/environ"
	"github.com/stokebuild/stoke/sets"
)

func newEnvCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "env [flags] FILE [RECIPE [...]]",
		Short:                 "print shell exports for an environment",
		Long: "Realize the named recipes (all recipes in the document by default)\n" +
			"and print shell statements that place their outputs on PATH\n" +
			"and set their exported variables.\n\n" +
			"Intended for use as:\n\n" +
			"  eval \"$(stoke env stoke.json)\"",
		Args:                  cobra.MinimumNArgs(1),
		DisableFlagsInUseLine: true,
	}
	opts := new(buildOptions)
	c.Flags().IntVarP(&opts.parallelism, "jobs", "j", 0, "maximum `number` of concurrent builds (0 for unlimited)")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		opts.file = args[0]
		opts.targets = args[1:]
		return runEnv(cmd.Context(), g, opts)
	}
	return c
}

func runEnv(ctx context.Context, g *globalConfig, opts *buildOptions) error {
	if err := g.load(ctx); err != nil {
		return err
	}
	doc, err := readDocument(opts.file)
	if err != nil {
		return err
	}
	paths, _, err := realize(ctx, g, doc, opts.targets, opts.parallelism)
	if err != nil {
		return err
	}

	// Only the requested recipes contribute to the environment,
	// in the order the document declares them;
	// their dependencies stay behind the scenes.
	requested := sets.New(opts.targets...)
	var entries []environ.Entry
	for _, r := range doc.Recipes {
		if requested.Len() > 0 && !requested.Has(r.Name) {
			continue
		}
		entries = append(entries, environ.Entry{
			Name:    r.Name,
			Path:    paths[r.Name],
			Exports: r.Exports,
		})
	}
	for _, line := range environ.Compose(entries).Assignments() {
		fmt.Println(line)
	}
	return nil
}
