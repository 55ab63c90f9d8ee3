// Copyright 2025 The Stoke Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"zombiezen.com/go/log"

	"github.com/stokebuild/stoke/recipe"
	"github.com/stokebuild/stoke/sets"
)

func newGCCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:   "gc [flags] [FILE [...]]",
		Short: "remove store entries not reachable from any recipe document",
		Long: "Resolve the given recipe documents for the configured platform\n" +
			"and delete every store entry that is not in any document's closure.\n" +
			"With no documents, every store entry is eligible for deletion.",
		DisableFlagsInUseLine: true,
	}
	var dryRun bool
	c.Flags().BoolVarP(&dryRun, "dry-run", "n", false, "print what would be removed without removing it")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runGC(cmd.Context(), g, args, dryRun)
	}
	return c
}

func runGC(ctx context.Context, g *globalConfig, files []string, dryRun bool) error {
	if err := g.load(ctx); err != nil {
		return err
	}
	target, err := g.targetPlatform()
	if err != nil {
		return err
	}
	live := sets.New[string]()
	for _, file := range files {
		doc, err := readDocument(file)
		if err != nil {
			return err
		}
		graph, err := recipe.Resolve(doc.Recipes, target)
		if err != nil {
			return fmt.Errorf("resolve %s: %v", file, err)
		}
		for _, name := range graph.Order() {
			live.Add(graph.Node(name).Digest)
		}
	}

	s, err := g.openStore()
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			log.Warnf(ctx, "Closing store: %v", err)
		}
	}()

	entries, err := s.List(ctx)
	if err != nil {
		return err
	}
	pathOf := make(map[string]string, len(entries))
	for _, ent := range entries {
		pathOf[ent.Digest] = ent.Path
	}
	if dryRun {
		for _, ent := range entries {
			if !live.Has(ent.Digest) {
				fmt.Println(ent.Path)
			}
		}
		return nil
	}
	removed, err := s.GC(ctx, live)
	for _, digest := range removed {
		fmt.Println(pathOf[digest])
	}
	if err != nil {
		return err
	}
	log.Infof(ctx, "Removed %d store entries", len(removed))
	return nil
}
