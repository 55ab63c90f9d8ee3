// Copyright 2025 The Stoke Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/spf13/cobra"

	"github.com/stokebuild/stoke/recipe"
)

func newResolveCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "resolve [flags] FILE [RECIPE [...]]",
		Short:                 "compute the dependency graph of a recipe document",
		Args:                  cobra.MinimumNArgs(1),
		DisableFlagsInUseLine: true,
	}
	opts := new(resolveOptions)
	c.Flags().BoolVar(&opts.json, "json", false, "machine-readable output")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		opts.file = args[0]
		opts.targets = args[1:]
		return runResolve(cmd.Context(), g, opts)
	}
	return c
}

type resolveOptions struct {
	file    string
	targets []string
	json    bool
}

// resolvedNode is the JSON shape of one graph node in resolve output.
type resolvedNode struct {
	Name    string   `json:"name"`
	Version string   `json:"version,omitempty"`
	Hash    string   `json:"hash"`
	Object  string   `json:"object"`
	Deps    []string `json:"deps,omitempty"`
}

func runResolve(ctx context.Context, g *globalConfig, opts *resolveOptions) error {
	if err := g.load(ctx); err != nil {
		return err
	}
	target, err := g.targetPlatform()
	if err != nil {
		return err
	}
	doc, err := readDocument(opts.file)
	if err != nil {
		return err
	}
	graph, err := recipe.Resolve(doc.Recipes, target)
	if err != nil {
		return err
	}
	closure, err := graph.Closure(opts.targets...)
	if err != nil {
		return err
	}

	var nodes []*resolvedNode
	for _, name := range graph.Order() {
		if !closure.Has(name) {
			continue
		}
		node := graph.Node(name)
		nodes = append(nodes, &resolvedNode{
			Name:    node.Recipe.Name,
			Version: node.Recipe.Version,
			Hash:    node.Hash.String(),
			Object:  node.ObjectName(),
			Deps:    node.Deps,
		})
	}
	if opts.json {
		out, err := json.Marshal(nodes, json.Deterministic(true), jsontext.WithIndent("  "))
		if err != nil {
			return err
		}
		out = append(out, '\n')
		_, err = os.Stdout.Write(out)
		return err
	}
	for _, node := range nodes {
		fmt.Printf("%s\t%s\n", node.Object, node.Hash)
	}
	return nil
}
