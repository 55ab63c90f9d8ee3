// Copyright 2025 The Stoke Authors
// SPDX-License-Identifier: MIT

package recipe

import (
	"errors"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/stokebuild/stoke/internal/platform"
)

var testPlatform = platform.Platform{Arch: "x86_64", OS: "linux"}

func literalRecipe(name, value string) *Recipe {
	return &Recipe{
		Name:    name,
		Version: "1.0.0",
		Builder: "true",
		Inputs:  []Input{{Name: "x", Literal: value}},
	}
}

func TestResolveDeterminism(t *testing.T) {
	recipes := []*Recipe{
		literalRecipe("a", "x"),
		{
			Name:    "b",
			Version: "1.0.0",
			Builder: "true",
			Inputs:  []Input{{Name: "dep", Ref: "a"}},
		},
	}
	g1, err := Resolve(recipes, testPlatform)
	if err != nil {
		t.Fatal(err)
	}
	g2, err := Resolve(recipes, testPlatform)
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"a", "b"} {
		h1, h2 := g1.Node(name).Hash, g2.Node(name).Hash
		if !h1.Equal(h2) {
			t.Errorf("hash of %s differs between resolutions: %v vs %v", name, h1, h2)
		}
		if d1, d2 := g1.Node(name).Digest, g2.Node(name).Digest; d1 != d2 {
			t.Errorf("digest of %s differs between resolutions: %s vs %s", name, d1, d2)
		}
	}
}

func TestResolveLiteralSensitivity(t *testing.T) {
	// Same name, different literal input: hashes must differ.
	gx, err := Resolve([]*Recipe{literalRecipe("a", "x")}, testPlatform)
	if err != nil {
		t.Fatal(err)
	}
	gy, err := Resolve([]*Recipe{literalRecipe("a", "y")}, testPlatform)
	if err != nil {
		t.Fatal(err)
	}
	if gx.Node("a").Hash.Equal(gy.Node("a").Hash) {
		t.Errorf("recipes with different literals share hash %v", gx.Node("a").Hash)
	}

	// Two resolutions of the same recipe must agree.
	gx2, err := Resolve([]*Recipe{literalRecipe("a", "x")}, testPlatform)
	if err != nil {
		t.Fatal(err)
	}
	if !gx.Node("a").Hash.Equal(gx2.Node("a").Hash) {
		t.Errorf("identical recipes resolved to different hashes: %v vs %v",
			gx.Node("a").Hash, gx2.Node("a").Hash)
	}
}

func TestResolveClosureSensitivity(t *testing.T) {
	build := func(upstreamLiteral string) *Graph {
		t.Helper()
		recipes := []*Recipe{
			literalRecipe("base", upstreamLiteral),
			{
				Name:    "mid",
				Version: "1.0.0",
				Builder: "true",
				Inputs:  []Input{{Name: "dep", Ref: "base"}},
			},
			{
				Name:    "top",
				Version: "1.0.0",
				Builder: "true",
				Inputs:  []Input{{Name: "dep", Ref: "mid"}},
			},
		}
		g, err := Resolve(recipes, testPlatform)
		if err != nil {
			t.Fatal(err)
		}
		return g
	}
	g1 := build("x")
	g2 := build("y")
	// Changing a transitive input must invalidate every downstream hash.
	for _, name := range []string{"base", "mid", "top"} {
		if g1.Node(name).Hash.Equal(g2.Node(name).Hash) {
			t.Errorf("hash of %s unchanged after upstream literal change", name)
		}
	}
}

func TestResolvePlatformSensitivity(t *testing.T) {
	r := &Recipe{
		Name:    "tool",
		Version: "1.0.0",
		Builder: "true",
		Overrides: []Override{
			{Platform: "*-linux", Inputs: []Input{{Name: "libc", Literal: "glibc"}}},
		},
	}
	linux, err := Resolve([]*Recipe{r}, platform.Platform{Arch: "x86_64", OS: "linux"})
	if err != nil {
		t.Fatal(err)
	}
	macos, err := Resolve([]*Recipe{r}, platform.Platform{Arch: "x86_64", OS: "macos"})
	if err != nil {
		t.Fatal(err)
	}
	if linux.Node("tool").Hash.Equal(macos.Node("tool").Hash) {
		t.Errorf("platforms with different resolved inputs collide on hash %v", linux.Node("tool").Hash)
	}
}

func TestResolveCycle(t *testing.T) {
	recipes := []*Recipe{
		{Name: "a", Version: "1.0.0", Builder: "true", Inputs: []Input{{Name: "dep", Ref: "b"}}},
		{Name: "b", Version: "1.0.0", Builder: "true", Inputs: []Input{{Name: "dep", Ref: "c"}}},
		{Name: "c", Version: "1.0.0", Builder: "true", Inputs: []Input{{Name: "dep", Ref: "a"}}},
	}
	_, err := Resolve(recipes, testPlatform)
	var cycleError *CycleError
	if !errors.As(err, &cycleError) {
		t.Fatalf("Resolve returned %v; want *CycleError", err)
	}
	want := []string{"a", "b", "c"}
	if diff := cmp.Diff(want, cycleError.Cycle); diff != "" {
		t.Errorf("cycle (-want +got):\n%s", diff)
	}
}

func TestResolveUnknownReference(t *testing.T) {
	recipes := []*Recipe{
		{Name: "a", Version: "1.0.0", Builder: "true", Inputs: []Input{{Name: "dep", Ref: "ghost"}}},
	}
	if g, err := Resolve(recipes, testPlatform); err == nil {
		t.Errorf("Resolve = %d nodes; want error", g.Len())
	}
}

func TestGraphOrder(t *testing.T) {
	recipes := []*Recipe{
		{
			Name:    "top",
			Version: "1.0.0",
			Builder: "true",
			Inputs: []Input{
				{Name: "left", Ref: "left"},
				{Name: "right", Ref: "right"},
			},
		},
		{Name: "left", Version: "1.0.0", Builder: "true", Inputs: []Input{{Name: "dep", Ref: "base"}}},
		{Name: "right", Version: "1.0.0", Builder: "true", Inputs: []Input{{Name: "dep", Ref: "base"}}},
		literalRecipe("base", "x"),
	}
	g, err := Resolve(recipes, testPlatform)
	if err != nil {
		t.Fatal(err)
	}
	order := g.Order()
	pos := make(map[string]int, len(order))
	for i, name := range order {
		pos[name] = i
	}
	for _, name := range order {
		for _, dep := range g.Node(name).Deps {
			if pos[dep] >= pos[name] {
				t.Errorf("order %v places %s before its dependency %s", order, name, dep)
			}
		}
	}
	if !g.Node("base").Dependents.Has("left") || !g.Node("base").Dependents.Has("right") {
		t.Errorf("base dependents = %v; want left and right", g.Node("base").Dependents)
	}

	closure, err := g.Closure("left")
	if err != nil {
		t.Fatal(err)
	}
	got := slices.Sorted(closure.All())
	if diff := cmp.Diff([]string{"base", "left"}, got); diff != "" {
		t.Errorf("closure of left (-want +got):\n%s", diff)
	}
}

func TestFetchRecipeHash(t *testing.T) {
	src := func(url, hash string) *Recipe {
		return &Recipe{
			Name:    "src",
			Version: "1.0.0",
			Builder: BuiltinFetch,
			Source:  &Source{URL: url, Hash: mustParseHash(t, hash)},
		}
	}
	const (
		hashA = "sha256-47DEQpj8HBSa+/TImW+5JCeuQeRkm5NMpJWZG3hSuFU="
		hashB = "sha256-uqWglk0zIPvAxqkiFARTyFE+okq4/QV3A0gEqWckgJY="
	)
	resolve := func(r *Recipe) *Node {
		t.Helper()
		g, err := Resolve([]*Recipe{r}, testPlatform)
		if err != nil {
			t.Fatal(err)
		}
		return g.Node("src")
	}

	// Two mirrors of the same content share a hash.
	mirror1 := resolve(src("https://example.com/a.tar.gz", hashA))
	mirror2 := resolve(src("https://mirror.example.org/a.tar.gz", hashA))
	if !mirror1.Hash.Equal(mirror2.Hash) {
		t.Errorf("mirrors of the same content have different hashes: %v vs %v", mirror1.Hash, mirror2.Hash)
	}

	// Different content hashes must not collide.
	other := resolve(src("https://example.com/a.tar.gz", hashB))
	if mirror1.Hash.Equal(other.Hash) {
		t.Errorf("different content hashes collide on %v", mirror1.Hash)
	}
}
