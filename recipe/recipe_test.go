// Copyright 2025 The Stoke Authors
// SPDX-License-Identifier: MIT

package recipe

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"zombiezen.com/go/nix"
)

const testDocument = `{
	// Toolchain pieces for the development environment.
	"recipes": [
		{
			"name": "hello-src",
			"version": "2.12.1",
			"builder": "builtin:fetch",
			"source": {
				"url": "https://example.com/hello-2.12.1.tar.gz",
				"revision": "v2.12.1",
				"hash": "sha256-47DEQpj8HBSa+/TImW+5JCeuQeRkm5NMpJWZG3hSuFU=",
			},
		},
		{
			"name": "hello",
			"version": "2.12.1",
			"builder": "/bin/sh",
			"args": ["-c", "build-hello"],
			"inputs": [
				{"name": "src", "ref": "hello-src"},
				{"name": "opt", "literal": "-O2"},
			],
			"env": {"LANG": "C"},
			"exports": {"HELLO_DATA": "share/hello"},
			"overrides": [
				{"platform": "*-linux", "env": {"CC": "gcc"}},
				{"platform": "*-macos", "env": {"CC": "clang"}},
			],
		},
	],
}`

func mustParseHash(tb testing.TB, s string) nix.Hash {
	tb.Helper()
	h, err := nix.ParseHash(s)
	if err != nil {
		tb.Fatal(err)
	}
	return h
}

func TestParseDocument(t *testing.T) {
	doc, err := ParseDocument([]byte(testDocument))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(doc.Recipes), 2; got != want {
		t.Fatalf("len(doc.Recipes) = %d; want %d", got, want)
	}
	src := doc.Recipe("hello-src")
	if src == nil {
		t.Fatal(`doc.Recipe("hello-src") = nil`)
	}
	if got, want := src.Builder, BuiltinFetch; got != want {
		t.Errorf("hello-src builder = %q; want %q", got, want)
	}
	if got, want := src.Source.Hash, mustParseHash(t, "sha256-47DEQpj8HBSa+/TImW+5JCeuQeRkm5NMpJWZG3hSuFU="); !got.Equal(want) {
		t.Errorf("hello-src source hash = %v; want %v", got, want)
	}
	hello := doc.Recipe("hello")
	if hello == nil {
		t.Fatal(`doc.Recipe("hello") = nil`)
	}
	wantInputs := []Input{
		{Name: "src", Ref: "hello-src"},
		{Name: "opt", Literal: "-O2"},
	}
	if diff := cmp.Diff(wantInputs, hello.Inputs); diff != "" {
		t.Errorf("hello inputs (-want +got):\n%s", diff)
	}
	if got, want := hello.ID(), "hello-2.12.1"; got != want {
		t.Errorf("hello.ID() = %q; want %q", got, want)
	}
}

func TestDocumentRoundTrip(t *testing.T) {
	doc, err := ParseDocument([]byte(testDocument))
	if err != nil {
		t.Fatal(err)
	}
	data, err := doc.MarshalText()
	if err != nil {
		t.Fatal(err)
	}
	doc2, err := ParseDocument(data)
	if err != nil {
		t.Fatalf("reparse serialized document: %v", err)
	}
	hashToString := cmp.Transformer("String", func(h nix.Hash) string { return h.String() })
	if diff := cmp.Diff(doc, doc2, hashToString); diff != "" {
		t.Errorf("round trip (-first +second):\n%s", diff)
	}
}

func TestParseDocumentErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{
			name: "DuplicateRecipeName",
			doc: `{"recipes": [
				{"name": "a", "version": "1.0.0", "builder": "true"},
				{"name": "a", "version": "2.0.0", "builder": "true"},
			]}`,
		},
		{
			name: "UnknownMember",
			doc:  `{"recipes": [{"name": "a", "version": "1.0.0", "builder": "true", "frobnicate": true}]}`,
		},
		{
			name: "BadSyntax",
			doc:  `{"recipes": [`,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if doc, err := ParseDocument([]byte(test.doc)); err == nil {
				t.Errorf("ParseDocument(%q) = %+v; want error", test.doc, doc)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	goodHash := "sha256-47DEQpj8HBSa+/TImW+5JCeuQeRkm5NMpJWZG3hSuFU="
	tests := []struct {
		name    string
		recipe  *Recipe
		wantErr bool
	}{
		{
			name:   "Minimal",
			recipe: &Recipe{Name: "a", Version: "1.0.0", Builder: "true"},
		},
		{
			name:   "NoVersion",
			recipe: &Recipe{Name: "a", Builder: "true"},
		},
		{
			name:    "BadName",
			recipe:  &Recipe{Name: "a b", Version: "1.0.0", Builder: "true"},
			wantErr: true,
		},
		{
			name:    "EmptyName",
			recipe:  &Recipe{Version: "1.0.0", Builder: "true"},
			wantErr: true,
		},
		{
			name:    "BadVersion",
			recipe:  &Recipe{Name: "a", Version: "one", Builder: "true"},
			wantErr: true,
		},
		{
			name:    "MissingBuilder",
			recipe:  &Recipe{Name: "a", Version: "1.0.0"},
			wantErr: true,
		},
		{
			name:    "UnknownBuiltin",
			recipe:  &Recipe{Name: "a", Version: "1.0.0", Builder: "builtin:compile"},
			wantErr: true,
		},
		{
			name:    "FetchWithoutSource",
			recipe:  &Recipe{Name: "a", Version: "1.0.0", Builder: BuiltinFetch},
			wantErr: true,
		},
		{
			name: "FetchWithoutHash",
			recipe: &Recipe{
				Name: "a", Version: "1.0.0", Builder: BuiltinFetch,
				Source: &Source{URL: "https://example.com/a"},
			},
			wantErr: true,
		},
		{
			name: "Fetch",
			recipe: &Recipe{
				Name: "a", Version: "1.0.0", Builder: BuiltinFetch,
				Source: &Source{URL: "https://example.com/a", Hash: mustParseHash(t, goodHash)},
			},
		},
		{
			name: "SourceOnNonFetch",
			recipe: &Recipe{
				Name: "a", Version: "1.0.0", Builder: "true",
				Source: &Source{URL: "https://example.com/a", Hash: mustParseHash(t, goodHash)},
			},
			wantErr: true,
		},
		{
			name: "InputLiteralAndRef",
			recipe: &Recipe{
				Name: "a", Version: "1.0.0", Builder: "true",
				Inputs: []Input{{Name: "x", Literal: "1", Ref: "b"}},
			},
			wantErr: true,
		},
		{
			name: "DuplicateInput",
			recipe: &Recipe{
				Name: "a", Version: "1.0.0", Builder: "true",
				Inputs: []Input{{Name: "x", Literal: "1"}, {Name: "x", Literal: "2"}},
			},
			wantErr: true,
		},
		{
			name: "OverrideMissingPlatform",
			recipe: &Recipe{
				Name: "a", Version: "1.0.0", Builder: "true",
				Overrides: []Override{{Env: map[string]string{"CC": "gcc"}}},
			},
			wantErr: true,
		},
		{
			name: "ExportsPATH",
			recipe: &Recipe{
				Name: "a", Version: "1.0.0", Builder: "true",
				Exports: map[string]string{"PATH": "/usr/bin"},
			},
			wantErr: true,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := test.recipe.Validate()
			if (err != nil) != test.wantErr {
				t.Errorf("Validate() = %v; want error = %t", err, test.wantErr)
			}
		})
	}
}
