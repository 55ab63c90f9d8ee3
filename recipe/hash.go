// Copyright 2025 The Stoke Authors
// SPDX-License-Identifier: MIT

package recipe

import (
	"crypto/sha256"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"

	"zombiezen.com/go/nix"
	"zombiezen.com/go/nix/nixbase32"
)

/*
Derivation hashing.

A recipe's derivation hash is a SHA-256 over a canonical rendering of the
override-resolved recipe. Reference inputs contribute the referenced
recipe's derivation hash, so the hash covers the full transitive input
closure: changing any upstream input changes every downstream hash.

Fetched (fixed-output) recipes hash their expected content hash instead
of their origin URL. The URL and revision are advisory: two mirrors of
the same content realize the same store entry.
*/

const digestLength = 32

// hashRecipe computes the derivation hash of an override-resolved recipe.
// depHash must return the derivation hash of every recipe
// referenced by the resolved recipe's inputs.
func hashRecipe(resolved *Recipe, depHash func(ref string) (nix.Hash, bool)) (nix.Hash, error) {
	if len(resolved.Overrides) > 0 {
		return nix.Hash{}, fmt.Errorf("hash recipe %s: overrides not resolved", resolved.Name)
	}

	h := nix.NewHasher(nix.SHA256)
	if resolved.Builder == BuiltinFetch {
		h.WriteString("fixed:")
		h.WriteString(resolved.Name)
		h.WriteString(":")
		h.WriteString(resolved.Version)
		h.WriteString(":")
		h.WriteString(resolved.Source.Hash.Base16())
		return h.SumHash(), nil
	}

	h.WriteString("floating:")
	h.WriteString(resolved.Name)
	h.WriteString(":")
	h.WriteString(resolved.Version)
	h.WriteString(":")
	writeQuoted(h, resolved.Builder)
	h.WriteString("[")
	for i, arg := range resolved.Args {
		if i > 0 {
			h.WriteString(",")
		}
		writeQuoted(h, arg)
	}
	h.WriteString("][")
	for i, in := range resolved.Inputs {
		if i > 0 {
			h.WriteString(",")
		}
		writeQuoted(h, in.Name)
		if in.IsRef() {
			dep, ok := depHash(in.Ref)
			if !ok {
				return nix.Hash{}, fmt.Errorf("hash recipe %s: input %s: missing hash for reference %q",
					resolved.Name, in.Name, in.Ref)
			}
			h.WriteString("=ref:")
			h.WriteString(dep.Base16())
		} else {
			h.WriteString("=lit:")
			writeQuoted(h, in.Literal)
		}
	}
	h.WriteString("]")
	writeStringMap(h, resolved.Env)
	writeStringMap(h, resolved.Exports)
	return h.SumHash(), nil
}

func writeQuoted(h *nix.Hasher, s string) {
	h.WriteString(strconv.Quote(s))
}

func writeStringMap(h *nix.Hasher, m map[string]string) {
	h.WriteString("[")
	for i, k := range slices.Sorted(maps.Keys(m)) {
		if i > 0 {
			h.WriteString(",")
		}
		writeQuoted(h, k)
		h.WriteString("=")
		writeQuoted(h, m[k])
	}
	h.WriteString("]")
}

// Digest computes the store object digest for a derivation hash:
// a fingerprint over the hash and the recipe identifier,
// compressed to 20 bytes and rendered in nixbase32.
// The digest prefixes the store object's directory name.
func Digest(h nix.Hash, id string) string {
	fp := sha256.New()
	io.WriteString(fp, "stoke-object:")
	io.WriteString(fp, h.Base16())
	io.WriteString(fp, ":")
	io.WriteString(fp, id)
	compressed := make([]byte, digestLength*5/8)
	nix.CompressHash(compressed, fp.Sum(nil))
	return nixbase32.EncodeToString(compressed)
}
