// Copyright 2025 The Stoke Authors
// SPDX-License-Identifier: MIT

// Package platform implements parsing and matching of platform tags.
//
// A platform tag is a pair of an architecture and an operating system
// separated by a dash, for example "x86_64-linux" or "aarch64-macos".
// Recipes use platform tags to guard conditional input blocks.
package platform

import (
	"fmt"
	"runtime"
	"strings"
)

// Platform identifies a target execution environment.
type Platform struct {
	Arch string
	OS   string
}

// Parse parses a platform tag of the form "arch-os" into a [Platform].
func Parse(s string) (Platform, error) {
	arch, os, ok := strings.Cut(s, "-")
	if !ok {
		return Platform{}, fmt.Errorf("parse platform %q: missing operating system", s)
	}
	if arch == "" || os == "" || strings.Contains(os, "-") {
		return Platform{}, fmt.Errorf("parse platform %q: must have form \"arch-os\"", s)
	}
	if arch == "*" || os == "*" {
		return Platform{}, fmt.Errorf("parse platform %q: wildcards not permitted in a concrete platform", s)
	}
	return Platform{Arch: arch, OS: os}, nil
}

// Current returns a [Platform] value for the current process's execution environment.
func Current() Platform {
	var p Platform
	switch runtime.GOARCH {
	case "386":
		p.Arch = "i686"
	case "amd64":
		p.Arch = "x86_64"
	case "arm":
		p.Arch = "arm"
	case "arm64":
		p.Arch = "aarch64"
	case "riscv64":
		p.Arch = "riscv64"
	default:
		p.Arch = runtime.GOARCH
	}
	switch runtime.GOOS {
	case "darwin":
		p.OS = "macos"
	default:
		p.OS = runtime.GOOS
	}
	return p
}

// String returns p as a string that can be passed to [Parse].
func (p Platform) String() string {
	return p.Arch + "-" + p.OS
}

// IsZero reports whether p is the zero Platform.
func (p Platform) IsZero() bool {
	return p == Platform{}
}

// Match reports whether the platform matches the given pattern.
// A pattern is a platform tag
// where either component (or the whole pattern) may be the wildcard "*".
// The empty pattern matches nothing.
func (p Platform) Match(pattern string) bool {
	if pattern == "*" {
		return true
	}
	arch, os, ok := strings.Cut(pattern, "-")
	if !ok {
		return false
	}
	if arch != "*" && arch != p.Arch {
		return false
	}
	return os == "*" || os == p.OS
}

// MarshalText returns the platform tag
// or an error if either component is empty.
func (p Platform) MarshalText() ([]byte, error) {
	if p.Arch == "" || p.OS == "" {
		return nil, fmt.Errorf("marshal platform: incomplete tag %q", p.String())
	}
	return []byte(p.String()), nil
}

// UnmarshalText parses the platform tag like [Parse] into p.
func (p *Platform) UnmarshalText(text []byte) error {
	var err error
	*p, err = Parse(string(text))
	return err
}
