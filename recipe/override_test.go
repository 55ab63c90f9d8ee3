// Copyright 2025 The Stoke Authors
// SPDX-License-Identifier: MIT

package recipe

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/stokebuild/stoke/internal/platform"
)

func TestApplyOverrides(t *testing.T) {
	base := &Recipe{
		Name:    "toolchain",
		Version: "1.0.0",
		Builder: "/bin/sh",
		Inputs: []Input{
			{Name: "src", Ref: "toolchain-src"},
			{Name: "linker", Literal: "ld"},
		},
		Env: map[string]string{"LANG": "C"},
		Overrides: []Override{
			{
				Platform: "*-linux",
				Inputs:   []Input{{Name: "libc", Ref: "musl"}},
				Env:      map[string]string{"CC": "gcc"},
			},
			{
				Platform: "*-macos",
				Inputs:   []Input{{Name: "linker", Literal: "ld64"}},
				Env:      map[string]string{"CC": "clang"},
			},
			{
				Platform: "aarch64-*",
				Env:      map[string]string{"ARCHFLAG": "-arm64"},
			},
		},
	}

	tests := []struct {
		platform   string
		wantInputs []Input
		wantEnv    map[string]string
	}{
		{
			platform: "x86_64-linux",
			wantInputs: []Input{
				{Name: "src", Ref: "toolchain-src"},
				{Name: "linker", Literal: "ld"},
				{Name: "libc", Ref: "musl"},
			},
			wantEnv: map[string]string{"LANG": "C", "CC": "gcc"},
		},
		{
			platform: "aarch64-macos",
			wantInputs: []Input{
				{Name: "src", Ref: "toolchain-src"},
				{Name: "linker", Literal: "ld64"},
			},
			wantEnv: map[string]string{"LANG": "C", "CC": "clang", "ARCHFLAG": "-arm64"},
		},
		{
			platform: "x86_64-freebsd",
			wantInputs: []Input{
				{Name: "src", Ref: "toolchain-src"},
				{Name: "linker", Literal: "ld"},
			},
			wantEnv: map[string]string{"LANG": "C"},
		},
	}
	for _, test := range tests {
		t.Run(test.platform, func(t *testing.T) {
			target, err := platform.Parse(test.platform)
			if err != nil {
				t.Fatal(err)
			}
			got := base.ApplyOverrides(target)
			if diff := cmp.Diff(test.wantInputs, got.Inputs); diff != "" {
				t.Errorf("inputs (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(test.wantEnv, got.Env); diff != "" {
				t.Errorf("env (-want +got):\n%s", diff)
			}
			if len(got.Overrides) != 0 {
				t.Errorf("resolved recipe still has %d override blocks", len(got.Overrides))
			}

			// Same platform must always resolve identically.
			again := base.ApplyOverrides(target)
			if diff := cmp.Diff(got, again); diff != "" {
				t.Errorf("second resolution differs (-first +second):\n%s", diff)
			}
		})
	}

	// The receiver must not be modified.
	if got, want := len(base.Inputs), 2; got != want {
		t.Errorf("base recipe has %d inputs after ApplyOverrides; want %d", got, want)
	}
	if _, ok := base.Env["CC"]; ok {
		t.Error("base recipe env gained CC after ApplyOverrides")
	}
}
