// Copyright 2025 The Stoke Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"zombiezen.com/go/log/testlog"
)

func TestReadFileConfig(t *testing.T) {
	ctx := testlog.WithTB(context.Background(), t)

	t.Run("JWCC", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.jwcc")
		const content = `{
			// Keep the store on the big disk.
			"storeDir": "/mnt/big/stoke/store",
			"fetchRetries": 2,
		}`
		if err := os.WriteFile(path, []byte(content), 0o666); err != nil {
			t.Fatal(err)
		}
		got, err := readFileConfig(ctx, path)
		if err != nil {
			t.Fatal(err)
		}
		want := &fileConfig{
			StoreDir:     "/mnt/big/stoke/store",
			FetchRetries: 2,
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("config (-want +got):\n%s", diff)
		}
	})

	t.Run("UnknownSetting", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.jwcc")
		if err := os.WriteFile(path, []byte(`{"storDir": "/oops"}`), 0o666); err != nil {
			t.Fatal(err)
		}
		if _, err := readFileConfig(ctx, path); err == nil {
			t.Error("readFileConfig did not return an error for a misspelled setting")
		}
	})

	t.Run("ExplicitMissing", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.jwcc")
		if _, err := readFileConfig(ctx, path); err == nil {
			t.Error("readFileConfig did not return an error for a missing explicit file")
		}
	})
}

func TestGlobalConfigLoad(t *testing.T) {
	ctx := testlog.WithTB(context.Background(), t)
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.jwcc")
	const content = `{
		"storeDir": "/from/file/store",
		"platform": "x86_64-linux",
	}`
	if err := os.WriteFile(configPath, []byte(content), 0o666); err != nil {
		t.Fatal(err)
	}
	t.Setenv("STOKE_STORE_DIR", "/from/env/store")

	// Flags beat the environment, which beats the file.
	g := &globalConfig{
		configFile: configPath,
		cacheDB:    "/from/flag/cache.db",
	}
	if err := g.load(ctx); err != nil {
		t.Fatal(err)
	}
	if want := "/from/env/store"; g.storeDir != want {
		t.Errorf("storeDir = %q; want %q", g.storeDir, want)
	}
	if want := "/from/flag/cache.db"; g.cacheDB != want {
		t.Errorf("cacheDB = %q; want %q", g.cacheDB, want)
	}
	if want := "x86_64-linux"; g.platform != want {
		t.Errorf("platform = %q; want %q", g.platform, want)
	}
	if g.fetchDir == "" {
		t.Error("fetchDir was not given a default")
	}
}
