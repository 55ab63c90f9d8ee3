// Copyright 2025 The Stoke Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/tailscale/hujson"
	"zombiezen.com/go/log"

	"github.com/stokebuild/stoke/internal/fetch"
	"github.com/stokebuild/stoke/internal/osutil"
	"github.com/stokebuild/stoke/internal/platform"
	"github.com/stokebuild/stoke/internal/store"
	"github.com/stokebuild/stoke/recipe"
)

// fileConfig is the subset of settings that can be given in the
// configuration file. The file is JSON with comments and trailing
// commas permitted.
type fileConfig struct {
	StoreDir     string `json:"storeDir,omitempty"`
	CacheDB      string `json:"cacheDB,omitempty"`
	FetchDir     string `json:"fetchDir,omitempty"`
	BuildDir     string `json:"buildDir,omitempty"`
	Platform     string `json:"platform,omitempty"`
	FetchTimeout string `json:"fetchTimeout,omitempty"`
	FetchRetries int    `json:"fetchRetries,omitempty"`
}

// load fills in any settings not given on the command line
// from the environment, the configuration file, and the defaults,
// in that order of preference.
func (g *globalConfig) load(ctx context.Context) error {
	fc, err := readFileConfig(ctx, g.configFile)
	if err != nil {
		return err
	}
	if g.storeDir == "" {
		g.storeDir = firstNonEmpty(os.Getenv("STOKE_STORE_DIR"), fc.StoreDir)
	}
	if g.cacheDB == "" {
		g.cacheDB = firstNonEmpty(os.Getenv("STOKE_CACHE_DB"), fc.CacheDB)
	}
	if g.fetchDir == "" {
		g.fetchDir = fc.FetchDir
	}
	if g.buildDir == "" {
		g.buildDir = fc.BuildDir
	}
	if g.platform == "" {
		g.platform = firstNonEmpty(os.Getenv("STOKE_PLATFORM"), fc.Platform)
	}

	if g.storeDir == "" || g.cacheDB == "" || g.fetchDir == "" {
		cacheRoot, err := os.UserCacheDir()
		if err != nil {
			return fmt.Errorf("determine store location: %v", err)
		}
		root := filepath.Join(cacheRoot, "stoke")
		if g.storeDir == "" {
			g.storeDir = filepath.Join(root, "store")
		}
		if g.cacheDB == "" {
			g.cacheDB = filepath.Join(root, "cache.db")
		}
		if g.fetchDir == "" {
			g.fetchDir = filepath.Join(root, "fetch")
		}
	}
	g.fileSettings = fc
	return nil
}

// readFileConfig reads the configuration file at path,
// or the default location if path is empty.
// A missing file is not an error.
func readFileConfig(ctx context.Context, path string) (*fileConfig, error) {
	explicit := path != ""
	if !explicit {
		configRoot, err := os.UserConfigDir()
		if err != nil {
			log.Debugf(ctx, "Skipping configuration file: %v", err)
			return new(fileConfig), nil
		}
		path, err = osutil.FirstPresentFile(slices.Values([]string{
			filepath.Join(configRoot, "stoke", "config.jwcc"),
			filepath.Join(configRoot, "stoke", "config.json"),
		}))
		if err != nil {
			log.Debugf(ctx, "Skipping configuration file: %v", err)
			return new(fileConfig), nil
		}
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) && !explicit {
		return new(fileConfig), nil
	}
	if err != nil {
		return nil, err
	}
	data, err = hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("read %s: %v", path, err)
	}
	fc := new(fileConfig)
	if err := json.Unmarshal(data, fc, json.RejectUnknownMembers(true)); err != nil {
		return nil, fmt.Errorf("read %s: %v", path, err)
	}
	return fc, nil
}

func (g *globalConfig) targetPlatform() (platform.Platform, error) {
	if g.platform == "" {
		return platform.Current(), nil
	}
	return platform.Parse(g.platform)
}

func (g *globalConfig) openStore() (*store.Store, error) {
	dir, err := filepath.Abs(g.storeDir)
	if err != nil {
		return nil, err
	}
	return store.Open(dir, g.cacheDB)
}

func (g *globalConfig) newFetcher() (*fetch.Fetcher, error) {
	opts := new(fetch.Options)
	if s := g.fileSettings.FetchTimeout; s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("fetchTimeout: %v", err)
		}
		opts.Timeout = d
	}
	if n := g.fileSettings.FetchRetries; n > 0 {
		opts.MaxAttempts = n + 1
	}
	return fetch.New(g.fetchDir, opts), nil
}

// readDocument parses the recipe document at path.
// "-" means standard input.
func readDocument(path string) (*recipe.Document, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	doc, err := recipe.ParseDocument(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %v", path, err)
	}
	return doc, nil
}

func firstNonEmpty(args ...string) string {
	for _, s := range args {
		if s != "" {
			return s
		}
	}
	return ""
}
