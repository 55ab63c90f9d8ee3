// Copyright 2025 The Stoke Authors
// SPDX-License-Identifier: MIT

// Package fetch resolves source references
// to immutable content-addressed local directories.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"golang.org/x/sync/singleflight"
	"zombiezen.com/go/log"
	"zombiezen.com/go/nix"
)

const userAgent = "stoke/0.1 (+https://github.com/stokebuild/stoke)"

// A Source is a reference to fetchable content.
type Source struct {
	// URL is the origin location of the content.
	URL string
	// Revision optionally identifies the revision being fetched.
	// It is advisory: it does not participate in content addressing.
	Revision string
	// Hash is the expected integrity hash of the content.
	Hash nix.Hash
}

// Options is the set of optional parameters to [New].
type Options struct {
	// HTTPClient is the client used for downloads.
	// If nil, [http.DefaultClient] is used.
	HTTPClient *http.Client
	// Timeout bounds a single download attempt.
	// Zero means no timeout.
	Timeout time.Duration
	// MaxAttempts is the number of download attempts
	// before a transient failure is surfaced.
	// Non-positive values mean a single attempt.
	MaxAttempts int
	// RetryDelay is the base delay between attempts.
	// The delay grows linearly with the attempt number.
	RetryDelay time.Duration
}

// A Fetcher downloads sources into a content-addressed directory.
// Fetching the same source twice is a no-op,
// and concurrent fetches of the same source do not duplicate work.
type Fetcher struct {
	dir         string
	client      *http.Client
	timeout     time.Duration
	maxAttempts int
	retryDelay  time.Duration

	fetching singleflight.Group
}

// New returns a new Fetcher that stores fetched content under dir.
func New(dir string, opts *Options) *Fetcher {
	if opts == nil {
		opts = new(Options)
	}
	f := &Fetcher{
		dir:         dir,
		client:      opts.HTTPClient,
		timeout:     opts.Timeout,
		maxAttempts: opts.MaxAttempts,
		retryDelay:  opts.RetryDelay,
	}
	if f.client == nil {
		f.client = http.DefaultClient
	}
	if f.maxAttempts < 1 {
		f.maxAttempts = 1
	}
	if f.retryDelay <= 0 {
		f.retryDelay = 500 * time.Millisecond
	}
	return f
}

// Fetch resolves a source reference to a local file path.
// The destination is named by the expected integrity hash,
// so a source that has already been fetched is returned immediately.
// Content whose hash disagrees with the expected hash
// is discarded and reported as an [*IntegrityError]:
// nothing is ever visible at the returned path
// unless its content matched.
func (f *Fetcher) Fetch(ctx context.Context, src Source) (string, error) {
	if src.URL == "" {
		return "", fmt.Errorf("fetch source: missing url")
	}
	if src.Hash.IsZero() {
		return "", fmt.Errorf("fetch %s: missing integrity hash", src.URL)
	}
	dest := f.destination(src)

	resultChan := f.fetching.DoChan(dest, func() (any, error) {
		if _, err := os.Lstat(dest); err == nil {
			log.Debugf(ctx, "%s already fetched to %s", src.URL, dest)
			return dest, nil
		}
		if err := os.MkdirAll(f.dir, 0o755); err != nil {
			return "", err
		}
		if err := f.download(ctx, src, dest); err != nil {
			return "", err
		}
		return dest, nil
	})
	select {
	case result := <-resultChan:
		if result.Err != nil {
			return "", result.Err
		}
		return result.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Base returns the file name component of the source's URL,
// or "source" if the URL does not name a file.
// Realized source objects use it as their content's file name.
func (src Source) Base() string {
	base := path.Base(path.Clean(urlPath(src.URL)))
	if base == "" || base == "." || base == "/" {
		return "source"
	}
	return base
}

// destination returns the content-addressed path for a source.
func (f *Fetcher) destination(src Source) string {
	return filepath.Join(f.dir, src.Hash.RawBase32()+"-"+src.Base())
}

func urlPath(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Path
}

// download fetches src into dest,
// retrying transient failures a bounded number of times with backoff.
func (f *Fetcher) download(ctx context.Context, src Source, dest string) error {
	var lastErr error
	for attempt := 1; ; attempt++ {
		err := f.downloadOnce(ctx, src, dest)
		if err == nil {
			return nil
		}
		var integrityError *IntegrityError
		if errors.As(err, &integrityError) {
			// Fail closed. A corrupt origin will not heal on retry.
			return err
		}
		var permanent *permanentError
		if errors.As(err, &permanent) {
			return permanent.err
		}
		lastErr = err
		if attempt >= f.maxAttempts || ctx.Err() != nil {
			break
		}
		delay := time.Duration(attempt) * f.retryDelay
		log.Warnf(ctx, "Fetch %s (attempt %d of %d): %v; retrying in %v",
			src.URL, attempt, f.maxAttempts, err, delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return &UnreachableError{URL: src.URL, Attempts: attempt, Err: lastErr}
		}
	}
	return &UnreachableError{URL: src.URL, Attempts: f.maxAttempts, Err: lastErr}
}

func (f *Fetcher) downloadOnce(ctx context.Context, src Source, dest string) (err error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "*/*")
	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		err := fmt.Errorf("%s returned HTTP %s", src.URL, resp.Status)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			// Only network failures and server errors are transient.
			return &permanentError{err: err}
		}
		return err
	}

	tmp, err := os.CreateTemp(f.dir, ".fetch-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			os.Remove(tmp.Name())
		}
	}()
	h := nix.NewHasher(src.Hash.Type())
	_, err = io.Copy(io.MultiWriter(tmp, h), resp.Body)
	err2 := tmp.Close()
	if err != nil {
		return fmt.Errorf("download %s: %v", src.URL, err)
	}
	if err2 != nil {
		return fmt.Errorf("download %s: %v", src.URL, err2)
	}
	if got := h.SumHash(); !got.Equal(src.Hash) {
		err = &IntegrityError{URL: src.URL, Want: src.Hash, Got: got}
		return err
	}
	if err = os.Chmod(tmp.Name(), 0o444); err != nil {
		return err
	}
	if err = os.Rename(tmp.Name(), dest); err != nil {
		return err
	}
	log.Infof(ctx, "Fetched %s to %s", src.URL, dest)
	return nil
}

// A permanentError marks a failure that retrying cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return e.err.Error()
}

func (e *permanentError) Unwrap() error {
	return e.err
}

// An IntegrityError reports that fetched content
// did not match its expected integrity hash.
type IntegrityError struct {
	URL  string
	Want nix.Hash
	Got  nix.Hash
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("fetch %s: integrity mismatch: expected %v, got %v", e.URL, e.Want, e.Got)
}

// An UnreachableError reports that a source could not be downloaded
// after a bounded number of attempts.
type UnreachableError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("fetch %s: unreachable after %d attempt(s): %v", e.URL, e.Attempts, e.Err)
}

func (e *UnreachableError) Unwrap() error {
	return e.Err
}
