// Copyright 2025 The Stoke Authors
// SPDX-License-Identifier: MIT

// Package store implements the content-addressed build cache:
// a directory of immutable, digest-named store objects
// with a sqlite table of entry metadata.
package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"zombiezen.com/go/log"
	"zombiezen.com/go/nix"
	"zombiezen.com/go/nix/nar"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitemigration"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/stokebuild/stoke/internal/osutil"
	"github.com/stokebuild/stoke/sets"
)

// A Store maps derivation digests to realized output directories.
// Entries are created on first successful realization,
// never mutated afterward,
// and deleted only by [Store.GC].
type Store struct {
	dir string
	db  *sqlitemigration.Pool

	// realizing guards the store objects currently being realized,
	// keyed by digest.
	realizing lockTable[string]
}

// Open opens (creating if necessary) the store rooted at dir
// with its entry database at dbPath.
func Open(dir string, dbPath string) (*Store, error) {
	if !filepath.IsAbs(dir) {
		return nil, fmt.Errorf("open store: directory %q is not absolute", dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("open store: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("open store: %v", err)
	}
	s := &Store{
		dir: dir,
		db: sqlitemigration.NewPool(dbPath, loadSchema(), sqlitemigration.Options{
			Flags:       sqlite.OpenCreate | sqlite.OpenReadWrite,
			PrepareConn: prepareConn,
			OnError: func(err error) {
				log.Errorf(context.Background(), "Store database migration: %v", err)
			},
		}),
	}
	return s, nil
}

// Close releases any resources associated with the store.
func (s *Store) Close() error {
	return s.db.Close()
}

// Dir returns the store's root directory.
func (s *Store) Dir() string {
	return s.dir
}

// An Entry is the recorded metadata of a realized store object.
type Entry struct {
	// Digest is the derivation digest the entry is keyed by.
	Digest string
	// Path is the realized output directory.
	Path string
	// ContentHash is the hash of the output's serialization
	// recorded at realization time.
	ContentHash nix.Hash
	// CreatedAt is the time the entry was realized.
	CreatedAt time.Time
	// References is the set of recipe identifiers that reference the entry.
	// GC treats an entry as live if any referencing recipe is live.
	References []string
}

// A BuildFunc realizes a derivation's output into outDir.
// outDir exists and is empty when the function is called.
type BuildFunc func(ctx context.Context, outDir string) error

// A BuildError reports that a builder failed.
// No store entry is created for a failed build.
type BuildError struct {
	// Name is the store object name of the failed derivation.
	Name string
	// Digest is the derivation digest.
	Digest string
	// Err is the builder's error.
	Err error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build %s: %v", e.Name, e.Err)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// A CorruptionError reports that a store entry's content on disk
// no longer matches the hash recorded at realization time.
// Corruption is surfaced, never silently repaired.
type CorruptionError struct {
	Digest string
	Path   string
	Want   nix.Hash
	Got    nix.Hash
}

func (e *CorruptionError) Error() string {
	if e.Got.IsZero() {
		return fmt.Sprintf("store entry %s: %s missing or unreadable", e.Digest, e.Path)
	}
	return fmt.Sprintf("store entry %s: content hash is %v, recorded %v", e.Digest, e.Got, e.Want)
}

// Exists reports whether an entry for the given digest has been realized.
func (s *Store) Exists(ctx context.Context, digest string) (bool, error) {
	conn, err := s.db.Get(ctx)
	if err != nil {
		return false, fmt.Errorf("check existence of %s: %v", digest, err)
	}
	defer s.db.Put(conn)
	var exists bool
	err = sqlitex.ExecuteFS(conn, sqlFiles(), "entry_exists.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":digest": digest},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			exists = stmt.ColumnBool(0)
			return nil
		},
	})
	if err != nil {
		return false, fmt.Errorf("check existence of %s: %v", digest, err)
	}
	return exists, nil
}

// Entry returns the recorded metadata for the given digest,
// or nil if no entry exists.
func (s *Store) Entry(ctx context.Context, digest string) (*Entry, error) {
	conn, err := s.db.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("read store entry %s: %v", digest, err)
	}
	defer s.db.Put(conn)
	return findEntry(conn, digest)
}

// List returns the digest and path of every entry in the store,
// ordered by digest.
// Only those two fields are filled in.
func (s *Store) List(ctx context.Context) ([]*Entry, error) {
	conn, err := s.db.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("list store entries: %v", err)
	}
	defer s.db.Put(conn)
	var entries []*Entry
	err = sqlitex.ExecuteFS(conn, sqlFiles(), "list_entries.sql", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			entries = append(entries, &Entry{
				Digest: stmt.GetText("digest"),
				Path:   stmt.GetText("path"),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("list store entries: %v", err)
	}
	return entries, nil
}

func findEntry(conn *sqlite.Conn, digest string) (*Entry, error) {
	var entry *Entry
	err := sqlitex.ExecuteFS(conn, sqlFiles(), "find_entry.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":digest": digest},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			entry = &Entry{
				Digest:    digest,
				Path:      stmt.GetText("path"),
				CreatedAt: time.Unix(stmt.GetInt64("created_at"), 0).UTC(),
			}
			return entry.ContentHash.UnmarshalText([]byte(stmt.GetText("content_hash")))
		},
	})
	if err != nil {
		return nil, fmt.Errorf("read store entry %s: %v", digest, err)
	}
	if entry == nil {
		return nil, nil
	}
	err = sqlitex.ExecuteFS(conn, sqlFiles(), "list_references.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":digest": digest},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			entry.References = append(entry.References, stmt.GetText("recipe"))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("read store entry %s: %v", digest, err)
	}
	return entry, nil
}

// Realize returns the realized output path for the given digest,
// invoking build to produce it if no entry exists yet.
// build is invoked at most once per digest,
// even under concurrent callers:
// concurrent calls for the same digest block until the first completes
// and then observe its entry.
//
// The output becomes visible atomically:
// build writes into a temporary directory inside the store,
// which is frozen read-only and renamed into place on success.
// A failed or interrupted build leaves no entry.
// references records the recipes that reference the entry for GC liveness.
func (s *Store) Realize(ctx context.Context, digest, name string, references []string, build BuildFunc) (string, error) {
	log.Debugf(ctx, "Waiting for lock on %s to realize...", digest)
	unlock, err := s.realizing.lock(ctx, digest)
	if err != nil {
		return "", fmt.Errorf("realize %s: waiting for lock: %w", name, err)
	}
	defer unlock()

	entry, err := s.Entry(ctx, digest)
	if err != nil {
		return "", err
	}
	if entry != nil {
		log.Debugf(ctx, "%s already realized to %s", digest, entry.Path)
		return entry.Path, nil
	}

	finalPath := filepath.Join(s.dir, name)
	// A crash between the rename and the database insert
	// leaves an object directory with no entry row.
	// The directory is unrecorded, so rebuild from scratch.
	if _, err := os.Lstat(finalPath); err == nil {
		log.Warnf(ctx, "Removing unrecorded object %s left by an interrupted build", finalPath)
		if err := osutil.MakeWritableAndRemoveAll(finalPath); err != nil {
			return "", fmt.Errorf("realize %s: %v", name, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("realize %s: %v", name, err)
	}
	tmp, err := os.MkdirTemp(s.dir, ".tmp-"+digest+"-")
	if err != nil {
		return "", fmt.Errorf("realize %s: %v", name, err)
	}
	log.Infof(ctx, "Building %s in %s...", name, tmp)
	if err := build(ctx, tmp); err != nil {
		if rmErr := osutil.MakeWritableAndRemoveAll(tmp); rmErr != nil {
			log.Warnf(ctx, "Cleaning up failed build of %s: %v", name, rmErr)
		}
		return "", &BuildError{Name: name, Digest: digest, Err: err}
	}

	// Once the output is complete, finishing must not race caller cancellation:
	// a rename without a database record would strand the object.
	finalizeCtx := context.WithoutCancel(ctx)
	if err := s.finalize(finalizeCtx, digest, tmp, finalPath, references); err != nil {
		if rmErr := osutil.MakeWritableAndRemoveAll(tmp); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			log.Warnf(ctx, "Cleaning up %s: %v", tmp, rmErr)
		}
		return "", fmt.Errorf("realize %s: %v", name, err)
	}
	log.Infof(ctx, "Realized %s", finalPath)
	return finalPath, nil
}

// finalize freezes tmp, renames it to finalPath, and records the entry.
func (s *Store) finalize(ctx context.Context, digest, tmp, finalPath string, references []string) (err error) {
	if err := osutil.MakePublicReadOnly(tmp, nil); err != nil {
		return err
	}
	contentHash, err := hashPath(tmp)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, finalPath); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			// The database record failed: take the object back out of view.
			if rmErr := osutil.MakeWritableAndRemoveAll(finalPath); rmErr != nil {
				log.Warnf(ctx, "Removing unrecorded object %s: %v", finalPath, rmErr)
			}
		}
	}()

	conn, err := s.db.Get(ctx)
	if err != nil {
		return err
	}
	defer s.db.Put(conn)
	defer sqlitex.Save(conn)(&err)

	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "insert_entry.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":digest":       digest,
			":path":         finalPath,
			":content_hash": contentHash.SRI(),
			":created_at":   time.Now().Unix(),
		},
	})
	if err != nil {
		return fmt.Errorf("insert entry into database: %v", err)
	}
	addRefStmt, err := sqlitex.PrepareTransientFS(conn, sqlFiles(), "add_reference.sql")
	if err != nil {
		return fmt.Errorf("insert entry into database: %v", err)
	}
	defer addRefStmt.Finalize()
	addRefStmt.SetText(":digest", digest)
	for _, ref := range references {
		addRefStmt.SetText(":recipe", ref)
		if _, err := addRefStmt.Step(); err != nil {
			return fmt.Errorf("insert entry into database: add reference %s: %v", ref, err)
		}
		if err := addRefStmt.Reset(); err != nil {
			return fmt.Errorf("insert entry into database: add reference %s: %v", ref, err)
		}
	}
	return nil
}

// Verify recomputes the content hash of the entry for the given digest
// and compares it to the hash recorded at realization time.
// A disagreement is reported as a [*CorruptionError].
func (s *Store) Verify(ctx context.Context, digest string) error {
	entry, err := s.Entry(ctx, digest)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("verify store entry %s: no such entry", digest)
	}
	got, err := hashPath(entry.Path)
	if err != nil {
		return &CorruptionError{Digest: digest, Path: entry.Path, Want: entry.ContentHash}
	}
	if !got.Equal(entry.ContentHash) {
		return &CorruptionError{Digest: digest, Path: entry.Path, Want: entry.ContentHash, Got: got}
	}
	return nil
}

// GC deletes every entry whose digest is not in the live set
// and returns the digests removed.
// Object directories are renamed aside before deletion
// so concurrent readers of a dying entry never observe a partial tree.
func (s *Store) GC(ctx context.Context, live sets.Set[string]) ([]string, error) {
	conn, err := s.db.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("gc: %v", err)
	}
	type victim struct {
		digest string
		path   string
	}
	var victims []victim
	err = sqlitex.ExecuteFS(conn, sqlFiles(), "list_entries.sql", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			digest := stmt.GetText("digest")
			if !live.Has(digest) {
				victims = append(victims, victim{digest: digest, path: stmt.GetText("path")})
			}
			return nil
		},
	})
	s.db.Put(conn)
	if err != nil {
		return nil, fmt.Errorf("gc: %v", err)
	}

	var removed []string
	for _, v := range victims {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if err := s.remove(ctx, v.digest, v.path); err != nil {
			return removed, err
		}
		removed = append(removed, v.digest)
	}
	return removed, nil
}

// remove deletes a single entry: database row first,
// then rename-then-delete of the object directory.
func (s *Store) remove(ctx context.Context, digest, path string) error {
	unlock, err := s.realizing.lock(ctx, digest)
	if err != nil {
		return fmt.Errorf("gc %s: waiting for lock: %w", digest, err)
	}
	defer unlock()

	conn, err := s.db.Get(ctx)
	if err != nil {
		return fmt.Errorf("gc %s: %v", digest, err)
	}
	err = sqlitex.ExecuteFS(conn, sqlFiles(), "delete_entry.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":digest": digest},
	})
	s.db.Put(conn)
	if err != nil {
		return fmt.Errorf("gc %s: %v", digest, err)
	}

	trash := filepath.Join(s.dir, ".trash-"+digest)
	if err := os.Rename(path, trash); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("gc %s: %v", digest, err)
	}
	if err := osutil.MakeWritableAndRemoveAll(trash); err != nil {
		return fmt.Errorf("gc %s: %v", digest, err)
	}
	log.Infof(ctx, "Deleted %s", path)
	return nil
}

// hashPath computes the NAR hash of the filesystem object at path.
func hashPath(path string) (nix.Hash, error) {
	h := nix.NewHasher(nix.SHA256)
	if err := nar.DumpPath(h, path); err != nil {
		return nix.Hash{}, err
	}
	return h.SumHash(), nil
}

func prepareConn(conn *sqlite.Conn) error {
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA journal_mode = wal;", nil); err != nil {
		return err
	}
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA foreign_keys = on;", nil); err != nil {
		return err
	}
	return nil
}

//go:embed sql/*.sql
//go:embed sql/schema/*.sql
var rawSQLFiles embed.FS

func sqlFiles() fs.FS {
	sub, err := fs.Sub(rawSQLFiles, "sql")
	if err != nil {
		panic(err)
	}
	return sub
}

var schemaState struct {
	init   sync.Once
	schema sqlitemigration.Schema
	err    error
}

func loadSchema() sqlitemigration.Schema {
	schemaState.init.Do(func() {
		for i := 1; ; i++ {
			migration, err := fs.ReadFile(sqlFiles(), fmt.Sprintf("schema/%02d.sql", i))
			if errors.Is(err, fs.ErrNotExist) {
				break
			}
			if err != nil {
				schemaState.err = err
				return
			}
			schemaState.schema.Migrations = append(schemaState.schema.Migrations, string(migration))
		}
	})

	if schemaState.err != nil {
		panic(schemaState.err)
	}
	return schemaState.schema
}
