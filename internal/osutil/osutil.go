// Copyright 2025 The Stoke Authors
// SPDX-License-Identifier: MIT

// Package osutil provides convenience functions for working with the local filesystem.
package osutil

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"runtime"
)

// WriteFilePerm writes data to the named file, creating it if necessary,
// and ensuring it has the given permissions (after umask).
func WriteFilePerm(name string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm|0o200)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %v", name, err)
	}
	err = f.Chmod(perm)
	err2 := f.Close()
	if err == nil {
		err = err2
	}
	if err != nil {
		return fmt.Errorf("write %s: %v", name, err)
	}
	return nil
}

// CopyFile copies a regular file from src to dst,
// preserving the executable bit.
// dst must not exist.
func CopyFile(dst, src string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("copy %s: not a regular file", src)
	}
	perm := os.FileMode(0o644)
	if info.Mode()&0o111 != 0 {
		perm |= 0o111
	}
	r, err := os.Open(src)
	if err != nil {
		return err
	}
	defer r.Close()
	w, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	_, err1 := io.Copy(w, r)
	err2 := w.Close()
	if err1 != nil {
		return fmt.Errorf("copy %s: %v", src, err1)
	}
	if err2 != nil {
		return fmt.Errorf("copy %s: %v", src, err2)
	}
	return nil
}

// FirstPresentFile returns the first path in the sequence that exists in the filesystem,
// or an error if no path could be found.
func FirstPresentFile(paths iter.Seq[string]) (string, error) {
	var firstError, firstUnexpectedError error
	for path := range paths {
		_, err := os.Lstat(path)
		switch {
		case err == nil:
			return path, nil
		case !errors.Is(err, os.ErrNotExist):
			if firstUnexpectedError == nil {
				firstUnexpectedError = err
			}
		default:
			if firstError == nil {
				firstError = err
			}
		}
	}
	if firstUnexpectedError != nil {
		return "", firstUnexpectedError
	}
	if firstError == nil {
		firstError = errors.New("no files searched")
	}
	return "", firstError
}

// MakePublicReadOnly removes any write permissions on the filesystem object at the given path
// and adds read permissions for all users.
// If the path names a directory,
// then this applies recursively to any filesystem objects in the directory.
//
// If onError is not nil, it will be used to handle any errors encountered.
// Its return value is handled in the same manner as in [io/fs.WalkDirFunc].
func MakePublicReadOnly(path string, onError func(error) error) error {
	if onError == nil {
		onError = func(err error) error { return err }
	}
	return filepath.WalkDir(path, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return onError(err)
		}
		if entry.Type() == os.ModeSymlink {
			// Chmod on a symlink follows the link.
			return nil
		}

		existingMode := os.FileMode(0o666)
		if runtime.GOOS != "windows" {
			info, err := entry.Info()
			if err != nil {
				return onError(err)
			}
			const permMask = os.ModePerm | os.ModeSetuid | os.ModeSetgid | os.ModeSticky
			existingMode = info.Mode() & permMask
		}

		newMode := (existingMode | 0o444) &^ 0o222 // +r-w
		if entry.IsDir() || existingMode&0o111 != 0 {
			newMode |= 0o111 // +x
		}
		if err := os.Chmod(path, newMode); err != nil {
			return onError(err)
		}
		return nil
	})
}

// MakeWritableAndRemoveAll restores write permission on path and its children
// and then removes the whole tree.
// It is intended for temporary directories whose contents
// may have been frozen by [MakePublicReadOnly].
func MakeWritableAndRemoveAll(path string) error {
	filepath.WalkDir(path, func(path string, entry os.DirEntry, err error) error {
		if err != nil || entry.Type() == os.ModeSymlink {
			return nil
		}
		if entry.IsDir() {
			os.Chmod(path, 0o755)
		}
		return nil
	})
	return os.RemoveAll(path)
}
