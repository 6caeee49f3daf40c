package main

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// stagingDirName is the reserved directory under the root that holds
// in-flight upload sessions. Client-supplied paths may never resolve
// into it.
const stagingDirName = ".filegate-staging"

// Sandbox confines client-supplied relative paths to a single canonical
// root directory. The root is resolved once at construction and never
// changes afterwards.
type Sandbox struct {
	root string
}

func NewSandbox(root string) (*Sandbox, error) {
	if root == "" {
		return nil, errors.New("sandbox root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, err
	}
	canon, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, err
	}
	// Refusing "/" keeps a misconfigured deployment from exposing the
	// whole filesystem.
	if canon == string(filepath.Separator) {
		return nil, errors.New("sandbox root must not be the filesystem root")
	}
	return &Sandbox{root: canon}, nil
}

func (s *Sandbox) Root() string {
	return s.root
}

// StagingDir returns the absolute path of the reserved staging area.
func (s *Sandbox) StagingDir() string {
	return filepath.Join(s.root, stagingDirName)
}

// Resolve turns a client-supplied relative path into a canonical absolute
// path inside the root. Empty input means the root itself. Symlinks in
// every existing component are resolved before the ancestry check, so a
// link pointing outside the root fails even when the lexical path looks
// safe. The final component may be missing (upload and mkdir targets);
// all intermediate components must exist.
func (s *Sandbox) Resolve(rel string) (string, error) {
	rel = strings.TrimLeft(rel, "/\\")
	// Join cleans the result, so ".." segments climb past the root
	// lexically and get caught by the ancestry check below instead of
	// being silently clamped.
	joined := filepath.Join(s.root, filepath.FromSlash(rel))

	canon, err := filepath.EvalSymlinks(joined)
	if err != nil {
		if !os.IsNotExist(err) {
			return "", ErrInvalidPath
		}
		// Allow a missing final component, but its parent chain must
		// exist and resolve inside the root.
		parent, err := filepath.EvalSymlinks(filepath.Dir(joined))
		if err != nil {
			return "", ErrInvalidPath
		}
		canon = filepath.Join(parent, filepath.Base(joined))
	}

	if err := s.contains(canon); err != nil {
		return "", err
	}
	return canon, nil
}

// contains checks that canon is the root or a descendant of it, by
// structural comparison on the canonical path. A plain string-prefix check
// would let a sibling like /data-evil pass for root /data.
func (s *Sandbox) contains(canon string) error {
	within, err := filepath.Rel(s.root, canon)
	if err != nil || within == ".." || strings.HasPrefix(within, ".."+string(filepath.Separator)) {
		return ErrInvalidPath
	}
	// The staging area is owned by the session store.
	if within == stagingDirName || strings.HasPrefix(within, stagingDirName+string(filepath.Separator)) {
		return ErrInvalidPath
	}
	return nil
}

// RelPath reports abs relative to the root with forward slashes, or ""
// for the root itself. abs must already be sandboxed.
func (s *Sandbox) RelPath(abs string) string {
	rel, err := filepath.Rel(s.root, abs)
	if err != nil || rel == "." {
		return ""
	}
	return filepath.ToSlash(rel)
}
