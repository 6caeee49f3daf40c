package main

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
)

// Complete verifies the staging file matches the declared size and
// atomically promotes it to its final sandboxed destination. On success
// the metadata record is removed; a second call for the same id fails
// with NotFound. Returns the destination path relative to the root.
func (st *SessionStore) Complete(id string) (string, error) {
	id, err := normalizeId(id)
	if err != nil {
		return "", err
	}

	unlock := st.locks.acquire(id)
	defer unlock()

	sess, err := st.Get(id)
	if err != nil {
		return "", err
	}

	staging := st.stagingPath(id)
	info, err := os.Lstat(staging)
	if err != nil {
		glog.Errorw("staging file missing at completion", "id", id, "err", err)
		return "", ErrCorruptState
	}
	if !info.Mode().IsRegular() {
		return "", ErrCorruptState
	}
	if info.Size() != sess.TotalSize {
		return "", ErrSizeMismatch.withDetail(
			fmt.Sprintf("declared %d bytes, staged %d bytes", sess.TotalSize, info.Size()))
	}

	destDir, err := st.sandbox.Resolve(sess.Dir)
	if err != nil {
		return "", err
	}
	dest := filepath.Join(destDir, sess.Filename)

	// Never promote onto a symlink or a directory that has appeared at
	// the destination since the session was created.
	if existing, err := os.Lstat(dest); err == nil {
		if existing.Mode()&os.ModeSymlink != 0 {
			return "", ErrRefusedOverwrite.withDetail("destination is a symbolic link")
		}
		if existing.IsDir() {
			return "", ErrRefusedOverwrite.withDetail("a directory with that name already exists")
		}
	}

	if err := os.Rename(staging, dest); err != nil {
		glog.Errorw("failed to promote staging file", "id", id, "err", err)
		return "", ErrIOFailure
	}

	// The destination is already correct at this point; a failed record
	// removal is logged but not surfaced.
	if err := st.Remove(id); err != nil {
		glog.Warnw("failed to remove session record after completion", "id", id, "err", err)
	}

	uploadsCompleted.Inc()
	return path.Join(sess.Dir, sess.Filename), nil
}
