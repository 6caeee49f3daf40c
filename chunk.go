package main

import (
	"io"
	"os"
)

// WriteChunk writes the bytes from r into the session's staging file at
// the given offset and forces them to durable storage before returning
// the resulting file size. Writes at overlapping offsets overwrite in
// place; writes past the current end extend the file, with any skipped
// range left to the filesystem (zero-filled on the platforms we run on).
// The staging file never grows past the session's declared size: an
// offset at or past it, or a chunk extending past it, is rejected.
// Coverage of [0, totalSize) is the client's responsibility.
func (st *SessionStore) WriteChunk(id string, offset int64, r io.Reader) (int64, error) {
	id, err := normalizeId(id)
	if err != nil {
		return 0, err
	}
	if offset < 0 {
		return 0, ErrInvalidOffset
	}
	sess, err := st.Get(id)
	if err != nil {
		return 0, err
	}
	if offset >= sess.TotalSize {
		return 0, ErrInvalidOffset.withDetail("offset is past the declared size")
	}

	unlock := st.locks.acquire(id)
	defer unlock()

	path := st.stagingPath(id)
	// Lstat, not Stat: a staging path swapped for a symlink between calls
	// must be rejected, not followed.
	info, err := os.Lstat(path)
	if err != nil {
		glog.Errorw("staging file missing for live session", "id", id, "err", err)
		return 0, ErrCorruptState
	}
	if !info.Mode().IsRegular() {
		glog.Errorw("staging file is not a regular file", "id", id, "mode", info.Mode().String())
		return 0, ErrCorruptState
	}

	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		glog.Errorw("failed to open staging file", "id", id, "err", err)
		return 0, ErrIOFailure
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		glog.Errorw("failed to seek staging file", "id", id, "offset", offset, "err", err)
		return 0, ErrIOFailure
	}
	// One byte past the remaining budget distinguishes an exact fit from
	// a chunk that overruns the declared size.
	budget := sess.TotalSize - offset
	written, err := io.Copy(f, io.LimitReader(r, budget+1))
	if err != nil {
		glog.Errorw("chunk write failed", "id", id, "offset", offset, "err", err)
		return 0, ErrIOFailure
	}
	if written > budget {
		f.Truncate(sess.TotalSize)
		return 0, ErrInvalidSize.withDetail("chunk extends past the declared size")
	}
	if err := f.Sync(); err != nil {
		glog.Errorw("chunk sync failed", "id", id, "offset", offset, "err", err)
		return 0, ErrIOFailure
	}

	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, ErrIOFailure
	}

	chunksWritten.Inc()
	chunkBytes.Add(float64(written))
	return size, nil
}
