package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// UploadSession is the durable metadata record for one resumable upload.
// It is written once at creation and never mutated; progress lives in the
// staging file alone.
type UploadSession struct {
	UploadId  string    `json:"upload_id"`
	Dir       string    `json:"dir"`
	Filename  string    `json:"filename"`
	TotalSize int64     `json:"total_size"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionStore owns the staging directory: metadata records and staging
// files are created, read and removed only through it.
type SessionStore struct {
	sandbox *Sandbox
	dir     string
	maxSize int64
	locks   sessionLocks
}

func NewSessionStore(sandbox *Sandbox, maxSize int64) (*SessionStore, error) {
	dir := sandbox.StagingDir()
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	return &SessionStore{
		sandbox: sandbox,
		dir:     dir,
		maxSize: maxSize,
		locks:   sessionLocks{held: make(map[string]*lockEntry)},
	}, nil
}

// normalizeId validates id as a UUID and returns its canonical textual
// form, which is safe to use as a filesystem name component. Every store
// operation revalidates the id it is given, even on lookup.
func normalizeId(id string) (string, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return "", ErrInvalidId
	}
	return parsed.String(), nil
}

func (st *SessionStore) metaPath(id string) string {
	return filepath.Join(st.dir, id+".json")
}

func (st *SessionStore) stagingPath(id string) string {
	return filepath.Join(st.dir, id+".part")
}

// Create validates the destination and persists a new session record.
// The metadata write is temp-file, fsync, then rename, so a crash leaves
// either a fully formed record or nothing. An id that already has a
// record or staging file is refused; every session starts empty.
func (st *SessionStore) Create(dir, filename string, totalSize int64, requestedId string) (*UploadSession, error) {
	destDir, err := st.sandbox.Resolve(dir)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(destDir)
	if err != nil || !info.IsDir() {
		return nil, ErrInvalidPath.withDetail("destination is not an existing directory")
	}

	safeName := sanitizeFilename(filename)
	if safeName == "" {
		return nil, ErrInvalidPath.withDetail("missing or invalid filename")
	}

	if totalSize <= 0 {
		return nil, ErrInvalidSize
	}
	if totalSize > st.maxSize {
		return nil, ErrQuotaExceeded
	}

	var id string
	if requestedId != "" {
		if id, err = normalizeId(requestedId); err != nil {
			return nil, err
		}
	} else {
		id = uuid.NewString()
	}

	unlock := st.locks.acquire(id)
	defer unlock()

	// A live record or leftover staging data under this id must never be
	// absorbed into a new session: stale bytes would count as received.
	if _, err := os.Lstat(st.metaPath(id)); err == nil {
		return nil, ErrRefusedOverwrite.withDetail("upload id already in use")
	}
	if _, err := os.Lstat(st.stagingPath(id)); err == nil {
		return nil, ErrRefusedOverwrite.withDetail("upload id already in use")
	}

	sess := &UploadSession{
		UploadId:  id,
		Dir:       st.sandbox.RelPath(destDir),
		Filename:  safeName,
		TotalSize: totalSize,
		CreatedAt: time.Now().UTC(),
	}

	if err := st.writeMeta(sess); err != nil {
		glog.Errorw("failed to persist session", "id", id, "err", err)
		return nil, ErrIOFailure
	}

	f, err := os.OpenFile(st.stagingPath(id), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		os.Remove(st.metaPath(id))
		glog.Errorw("failed to create staging file", "id", id, "err", err)
		return nil, ErrIOFailure
	}
	f.Close()

	uploadsInitiated.Inc()
	return sess, nil
}

func (st *SessionStore) writeMeta(sess *UploadSession) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	final := st.metaPath(sess.UploadId)
	tmp := final + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Get loads the metadata record for id.
func (st *SessionStore) Get(id string) (*UploadSession, error) {
	id, err := normalizeId(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(st.metaPath(id))
	if os.IsNotExist(err) {
		return nil, ErrNotFound.withDetail("unknown upload id")
	}
	if err != nil {
		glog.Errorw("failed to read session", "id", id, "err", err)
		return nil, ErrIOFailure
	}
	var sess UploadSession
	if err := json.Unmarshal(data, &sess); err != nil {
		glog.Errorw("corrupt session record", "id", id, "err", err)
		return nil, ErrIOFailure
	}
	return &sess, nil
}

// ReceivedBytes reports the current staging file size for id.
func (st *SessionStore) ReceivedBytes(id string) (int64, error) {
	id, err := normalizeId(id)
	if err != nil {
		return 0, err
	}
	info, err := os.Lstat(st.stagingPath(id))
	if os.IsNotExist(err) {
		return 0, ErrNotFound.withDetail("unknown upload id")
	}
	if err != nil {
		return 0, ErrIOFailure
	}
	if !info.Mode().IsRegular() {
		return 0, ErrCorruptState
	}
	return info.Size(), nil
}

// Remove deletes the metadata record. It fails with NotFound when the
// record is already gone; callers decide whether that matters.
func (st *SessionStore) Remove(id string) error {
	id, err := normalizeId(id)
	if err != nil {
		return err
	}
	err = os.Remove(st.metaPath(id))
	if os.IsNotExist(err) {
		return ErrNotFound.withDetail("unknown upload id")
	}
	if err != nil {
		return ErrIOFailure
	}
	return nil
}

// Count returns the number of session records currently on disk.
func (st *SessionStore) Count() int {
	entries, err := os.ReadDir(st.dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".json") {
			n++
		}
	}
	return n
}

// Sweep removes sessions whose records are older than maxAge, along with
// their staging files and any orphaned staging data.
func (st *SessionStore) Sweep(maxAge time.Duration) {
	entries, err := os.ReadDir(st.dir)
	if err != nil {
		glog.Errorw("failed to read staging dir", "err", err)
		return
	}
	now := time.Now()
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".json"):
			id := strings.TrimSuffix(name, ".json")
			sess, err := st.Get(id)
			if err != nil {
				continue
			}
			if now.Sub(sess.CreatedAt) <= maxAge {
				continue
			}
			unlock := st.locks.acquire(id)
			os.Remove(st.metaPath(id))
			os.Remove(st.stagingPath(id))
			unlock()
			sessionsSwept.Inc()
			glog.Infow("swept expired upload session", "id", id)
		case strings.HasSuffix(name, ".part"):
			// Staging data without a record is an orphan once old enough.
			id := strings.TrimSuffix(name, ".part")
			if _, err := os.Stat(st.metaPath(id)); err == nil {
				continue
			}
			info, err := e.Info()
			if err != nil || now.Sub(info.ModTime()) <= maxAge {
				continue
			}
			if err := os.Remove(filepath.Join(st.dir, name)); err == nil {
				sessionsSwept.Inc()
				glog.Infow("removed orphaned staging file", "name", name)
			}
		}
	}
}

// sessionLocks hands out one exclusive lock per upload id so chunk writes
// and completion for a session never interleave.
type sessionLocks struct {
	mu   sync.Mutex
	held map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (l *sessionLocks) acquire(id string) func() {
	l.mu.Lock()
	e, ok := l.held[id]
	if !ok {
		e = &lockEntry{}
		l.held[id] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.held, id)
		}
		l.mu.Unlock()
	}
}
