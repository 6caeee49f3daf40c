package main

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/google/uuid"
)

func setupTest(t *testing.T) {
	t.Helper()
	config.MaxUploadBytes = defaultMaxUploadBytes
	var err error
	sandbox, err = NewSandbox(t.TempDir())
	if err != nil {
		t.Fatalf("NewSandbox: %v", err)
	}
	sessions, err = NewSessionStore(sandbox, config.MaxUploadBytes)
	if err != nil {
		t.Fatalf("NewSessionStore: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(sandbox.Root(), "docs"), 0755); err != nil {
		t.Fatal(err)
	}
}

func TestCreate_Success(t *testing.T) {
	setupTest(t)

	sess, err := sessions.Create("docs", "a.txt", 10, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := uuid.Parse(sess.UploadId); err != nil {
		t.Errorf("generated id %q is not a UUID", sess.UploadId)
	}
	if sess.Dir != "docs" || sess.Filename != "a.txt" || sess.TotalSize != 10 {
		t.Errorf("unexpected session: %+v", sess)
	}

	// Record and staging file both exist with owner-only permissions.
	metaInfo, err := os.Stat(sessions.metaPath(sess.UploadId))
	if err != nil {
		t.Fatalf("metadata not persisted: %v", err)
	}
	stagingInfo, err := os.Stat(sessions.stagingPath(sess.UploadId))
	if err != nil {
		t.Fatalf("staging file not created: %v", err)
	}
	if stagingInfo.Size() != 0 {
		t.Errorf("staging file not empty: %d bytes", stagingInfo.Size())
	}
	if runtime.GOOS != "windows" {
		if perm := metaInfo.Mode().Perm(); perm != 0600 {
			t.Errorf("metadata perm = %o, want 0600", perm)
		}
		if perm := stagingInfo.Mode().Perm(); perm != 0600 {
			t.Errorf("staging perm = %o, want 0600", perm)
		}
	}
}

func TestCreate_SanitizesFilename(t *testing.T) {
	setupTest(t)

	sess, err := sessions.Create("docs", "../../etc/passwd", 10, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sess.Filename != "passwd" {
		t.Errorf("filename = %q, want passwd", sess.Filename)
	}
	if sess.Dir != "docs" {
		t.Errorf("dir = %q, want docs", sess.Dir)
	}
}

func TestCreate_Validation(t *testing.T) {
	setupTest(t)

	tests := []struct {
		name      string
		dir       string
		filename  string
		totalSize int64
		id        string
		wantErr   Error
	}{
		{"MissingDir", "nope", "a.txt", 10, "", ErrInvalidPath},
		{"TraversalDir", "../outside", "a.txt", 10, "", ErrInvalidPath},
		{"EmptyFilename", "docs", "", 10, "", ErrInvalidPath},
		{"UnsafeFilename", "docs", "..", 10, "", ErrInvalidPath},
		{"ZeroSize", "docs", "a.txt", 0, "", ErrInvalidSize},
		{"NegativeSize", "docs", "a.txt", -1, "", ErrInvalidSize},
		{"OverQuota", "docs", "a.txt", config.MaxUploadBytes + 1, "", ErrQuotaExceeded},
		{"BadId", "docs", "a.txt", 10, "not-a-uuid", ErrInvalidId},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := sessions.Create(tt.dir, tt.filename, tt.totalSize, tt.id)
			assertErrKind(t, err, tt.wantErr)
		})
	}
}

func TestCreate_AcceptsExactlyMax(t *testing.T) {
	setupTest(t)

	if _, err := sessions.Create("docs", "a.txt", config.MaxUploadBytes, ""); err != nil {
		t.Fatalf("Create at exactly the maximum: %v", err)
	}
}

func TestCreate_RequestedId(t *testing.T) {
	setupTest(t)

	requested := "AE0B5E98-2D9E-4BBF-9C0A-1F35D5AD8C11"
	sess, err := sessions.Create("docs", "a.txt", 10, requested)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	// Ids are stored in canonical lowercase form.
	if sess.UploadId != "ae0b5e98-2d9e-4bbf-9c0a-1f35d5ad8c11" {
		t.Errorf("id = %q, want canonical form", sess.UploadId)
	}
}

func TestCreate_ReusedIdRefused(t *testing.T) {
	setupTest(t)

	id := uuid.NewString()
	if _, err := sessions.Create("docs", "old.bin", 10, id); err != nil {
		t.Fatal(err)
	}
	if _, err := sessions.WriteChunk(id, 0, bytes.NewReader([]byte("0123456789"))); err != nil {
		t.Fatal(err)
	}

	_, err := sessions.Create("docs", "new.bin", 10, id)
	assertErrKind(t, err, ErrRefusedOverwrite)

	// The live session is untouched: same record, same staged bytes.
	sess, err := sessions.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if sess.Filename != "old.bin" {
		t.Errorf("record overwritten: filename = %q", sess.Filename)
	}
	received, err := sessions.ReceivedBytes(id)
	if err != nil {
		t.Fatal(err)
	}
	if received != 10 {
		t.Errorf("received = %d, want 10", received)
	}
}

func TestCreate_OrphanedStagingRefused(t *testing.T) {
	setupTest(t)

	// A staging file whose record is gone still blocks the id: a new
	// session must never start with someone else's bytes on disk.
	id := uuid.NewString()
	if _, err := sessions.Create("docs", "old.bin", 10, id); err != nil {
		t.Fatal(err)
	}
	if _, err := sessions.WriteChunk(id, 0, bytes.NewReader([]byte("stale"))); err != nil {
		t.Fatal(err)
	}
	if err := sessions.Remove(id); err != nil {
		t.Fatal(err)
	}

	_, err := sessions.Create("docs", "new.bin", 10, id)
	assertErrKind(t, err, ErrRefusedOverwrite)
}

func TestCreate_FileAsDir(t *testing.T) {
	setupTest(t)
	os.WriteFile(filepath.Join(sandbox.Root(), "plain.txt"), []byte("x"), 0644)

	_, err := sessions.Create("plain.txt", "a.txt", 10, "")
	assertErrKind(t, err, ErrInvalidPath)
}

func TestGet(t *testing.T) {
	setupTest(t)

	sess, err := sessions.Create("docs", "a.txt", 10, "")
	if err != nil {
		t.Fatal(err)
	}

	got, err := sessions.Get(sess.UploadId)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.UploadId != sess.UploadId || got.TotalSize != 10 {
		t.Errorf("unexpected session: %+v", got)
	}

	_, err = sessions.Get(uuid.NewString())
	assertErrKind(t, err, ErrNotFound)

	// Lookup revalidates the id before touching the filesystem.
	_, err = sessions.Get("../../etc/passwd")
	assertErrKind(t, err, ErrInvalidId)
}

func TestRemove(t *testing.T) {
	setupTest(t)

	sess, err := sessions.Create("docs", "a.txt", 10, "")
	if err != nil {
		t.Fatal(err)
	}

	if err := sessions.Remove(sess.UploadId); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	assertErrKind(t, sessions.Remove(sess.UploadId), ErrNotFound)
}

func TestSweep(t *testing.T) {
	setupTest(t)

	old, err := sessions.Create("docs", "old.txt", 10, "")
	if err != nil {
		t.Fatal(err)
	}
	fresh, err := sessions.Create("docs", "fresh.txt", 10, "")
	if err != nil {
		t.Fatal(err)
	}

	// Age the first record by rewriting it with an old timestamp.
	aged := *old
	aged.CreatedAt = time.Now().Add(-48 * time.Hour)
	if err := sessions.writeMeta(&aged); err != nil {
		t.Fatal(err)
	}

	sessions.Sweep(24 * time.Hour)

	if _, err := sessions.Get(old.UploadId); err == nil {
		t.Error("expired session survived the sweep")
	}
	if _, err := os.Lstat(sessions.stagingPath(old.UploadId)); !os.IsNotExist(err) {
		t.Error("expired staging file survived the sweep")
	}
	if _, err := sessions.Get(fresh.UploadId); err != nil {
		t.Errorf("fresh session was swept: %v", err)
	}
}

func TestSweep_OrphanedStaging(t *testing.T) {
	setupTest(t)

	orphan := filepath.Join(sessions.dir, uuid.NewString()+".part")
	if err := os.WriteFile(orphan, []byte("data"), 0600); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-48 * time.Hour)
	os.Chtimes(orphan, old, old)

	sessions.Sweep(24 * time.Hour)

	if _, err := os.Lstat(orphan); !os.IsNotExist(err) {
		t.Error("orphaned staging file survived the sweep")
	}
}

func TestCount(t *testing.T) {
	setupTest(t)

	if n := sessions.Count(); n != 0 {
		t.Fatalf("Count = %d, want 0", n)
	}
	if _, err := sessions.Create("docs", "a.txt", 10, ""); err != nil {
		t.Fatal(err)
	}
	if n := sessions.Count(); n != 1 {
		t.Fatalf("Count = %d, want 1", n)
	}
}
