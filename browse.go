package main

import (
	"archive/tar"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type dirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"isDir"`
	Size  int64  `json:"size"`
	Mtime int64  `json:"mtime"`
}

// handleList returns a directory listing, directories first, then
// case-insensitive by name.
// GET /api/list?path=...
func handleList(w http.ResponseWriter, r *http.Request) {
	target, err := sandbox.Resolve(r.URL.Query().Get("path"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	info, err := os.Stat(target)
	if os.IsNotExist(err) {
		writeError(w, r, ErrNotFound.withDetail("path not found"))
		return
	}
	if err != nil {
		writeError(w, r, ErrIOFailure)
		return
	}
	if !info.IsDir() {
		writeError(w, r, ErrInvalidPath.withDetail("path is not a directory"))
		return
	}

	entries, err := os.ReadDir(target)
	if err != nil {
		writeError(w, r, ErrIOFailure)
		return
	}

	items := make([]dirEntry, 0, len(entries))
	for _, e := range entries {
		if target == sandbox.Root() && e.Name() == stagingDirName {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		item := dirEntry{Name: e.Name(), IsDir: e.IsDir(), Mtime: fi.ModTime().Unix()}
		if !e.IsDir() {
			item.Size = fi.Size()
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].IsDir != items[j].IsDir {
			return items[i].IsDir
		}
		return strings.ToLower(items[i].Name) < strings.ToLower(items[j].Name)
	})

	writeJSON(w, map[string]interface{}{
		"cwd":   sandbox.RelPath(target),
		"items": items,
	})
}

// handleDownload serves a single sandboxed file as an attachment.
// GET /api/download?path=...
func handleDownload(w http.ResponseWriter, r *http.Request) {
	target, err := sandbox.Resolve(r.URL.Query().Get("path"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	f, err := os.Open(target)
	if os.IsNotExist(err) {
		writeError(w, r, ErrNotFound.withDetail("file not found"))
		return
	}
	if err != nil {
		writeError(w, r, ErrIOFailure)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		writeError(w, r, ErrNotFound.withDetail("file not found"))
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(target)))
	http.ServeContent(w, r, filepath.Base(target), info.ModTime(), f)
	downloadsServed.Inc()
	glog.Debugw("download served", "path", sandbox.RelPath(target), "bytes", info.Size())
}

// handleArchive streams a sandboxed directory as a tar archive.
// GET /api/archive?path=...
func handleArchive(w http.ResponseWriter, r *http.Request) {
	walkRoot, err := sandbox.Resolve(r.URL.Query().Get("path"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if info, err := os.Stat(walkRoot); err != nil || !info.IsDir() {
		writeError(w, r, ErrNotFound.withDetail("path not found"))
		return
	}

	name := filepath.Base(walkRoot)
	if walkRoot == sandbox.Root() {
		name = "root"
	}
	w.Header().Set("Content-Type", "application/x-tar")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s.tar\"", name))

	tw := tar.NewWriter(w)
	defer tw.Close()

	err = filepath.WalkDir(walkRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if filepath.Base(path) == stagingDirName {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		relPath, err := filepath.Rel(walkRoot, path)
		if err != nil {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			glog.Warnw("failed to create tar header", "path", relPath, "err", err)
			return nil
		}
		header.Name = filepath.ToSlash(relPath)

		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			glog.Warnw("failed to open file for archive", "path", relPath, "err", err)
			return nil
		}
		if _, err := io.Copy(tw, f); err != nil {
			f.Close()
			return err
		}
		f.Close()
		return nil
	})
	if err != nil {
		// Headers are gone already; all we can do is log.
		glog.Errorw("archive walk failed", "path", sandbox.RelPath(walkRoot), "err", err)
	}
}

// handleUpload receives one or more whole files in a single multipart
// request and writes each into the target directory via a temp file and
// an atomic rename.
// POST /api/upload?path=...
func handleUpload(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	targetDir, err := sandbox.Resolve(r.URL.Query().Get("path"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if info, err := os.Stat(targetDir); err != nil || !info.IsDir() {
		writeError(w, r, ErrNotFound.withDetail("target path not found"))
		return
	}

	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, r, ErrBadRequest.withDetail("expected multipart body"))
		return
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			writeError(w, r, ErrIOFailure)
			return
		}
		if part.FileName() == "" {
			part.Close()
			continue
		}

		name := sanitizeFilename(part.FileName())
		if name == "" {
			part.Close()
			writeError(w, r, ErrInvalidPath.withDetail("missing or invalid filename"))
			return
		}
		if err := writeUploadedFile(targetDir, name, part); err != nil {
			part.Close()
			writeError(w, r, err)
			return
		}
		part.Close()
		glog.Infow("file uploaded", "dir", sandbox.RelPath(targetDir), "name", name)
	}

	writeJSON(w, map[string]bool{"ok": true})
}

func writeUploadedFile(dir, name string, r io.Reader) error {
	dest := filepath.Join(dir, name)
	if existing, err := os.Lstat(dest); err == nil {
		if existing.Mode()&os.ModeSymlink != 0 {
			return ErrRefusedOverwrite.withDetail("destination is a symbolic link")
		}
		if existing.IsDir() {
			return ErrRefusedOverwrite.withDetail(fmt.Sprintf("a directory named %s already exists", name))
		}
	}

	tmp := dest + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return ErrIOFailure
	}
	written, err := io.Copy(f, io.LimitReader(r, config.MaxUploadBytes+1))
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return ErrIOFailure
	}
	if written > config.MaxUploadBytes {
		f.Close()
		os.Remove(tmp)
		return ErrQuotaExceeded
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return ErrIOFailure
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return ErrIOFailure
	}
	return nil
}

type nameRequest struct {
	Path string `json:"path"`
	Name string `json:"name"`
}

// handleMkdir creates a single directory under an existing parent.
// POST /api/mkdir
func handleMkdir(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req nameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, ErrBadRequest)
		return
	}
	name := sanitizeFilename(req.Name)
	if name == "" {
		writeError(w, r, ErrInvalidPath.withDetail("missing or invalid name"))
		return
	}

	parent, err := sandbox.Resolve(req.Path)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if info, err := os.Stat(parent); err != nil || !info.IsDir() {
		writeError(w, r, ErrInvalidPath.withDetail("parent directory invalid"))
		return
	}

	if err := os.Mkdir(filepath.Join(parent, name), 0755); err != nil {
		if os.IsExist(err) {
			writeError(w, r, ErrRefusedOverwrite.withDetail("already exists"))
			return
		}
		writeError(w, r, ErrIOFailure)
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

// handleRename renames an entry within one sandboxed directory.
// POST /api/rename
func handleRename(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req struct {
		Path    string `json:"path"`
		OldName string `json:"oldName"`
		NewName string `json:"newName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, ErrBadRequest)
		return
	}
	oldName := sanitizeFilename(req.OldName)
	newName := sanitizeFilename(req.NewName)
	if oldName == "" || newName == "" {
		writeError(w, r, ErrInvalidPath.withDetail("missing oldName or newName"))
		return
	}

	parent, err := sandbox.Resolve(req.Path)
	if err != nil {
		writeError(w, r, err)
		return
	}
	source := filepath.Join(parent, oldName)
	if _, err := os.Lstat(source); err != nil {
		writeError(w, r, ErrNotFound.withDetail("source not found"))
		return
	}
	dest := filepath.Join(parent, newName)
	if _, err := os.Lstat(dest); err == nil {
		writeError(w, r, ErrRefusedOverwrite.withDetail("destination already exists"))
		return
	}

	if err := os.Rename(source, dest); err != nil {
		writeError(w, r, ErrIOFailure)
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

// handleDelete removes a file, or a directory only when it is empty.
// POST /api/delete
func handleDelete(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req nameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, ErrBadRequest)
		return
	}
	name := sanitizeFilename(req.Name)
	if name == "" {
		writeError(w, r, ErrInvalidPath.withDetail("missing or invalid name"))
		return
	}

	parent, err := sandbox.Resolve(req.Path)
	if err != nil {
		writeError(w, r, err)
		return
	}
	target := filepath.Join(parent, name)
	info, err := os.Lstat(target)
	if err != nil {
		writeError(w, r, ErrNotFound.withDetail("target not found"))
		return
	}

	if info.IsDir() {
		if err := os.Remove(target); err != nil {
			writeError(w, r, ErrInvalidPath.withDetail("directory not empty"))
			return
		}
	} else if err := os.Remove(target); err != nil {
		writeError(w, r, ErrIOFailure)
		return
	}

	glog.Infow("deleted", "dir", sandbox.RelPath(parent), "name", name, "was_dir", info.IsDir())
	writeJSON(w, map[string]bool{"ok": true})
}
