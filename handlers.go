package main

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"
)

var (
	sandbox  *Sandbox
	sessions *SessionStore
)

type initRequest struct {
	Path      string `json:"path"`
	Filename  string `json:"filename"`
	TotalSize int64  `json:"totalSize"`
	UploadId  string `json:"uploadId,omitempty"`
}

// handleUploadInit creates a resumable upload session.
// POST /api/upload/init
func handleUploadInit(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req initRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, ErrBadRequest)
		return
	}

	sess, err := sessions.Create(req.Path, req.Filename, req.TotalSize, req.UploadId)
	if err != nil {
		writeError(w, r, err)
		return
	}

	glog.Infow("upload session created", "id", sess.UploadId, "dir", sess.Dir,
		"filename", sess.Filename, "total_size", sess.TotalSize)
	writeJSON(w, map[string]string{"uploadId": sess.UploadId})
}

// handleUploadChunk streams one chunk into a session's staging file.
// POST /api/upload/chunk, multipart fields: uploadId, offset, chunk.
// The chunk part is written as it arrives; field parts must precede it.
func handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, r, ErrBadRequest.withDetail("expected multipart body"))
		return
	}

	var (
		uploadId string
		offset   = int64(-1)
		received int64
		wrote    bool
	)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			writeError(w, r, ErrIOFailure)
			return
		}

		switch part.FormName() {
		case "uploadId":
			v, err := io.ReadAll(io.LimitReader(part, 128))
			if err != nil {
				writeError(w, r, ErrIOFailure)
				return
			}
			uploadId = string(v)
		case "offset":
			v, err := io.ReadAll(io.LimitReader(part, 32))
			if err != nil {
				writeError(w, r, ErrIOFailure)
				return
			}
			offset, err = strconv.ParseInt(string(v), 10, 64)
			if err != nil {
				writeError(w, r, ErrInvalidOffset)
				return
			}
		case "chunk":
			if uploadId == "" || offset < 0 {
				writeError(w, r, ErrBadRequest.withDetail("uploadId and offset must precede the chunk"))
				return
			}
			start := time.Now()
			received, err = sessions.WriteChunk(uploadId, offset, part)
			if err != nil {
				part.Close()
				writeError(w, r, err)
				return
			}
			wrote = true
			glog.Debugw("chunk written", "id", uploadId, "offset", offset,
				"received", received, "took", time.Since(start))
		}
		part.Close()
	}

	if !wrote {
		writeError(w, r, ErrBadRequest.withDetail("missing chunk part"))
		return
	}
	writeJSON(w, map[string]interface{}{"ok": true, "received": received})
}

// handleUploadStatus reports progress for a session.
// GET /api/upload/status?uploadId=...
func handleUploadStatus(w http.ResponseWriter, r *http.Request) {
	uploadId := r.URL.Query().Get("uploadId")

	sess, err := sessions.Get(uploadId)
	if err != nil {
		writeError(w, r, err)
		return
	}
	received, err := sessions.ReceivedBytes(uploadId)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, map[string]interface{}{
		"uploadId":  sess.UploadId,
		"received":  received,
		"totalSize": sess.TotalSize,
	})
}

// handleUploadComplete promotes a finished upload to its destination.
// POST /api/upload/complete
func handleUploadComplete(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req struct {
		UploadId string `json:"uploadId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, ErrBadRequest)
		return
	}

	dest, err := sessions.Complete(req.UploadId)
	if err != nil {
		writeError(w, r, err)
		return
	}

	glog.Infow("upload completed", "id", req.UploadId, "dest", dest)
	writeJSON(w, map[string]interface{}{"ok": true, "path": dest})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
