package httpapi

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"sheetvault/internal/sv"
)

const uploadFormField = "file"

func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	state := s.gate.State()
	status := http.StatusOK
	if state != sv.GateReady {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"status": state.String()})
}

// handleUpload streams the first "file" part straight into the service
// without buffering the multipart body.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	requester := mustRequester(r)

	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, s.logger, &sv.ValidationError{Field: uploadFormField, Reason: "multipart body required"})
		return
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			writeError(w, s.logger, &sv.ValidationError{Field: uploadFormField, Reason: "required"})
			return
		}
		if err != nil {
			writeError(w, s.logger, &sv.ValidationError{Field: uploadFormField, Reason: err.Error()})
			return
		}
		if part.FormName() != uploadFormField {
			part.Close()
			continue
		}

		record, err := s.service.Upload(r.Context(), sv.UploadRequest{
			OwnerID:     requester.ID,
			Name:        part.FileName(),
			ContentType: part.Header.Get("Content-Type"),
			Body:        part,
		})
		part.Close()
		if err != nil {
			writeError(w, s.logger, err)
			return
		}
		s.metrics.observeUpload(record)
		writeJSON(w, http.StatusCreated, newUploadResponse(record))
		return
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	requester := mustRequester(r)
	records, err := s.scope(requester).List(r.Context(), requester, r.URL.Query().Get("owner"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newListResponse(records))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	requester := mustRequester(r)
	record, err := s.scope(requester).GetOne(r.Context(), requester, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newUploadResponse(record))
}

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	requester := mustRequester(r)
	download, err := s.scope(requester).Read(r.Context(), requester, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	defer download.Body.Close()

	contentType := download.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": download.Filename}))
	if download.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(download.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, download.Body); err != nil {
		// Headers are gone; the client sees a short body.
		s.logger.Warn("streaming upload content failed", "record_id", chi.URLParam(r, "id"), "error", err)
	}
}

func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	requester := mustRequester(r)
	preview, err := s.scope(requester).ParsedData(r.Context(), requester, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	rows := preview.Rows
	if rows == nil {
		rows = []sv.Row{}
	}
	writeJSON(w, http.StatusOK, dataResponse{Columns: preview.Columns, Rows: rows, TotalRows: preview.TotalRows})
}

func (s *Server) handleInsight(w http.ResponseWriter, r *http.Request) {
	requester := mustRequester(r)
	refresh, err := queryBool(r, "refresh")
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	record, err := s.scope(requester).GenerateInsight(r.Context(), requester, chi.URLParam(r, "id"), refresh)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, insightResponse{RecordID: record.ID, InsightText: record.InsightText})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	requester := mustRequester(r)
	result, err := s.scope(requester).Remove(r.Context(), requester, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	s.metrics.observeDelete(result)
	writeJSON(w, http.StatusOK, newDeleteResponse(result))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	requester := mustRequester(r)
	stats, err := s.scope(requester).Stats(r.Context(), requester, r.URL.Query().Get("owner"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{OwnerID: stats.OwnerID, Active: stats.Active, Total: stats.Total})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	requester := mustRequester(r)
	purge, err := queryBool(r, "purge")
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	report, err := s.scope(requester).Reconcile(r.Context(), requester, r.URL.Query().Get("owner"), purge)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if !report.Clean() {
		s.logger.Warn("reconcile found disagreements",
			"owner_id", report.OwnerID, "orphaned", len(report.Orphaned),
			"missing", len(report.Missing), "lingering", len(report.Lingering), "purged", report.Purged)
	}
	writeJSON(w, http.StatusOK, newReconcileResponse(report))
}

// handleNotifications subscribes the caller to their own channel, and admins
// to the admin channel as well.
func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	if s.subscriber == nil {
		writeProblem(w, http.StatusNotFound, "not_found", "notifications are disabled")
		return
	}
	requester := mustRequester(r)
	channels := []string{sv.OwnerChannel(requester.ID)}
	if requester.Role.Privileged() {
		channels = append(channels, sv.AdminChannel)
	}
	if err := s.subscriber.ServeWS(w, r, channels); err != nil {
		s.logger.Debug("websocket session ended", "requester_id", requester.ID, "error", err)
	}
}

func mustRequester(r *http.Request) sv.Requester {
	requester, ok := RequesterFrom(r.Context())
	if !ok {
		panic("httpapi: handler reached without an authenticated requester")
	}
	return requester
}

func queryBool(r *http.Request, name string) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, &sv.ValidationError{Field: name, Reason: "must be a boolean"}
	}
	return v, nil
}
