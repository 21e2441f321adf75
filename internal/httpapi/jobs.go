package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"inferq/internal/jobs"
	"inferq/pkg/types"
)

func submitHandler(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ct := r.Header.Get("Content-Type")
		if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
			writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		var req types.SubmitRequest
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			// Oversized bodies land here too; 400 avoids leaking the limit.
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		ctx, cancel := requestContext(r)
		defer cancel()
		j, err := svc.Submit(ctx, descriptorFrom(req))
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Location", "/jobs/"+j.ID)
		writeJSON(w, http.StatusAccepted, jobResponse(j))
	}
}

func getHandler(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := requestContext(r)
		defer cancel()
		j, err := svc.Job(ctx, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, jobResponse(j))
	}
}

func cancelHandler(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := requestContext(r)
		defer cancel()
		j, err := svc.Cancel(ctx, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, jobResponse(j))
	}
}

func listHandler(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		var status jobs.Status
		if s := q.Get("status"); s != "" {
			st, err := jobs.ParseStatus(s)
			if err != nil {
				writeJSONError(w, http.StatusBadRequest, err.Error())
				return
			}
			status = st
		}
		limit := defaultListLimit
		if s := q.Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 {
				writeJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = min(n, maxListLimit)
		}
		ctx, cancel := requestContext(r)
		defer cancel()
		list, err := svc.Jobs(ctx, status, limit)
		if err != nil {
			writeError(w, err)
			return
		}
		resp := types.JobsResponse{Jobs: make([]types.JobResponse, 0, len(list))}
		for _, j := range list {
			resp.Jobs = append(resp.Jobs, jobResponse(j))
		}
		resp.Count = len(resp.Jobs)
		writeJSON(w, http.StatusOK, resp)
	}
}

func descriptorFrom(req types.SubmitRequest) jobs.Descriptor {
	return jobs.Descriptor{
		InputRef:        strings.TrimSpace(req.InputRef),
		Artifact:        strings.TrimSpace(req.Artifact),
		EstimatedMemory: req.EstimatedMemory,
		Priority:        req.Priority,
		Params:          req.Params,
	}
}

func jobResponse(j *jobs.Job) types.JobResponse {
	return types.JobResponse{
		ID:              j.ID,
		Status:          string(j.Status),
		RetryCount:      j.RetryCount,
		InputRef:        j.InputRef,
		Artifact:        j.Artifact,
		EstimatedMemory: j.EstimatedMemory,
		Priority:        j.Priority,
		Params:          j.Params,
		ResultRef:       j.ResultRef,
		Error:           j.Error,
		ElapsedMs:       j.ElapsedMs,
		CreatedAt:       j.CreatedAt,
		UpdatedAt:       j.UpdatedAt,
		StartedAt:       j.StartedAt,
		CompletedAt:     j.CompletedAt,
		AvailableAt:     j.AvailableAt,
	}
}
