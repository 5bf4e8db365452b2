package netapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"saltapi/internal/client"
	"saltapi/internal/jobcache"
	"saltapi/pkg/model"
	"saltapi/pkg/store"
)

const maxBodyBytes = 4 << 20

// response salt-api 统一的返回格式
type response struct {
	Return  any      `json:"return"`
	Info    any      `json:"info,omitempty"`
	Clients []string `json:"clients,omitempty"`
}

type errorResponse struct {
	Status int    `json:"status"`
	Return string `json:"return"`
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, response{Return: "Welcome", Clients: []string{ClientLocal}})
}

// handleLowstate POST /，按顺序执行每个 chunk
func (s *Server) handleLowstate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	chunks, err := decodeLowstate(body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	results := make([]any, 0, len(chunks))
	for _, chunk := range chunks {
		req, err := chunk.cmdRequest()
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		res, err := s.dispatcher.Cmd(r.Context(), req)
		if err != nil {
			status := statusFor(err)
			if status == http.StatusInternalServerError {
				s.logger.Error("local client failed", "tgt", req.Tgt, "fun", req.Fun.String(), "error", err)
			}
			s.writeError(w, status, err.Error())
			return
		}
		s.cacheResult(r, req, chunk.Username, res)
		results = append(results, res)
	}

	respondJSON(w, http.StatusOK, response{Return: results})
}

// cacheResult 写缓存失败只记日志
func (s *Server) cacheResult(r *http.Request, req client.CmdRequest, user string, res *client.Result) {
	if s.cache == nil || res.JID == "" {
		return
	}
	ctx := r.Context()
	job := &model.Job{
		JID:       res.JID,
		Tgt:       req.Tgt,
		TgtType:   req.TgtType,
		Fun:       req.Fun,
		Arg:       req.Arg,
		Ret:       req.Ret,
		Minions:   res.Minions,
		CreatedAt: time.Now().UTC(),
	}
	if job.TgtType == "" {
		job.TgtType = model.TgtGlob
	}
	if err := s.cache.SaveJob(ctx, job, user); err != nil {
		s.logger.Warn("failed to cache job", "jid", res.JID, "error", err)
		return
	}
	if !res.OK() {
		return
	}
	if err := s.cache.SaveResult(ctx, res.JID, res.Returns); err != nil {
		s.logger.Warn("failed to cache returns", "jid", res.JID, "error", err)
	}
}

// handleMinions GET /minions[/{mid}]，返回 {id: grains}
func (s *Server) handleMinions(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.nodes.ListNodes(r.Context())
	if err != nil {
		s.logger.Error("failed to list minions", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list minions")
		return
	}

	mid := chi.URLParam(r, "mid")
	out := make(map[string]any)
	for _, n := range nodes {
		if mid != "" && n.ID != mid {
			continue
		}
		grains := n.Grains
		if grains == nil {
			grains = map[string]any{}
		}
		out[n.ID] = grains
	}
	if mid != "" && len(out) == 0 {
		s.writeError(w, http.StatusNotFound, "minion "+mid+" not found")
		return
	}
	respondJSON(w, http.StatusOK, response{Return: []any{out}})
}

// handleListJobs GET /jobs?limit=N
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		s.writeError(w, http.StatusNotImplemented, "job cache is disabled")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	jobs, err := s.cache.ListJobs(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	out := make(map[string]*jobcache.Job, len(jobs))
	for _, job := range jobs {
		out[job.JID] = job
	}
	respondJSON(w, http.StatusOK, response{Return: []any{out}})
}

// handleGetJob GET /jobs/{jid}，return 是各 minion 的结果，info 是任务本身
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		s.writeError(w, http.StatusNotImplemented, "job cache is disabled")
		return
	}
	jid := chi.URLParam(r, "jid")
	job, err := s.cache.GetJob(r.Context(), jid)
	if errors.Is(err, jobcache.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "jid "+jid+" not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to load job", "jid", jid, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	respondJSON(w, http.StatusOK, response{Return: []any{job.Result}, Info: []any{job}})
}

// statusFor 认证失败 401，参数/目标问题 400，其余 500
func statusFor(err error) int {
	switch {
	case errors.Is(err, client.ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, client.ErrArgMismatch),
		errors.Is(err, client.ErrInvalidFun),
		errors.Is(err, store.ErrUnsupportedMatch),
		errors.Is(err, store.ErrInvalidTarget),
		errors.Is(err, store.ErrJIDExists),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorResponse{Status: status, Return: message})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
