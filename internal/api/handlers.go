package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"AgentPay-Chain/internal/auth"
	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/orchestrator"
	"AgentPay-Chain/internal/task"
	"AgentPay-Chain/internal/workflow"
)

const maxBodyBytes = 1 << 20

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "编排器未初始化"))
		return
	}
	var input workflow.Input
	if err := decodeBody(r, &input); err != nil {
		writeError(w, err)
		return
	}
	if err := auth.CheckAgent(r.Context(), input.AgentID); err != nil {
		writeError(w, err)
		return
	}
	var opts []orchestrator.ExecuteOption
	if queryBool(r, "no_retry") {
		opts = append(opts, orchestrator.WithoutRetry())
	}
	if queryBool(r, "no_context") {
		opts = append(opts, orchestrator.WithoutContext())
	}

	result, err := s.runs.Execute(r.Context(), input, opts...)
	if err != nil {
		s.logger.Warn("运行失败", slog.String("agent_id", input.AgentID), slog.Any("error", err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRunAudit(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "编排器未初始化"))
		return
	}
	runID := strings.TrimSpace(r.PathValue("id"))
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	events, err := s.runs.AuditTrail(r.Context(), runID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "events": events})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未启用"))
		return
	}
	var req task.SubmitRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := auth.CheckAgent(r.Context(), req.Input.AgentID); err != nil {
		writeError(w, err)
		return
	}
	created, err := s.tasks.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, created)
}

func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未启用"))
		return
	}
	found, err := s.tasks.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := auth.CheckAgent(r.Context(), found.AgentID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未启用"))
		return
	}
	opts, err := listOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	tasks, err := s.tasks.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未启用"))
		return
	}
	opts, err := listOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.tasks.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func listOptions(r *http.Request) ([]task.ListOption, error) {
	q := r.URL.Query()
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		return nil, err
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		return nil, err
	}
	agentID := q.Get("agent_id")
	if err := auth.CheckAgent(r.Context(), agentOrAll(agentID)); err != nil {
		return nil, err
	}
	opts := []task.ListOption{
		task.WithLimit(limit),
		task.WithOffset(offset),
		task.WithAgent(agentID),
		task.WithProject(q.Get("project_id")),
		task.WithQuery(q.Get("q")),
	}
	if raw := q.Get("status"); raw != "" {
		var statuses []task.Status
		for _, part := range strings.Split(raw, ",") {
			statuses = append(statuses, task.Status(strings.TrimSpace(part)))
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if q.Get("order") == "asc" {
		opts = append(opts, task.WithSortOrder(task.SortOldestFirst))
	}
	return opts, nil
}

// agentOrAll 未指定代理时代表查询全部代理，只有通配凭证可以这样做。
func agentOrAll(agentID string) string {
	if agentID == "" {
		return "*"
	}
	return agentID
}

func decodeBody(r *http.Request, dst any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, key+" 必须是非负整数")
	}
	return value, nil
}

func queryBool(r *http.Request, key string) bool {
	value, err := strconv.ParseBool(r.URL.Query().Get(key))
	return err == nil && value
}
