package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-trigger/internal/trigger"
)

// maxQueryParamLen limits path and query parameter length.
const maxQueryParamLen = 100

// handleListRules returns all rules, sorted by name.
func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.rules.ListRules(r.Context())
	if err != nil {
		writeInternalError(w, "failed to list rules")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": rules, "count": len(rules)})
}

// handleGetRule returns a single rule by ID.
func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}

	rule, err := s.rules.GetRule(r.Context(), id)
	if err != nil {
		if errors.Is(err, trigger.ErrRuleNotFound) {
			writeNotFound(w, "rule not found")
			return
		}
		writeInternalError(w, "failed to get rule")
		return
	}

	writeJSON(w, http.StatusOK, rule)
}

// handleCreateRule creates a rule and registers it with the engine.
func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := decodeRule(w, r)
	if !ok {
		return
	}

	if err := s.rules.CreateRule(r.Context(), rule); err != nil {
		s.writeRuleError(w, err, "failed to create rule")
		return
	}
	if s.engine != nil {
		s.engine.AddRule(rule)
	}
	s.logger.Info("rule created", "rule_id", rule.ID, "subject", subjectFromContext(r.Context()))

	writeJSON(w, http.StatusCreated, rule)
}

// handleUpdateRule replaces a rule. The ID in the path wins over the body.
func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}
	rule, ok := decodeRule(w, r)
	if !ok {
		return
	}
	rule.ID = id

	if err := s.rules.UpdateRule(r.Context(), rule); err != nil {
		s.writeRuleError(w, err, "failed to update rule")
		return
	}
	if s.engine != nil {
		s.engine.AddRule(rule)
	}
	s.logger.Info("rule updated", "rule_id", id, "subject", subjectFromContext(r.Context()))

	writeJSON(w, http.StatusOK, rule)
}

// handleDeleteRule removes a rule from storage and the engine.
func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}

	if err := s.rules.DeleteRule(r.Context(), id); err != nil {
		s.writeRuleError(w, err, "failed to delete rule")
		return
	}
	if s.engine != nil {
		s.engine.RemoveRule(id)
	}
	s.logger.Info("rule deleted", "rule_id", id, "subject", subjectFromContext(r.Context()))

	w.WriteHeader(http.StatusNoContent)
}

// handleEvaluateRule runs one evaluation cycle for the rule and returns the
// record it produced.
func (s *Server) handleEvaluateRule(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}
	if s.engine == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "rule engine is not running")
		return
	}

	if err := s.engine.EvaluateNow(r.Context(), []string{id}); err != nil {
		if errors.Is(err, trigger.ErrRuleNotFound) {
			writeNotFound(w, "rule not found")
			return
		}
		s.logger.Error("on-demand evaluation failed", "rule_id", id, "error", err)
		writeInternalError(w, "evaluation failed")
		return
	}

	logs, err := s.logs.ListByRule(r.Context(), id, 1)
	if err != nil {
		writeInternalError(w, "failed to read evaluation log")
		return
	}
	var latest *trigger.RuleLog
	if len(logs) > 0 {
		latest = &logs[0]
	}
	writeJSON(w, http.StatusOK, map[string]any{"rule_id": id, "log": latest})
}

// handleListRuleLogs returns the newest records for a rule.
//
// Query parameters:
//   - limit: maximum records to return (default 20, capped at 200)
func (s *Server) handleListRuleLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	logs, err := s.logs.ListByRule(r.Context(), id, limit)
	if err != nil {
		writeInternalError(w, "failed to list logs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs, "count": len(logs)})
}

// handleListExecutionLogs returns every record sharing one execute ID, so
// an evaluation and the dynamic run it started can be read together.
func (s *Server) handleListExecutionLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" || len(id) > maxQueryParamLen {
		writeBadRequest(w, "invalid execution ID")
		return
	}

	logs, err := s.logs.ListByExecution(r.Context(), id)
	if err != nil {
		writeInternalError(w, "failed to list logs")
		return
	}
	if len(logs) == 0 {
		writeNotFound(w, "execution not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs, "count": len(logs)})
}

func ruleID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if id == "" || len(id) > maxQueryParamLen {
		writeBadRequest(w, "invalid rule ID")
		return "", false
	}
	return id, true
}

func decodeRule(w http.ResponseWriter, r *http.Request) (*trigger.Rule, bool) {
	// Absent "enabled" means enabled, as in rule files.
	rule := &trigger.Rule{Enabled: true}
	if err := json.NewDecoder(r.Body).Decode(rule); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return nil, false
	}
	return rule, true
}

func (s *Server) writeRuleError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, trigger.ErrInvalidRule):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case errors.Is(err, trigger.ErrRuleNotFound):
		writeNotFound(w, "rule not found")
	case errors.Is(err, trigger.ErrRuleExists):
		writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
	default:
		s.logger.Error(fallback, "error", err)
		writeInternalError(w, fallback)
	}
}
