// Package api exposes test submission over HTTP and API Gateway.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/agentplexus/calltest"
	"github.com/agentplexus/calltest/orchestrator"
	"github.com/agentplexus/calltest/scenario"
)

const (
	// TestPath accepts test submissions.
	TestPath   = "/test"
	HealthPath = "/healthz"

	maxBodyBytes = 1 << 20
)

// Runner runs one test to completion.
type Runner interface {
	Run(ctx context.Context, test scenario.Test) (*orchestrator.TestResult, error)
}

var _ Runner = (*orchestrator.Runner)(nil)

// Handler serves the job API.
type Handler struct {
	runner Runner
	logger *slog.Logger
	mux    *http.ServeMux
}

type errorResponse struct {
	Error string             `json:"error"`
	Field string             `json:"field,omitempty"`
	Code  calltest.ErrorCode `json:"code,omitempty"`
}

// NewHandler returns a handler backed by runner.
func NewHandler(runner Runner, logger *slog.Logger) (*Handler, error) {
	if runner == nil {
		return nil, errors.New("api: runner must not be nil")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	h := &Handler{runner: runner, logger: logger, mux: http.NewServeMux()}
	h.mux.HandleFunc("POST "+TestPath, h.handleTest)
	h.mux.HandleFunc("GET "+HealthPath, handleHealth)
	return h, nil
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleTest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "could not read request body"})
		return
	}
	status, payload := h.submit(r.Context(), body)
	writeJSON(w, status, payload)
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// submit decodes, validates and runs one test. It returns the HTTP status and
// response payload.
func (h *Handler) submit(ctx context.Context, body []byte) (int, any) {
	if len(body) > maxBodyBytes {
		return http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large"}
	}
	test, err := DecodeTest(body)
	if err != nil {
		h.logger.Info("rejected test submission", "err", err)
		return http.StatusBadRequest, errorResponse{
			Error: err.Error(),
			Field: scenario.InvalidField(err),
			Code:  calltest.CodeValidation,
		}
	}

	res, err := h.runner.Run(ctx, test)
	if err != nil {
		h.logger.Error("test could not be started", "test", test.Name(), "err", err)
		return http.StatusInternalServerError, errorResponse{Error: err.Error(), Code: calltest.CodeOf(err)}
	}
	return http.StatusOK, res
}

// DecodeTest parses and validates a submission. Every error is a
// VALIDATION_ERROR naming the offending field where one can be named.
func DecodeTest(body []byte) (scenario.Test, error) {
	var test scenario.Test
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&test); err != nil {
		return scenario.Test{}, decodeError(err)
	}
	if dec.More() {
		return scenario.Test{}, calltest.NewError(calltest.CodeValidation, "", errors.New("request body must be a single JSON object"))
	}
	test.PhoneNumber = strings.TrimSpace(test.PhoneNumber)
	if err := test.Validate(); err != nil {
		return scenario.Test{}, err
	}
	return test, nil
}

func decodeError(err error) error {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		field := typeErr.Field
		if field == "" {
			return calltest.NewError(calltest.CodeValidation, "", errors.New("request body must be a JSON object"))
		}
		return calltest.NewError(calltest.CodeValidation, field,
			fmt.Errorf("%s must be %s, got %s", field, jsonKind(typeErr.Type.Kind().String()), typeErr.Value))
	}
	return calltest.NewError(calltest.CodeValidation, "", fmt.Errorf("invalid JSON body: %w", err))
}

func jsonKind(goKind string) string {
	switch goKind {
	case "slice", "array":
		return "an array"
	case "struct", "map":
		return "an object"
	case "bool":
		return "a boolean"
	case "string":
		return "a string"
	default:
		return "a number"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
