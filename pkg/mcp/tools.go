package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/pipeflow/internal/engine"
	"github.com/rendis/pipeflow/internal/store"
	"github.com/rendis/pipeflow/pkg/schema"
)

// runResponse is the pipeline.run result.
type runResponse struct {
	Status     schema.RunStatus   `json:"status"`
	Resumed    bool               `json:"resumed"`
	TotalSteps int                `json:"total_steps"`
	Document   engine.RunDocument `json:"document"`
	Error      *errorBody         `json:"error,omitempty"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Step    string `json:"step,omitempty"`
}

type validateResponse struct {
	Valid    bool               `json:"valid"`
	Pipeline string             `json:"pipeline,omitempty"`
	Steps    int                `json:"steps,omitempty"`
	Errors   []schema.Violation `json:"errors"`
	Warnings []schema.Violation `json:"warnings"`
}

// handleRun loads a definition from path or inline text and runs it.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path := req.GetString("path", "")
	inline := req.GetString("definition", "")
	if path == "" && strings.TrimSpace(inline) == "" {
		return mcp.NewToolResultError("one of path or definition is required"), nil
	}

	var (
		def *schema.Pipeline
		err error
	)
	if path != "" {
		def, err = s.loader.Load(path)
	} else {
		def, err = s.loader.Parse([]byte(inline), "")
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}

	opts := engine.RunOptions{
		RunID:      req.GetString("run_id", ""),
		ForceFresh: req.GetBool("force_fresh", false),
		JSONOutput: true,
	}

	s.runMu.Lock()
	result, runErr := s.executor.Run(ctx, def, req.GetString("input", ""), opts)
	s.runMu.Unlock()

	if result == nil {
		return mcp.NewToolResultError(fmt.Sprintf("pipeline run failed: %v", runErr)), nil
	}

	resp := runResponse{
		Status:     result.Status,
		Resumed:    result.Resumed,
		TotalSteps: result.TotalSteps,
		Document: engine.NewRunDocument(&schema.PersistedState{
			PipelineName: result.Pipeline,
			RunID:        result.RunID,
			CurrentStep:  result.CurrentStep,
			StartTime:    result.StartTime,
			Data:         result.Data,
		}, result.EndTime),
	}
	if runErr != nil {
		s.logger.WarnContext(ctx, "pipeline run failed",
			slog.String("pipeline", result.Pipeline),
			slog.String("run_id", result.RunID),
			slog.String("error", runErr.Error()))
		body := &errorBody{Code: schema.CodeOf(runErr), Message: runErr.Error()}
		var pErr *schema.PipelineError
		if errors.As(runErr, &pErr) {
			body.Step = rootStep(pErr)
		}
		resp.Error = body
	}

	res, err := marshalResult(resp)
	if err == nil && runErr != nil {
		res.IsError = true
	}
	return res, err
}

// handleState renders a stored run, optionally through a jq filter.
func (s *Server) handleState(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pipeline, err := req.RequireString("pipeline")
	if err != nil {
		return mcp.NewToolResultError("pipeline is required"), nil
	}
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	key := store.Key(pipeline, runID)
	saved, ok, err := s.executor.Store().Load(ctx, key)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("load state: %v", err)), nil
	}
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("no stored state for pipeline %q run %q", pipeline, runID)), nil
	}

	var buf bytes.Buffer
	doc := engine.NewRunDocument(saved, saved.UpdatedAt.Unix())
	if err := engine.RenderDocument(ctx, &buf, doc, req.GetString("query", "")); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("render state: %v", err)), nil
	}
	return mcp.NewToolResultText(strings.TrimRight(buf.String(), "\n")), nil
}

// handleValidate reports violations without running anything.
func (s *Server) handleValidate(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, err := req.RequireString("definition")
	if err != nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	p, report, err := s.loader.Inspect([]byte(text), "")
	if err != nil {
		return marshalResult(validateResponse{
			Errors:   []schema.Violation{{Path: "/", Rule: "decode", Message: err.Error(), Severity: schema.SeverityError}},
			Warnings: []schema.Violation{},
		})
	}

	resp := validateResponse{
		Valid:    report.Valid(),
		Errors:   nonNil(report.Errors),
		Warnings: nonNil(report.Warnings),
	}
	if p != nil {
		resp.Pipeline = p.Name
		resp.Steps = len(p.Steps)
	}
	return marshalResult(resp)
}

// marshalResult serializes v as a JSON tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}

// rootStep returns the innermost step name in the error chain.
func rootStep(pErr *schema.PipelineError) string {
	step := pErr.Step
	for cause := pErr.Cause; cause != nil; {
		next, ok := cause.(*schema.PipelineError)
		if !ok {
			break
		}
		if next.Step != "" {
			step = next.Step
		}
		cause = next.Cause
	}
	return step
}

func nonNil(v []schema.Violation) []schema.Violation {
	if v == nil {
		return []schema.Violation{}
	}
	return v
}
