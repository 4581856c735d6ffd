package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rendis/pipeflow/internal/expressions"
	"github.com/rendis/pipeflow/pkg/schema"
)

// RunDocument is the JSON rendering of a persisted run.
type RunDocument struct {
	PipelineName   string            `json:"pipeline_name"`
	RunID          string            `json:"run_id"`
	CurrentStep    int               `json:"current_step"`
	StartTime      int64             `json:"start_time"`
	EndTime        int64             `json:"end_time"`
	RuntimeSeconds int64             `json:"runtime_seconds"`
	Data           map[string]string `json:"data"`
}

// NewRunDocument builds the document for st, ending at endTime (unix seconds).
func NewRunDocument(st *schema.PersistedState, endTime int64) RunDocument {
	data := st.Data
	if data == nil {
		data = map[string]string{}
	}
	return RunDocument{
		PipelineName:   st.PipelineName,
		RunID:          st.RunID,
		CurrentStep:    st.CurrentStep,
		StartTime:      st.StartTime,
		EndTime:        endTime,
		RuntimeSeconds: max(endTime-st.StartTime, 0),
		Data:           data,
	}
}

var defaultQueries = expressions.NewQueryEngine()

// RenderDocument writes doc as indented JSON. With a jq query, every query
// output is written on its own line instead.
func RenderDocument(ctx context.Context, w io.Writer, doc RunDocument, query string) error {
	if query == "" {
		return writeJSON(w, doc)
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal run document: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return fmt.Errorf("decode run document: %w", err)
	}

	results, err := defaultQueries.Run(ctx, query, generic)
	if err != nil {
		return err
	}
	for _, r := range results {
		if err := writeJSON(w, r); err != nil {
			return err
		}
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}
