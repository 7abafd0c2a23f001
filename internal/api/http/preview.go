package apihttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"homectl/internal/preview"
)

const timeLayout = time.RFC3339

// Previewer runs what-if previews.
type Previewer interface {
	Preview(ctx context.Context, req preview.Request) (preview.Report, error)
}

// PreviewHandler serves previews against the current world.
type PreviewHandler struct {
	previewer Previewer
}

// NewPreviewHandler constructs a PreviewHandler.
func NewPreviewHandler(previewer Previewer) *PreviewHandler {
	return &PreviewHandler{previewer: previewer}
}

type previewRequest struct {
	At      string         `json:"at"`
	Step    string         `json:"step"`
	Changes []changeParams `json:"changes"`
}

type changeParams struct {
	Device    string `json:"device"`
	Parameter string `json:"parameter"`
	Value     any    `json:"value"`
}

type previewResponse struct {
	WorldID  string       `json:"world_id"`
	Start    string       `json:"start"`
	At       string       `json:"at"`
	Applied  []string     `json:"applied"`
	Outcomes []outcomeRow `json:"outcomes"`
	Diffs    []diffRow    `json:"diffs"`
}

type outcomeRow struct {
	Pass     int     `json:"pass"`
	Rule     string  `json:"rule"`
	RuleID   string  `json:"rule_id"`
	Priority float64 `json:"priority"`
	Status   string  `json:"status"`
	Fresh    bool    `json:"fresh"`
	Aborted  bool    `json:"aborted"`
	Error    string  `json:"error,omitempty"`
}

type diffRow struct {
	Device    string `json:"device"`
	DeviceID  string `json:"device_id"`
	Parameter string `json:"parameter"`
	Before    any    `json:"before"`
	After     any    `json:"after"`
}

// ServeHTTP handles POST /api/v1/preview. The format query selects json
// (default), csv, xlsx or pdf.
func (h *PreviewHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.previewer == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}

	var body previewRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req, err := body.toRequest()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	report, err := h.previewer.Preview(r.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, preview.ErrUnknownDevice) || errors.Is(err, preview.ErrInvalidStep) || errors.Is(err, preview.ErrTimeReversed) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}

	format := r.URL.Query().Get("format")
	switch format {
	case "", "json":
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(toResponse(report))
		return
	case preview.FormatCSV, preview.FormatXLSX, preview.FormatPDF:
	default:
		http.Error(w, "format must be json, csv, xlsx or pdf", http.StatusBadRequest)
		return
	}
	data, err := preview.Export(report, format)
	if err != nil {
		http.Error(w, "export preview error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType(format))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=preview.%s", format))
	_, _ = w.Write(data)
}

func (p previewRequest) toRequest() (preview.Request, error) {
	var req preview.Request
	if p.At != "" {
		at, err := time.Parse(timeLayout, p.At)
		if err != nil {
			return req, errors.New("at must be RFC3339")
		}
		req.At = at.UTC()
	}
	if p.Step != "" {
		step, err := time.ParseDuration(p.Step)
		if err != nil {
			return req, errors.New("step must be a duration")
		}
		req.Step = step
	}
	for _, c := range p.Changes {
		if c.Device == "" || c.Parameter == "" {
			return req, errors.New("changes need device and parameter")
		}
		req.Changes = append(req.Changes, preview.Change{Device: c.Device, Parameter: c.Parameter, Value: c.Value})
	}
	return req, nil
}

func toResponse(r preview.Report) previewResponse {
	resp := previewResponse{
		WorldID:  r.WorldID,
		Start:    formatTime(r.Start),
		At:       formatTime(r.At),
		Applied:  r.Applied(),
		Outcomes: []outcomeRow{},
		Diffs:    []diffRow{},
	}
	for i, pass := range r.Passes {
		for _, o := range pass.Outcomes {
			row := outcomeRow{
				Pass:     i + 1,
				Rule:     o.RuleName,
				RuleID:   o.RuleID,
				Priority: o.Priority,
				Status:   o.Status,
				Fresh:    o.Fresh,
				Aborted:  o.Aborted,
			}
			if o.Err != nil {
				row.Error = o.Err.Error()
			}
			resp.Outcomes = append(resp.Outcomes, row)
		}
	}
	for _, d := range r.Diffs {
		resp.Diffs = append(resp.Diffs, diffRow{Device: d.Device, DeviceID: d.DeviceID, Parameter: d.Parameter, Before: d.Before, After: d.After})
	}
	return resp
}

func contentType(format string) string {
	switch format {
	case preview.FormatCSV:
		return "text/csv; charset=utf-8"
	case preview.FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		return "application/pdf"
	}
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.UTC().Format(timeLayout)
}
