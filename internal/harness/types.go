package harness

import (
	"github.com/roach88/nbridge/internal/ir"
	"github.com/roach88/nbridge/internal/store"
)

// TraceEvent records one executed step. Which fields are meaningful depends
// on Op; toCanonicalMap emits only those.
type TraceEvent struct {
	Op           string          `json:"op"`
	Outcome      string          `json:"outcome"` // "ok", an error reason, "queued" or "dropped"
	Context      string          `json:"context,omitempty"`
	RequestID    ir.RequestID    `json:"request_id,omitempty"`
	RequestIDs   []ir.RequestID  `json:"request_ids,omitempty"`
	Function     string          `json:"function,omitempty"`
	Params       any             `json:"params,omitempty"`
	ResponseType ir.ResponseType `json:"response_type,omitempty"`
	Finished     bool            `json:"finished,omitempty"`
	ErrorCode    int             `json:"error_code,omitempty"`
	Blob         string          `json:"blob,omitempty"`
	Handle       ir.BlobHandle   `json:"handle,omitempty"`
	Offset       int64           `json:"offset,omitempty"`
	Size         int64           `json:"size,omitempty"`
	Data         string          `json:"data,omitempty"`
}

// ResponseTrace is one delivered event. Index is its position among the
// events of the same request.
type ResponseTrace struct {
	RequestID    ir.RequestID    `json:"request_id"`
	Index        int             `json:"index"`
	ResponseType ir.ResponseType `json:"response_type"`
	Finished     bool            `json:"finished"`
	Params       any             `json:"params"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass is true when every step produced its expected outcome and every
	// assertion held.
	Pass bool `json:"pass"`

	// Trace lists the executed steps in order.
	Trace []TraceEvent `json:"trace"`

	// Responses lists delivered events grouped by request id. Within a
	// request they keep delivery order; across requests the order is by id,
	// so concurrent native work does not change the result.
	Responses []ResponseTrace `json:"responses"`

	// Journal holds every event that reached the delivery stage, with its
	// disposition.
	Journal []store.EventRecord `json:"journal,omitempty"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:      true,
		Trace:     []TraceEvent{},
		Responses: []ResponseTrace{},
		Errors:    []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddStep appends an executed step to the trace.
func (r *Result) AddStep(ev TraceEvent) {
	r.Trace = append(r.Trace, ev)
}

// ForRequest returns the delivered events of one request.
func (r *Result) ForRequest(id ir.RequestID) []ResponseTrace {
	var out []ResponseTrace
	for _, resp := range r.Responses {
		if resp.RequestID == id {
			out = append(out, resp)
		}
	}
	return out
}
