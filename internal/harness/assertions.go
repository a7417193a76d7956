package harness

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/roach88/nbridge/internal/ir"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type      string          // Assertion type for categorization
	Expected  string          // Human-readable expected outcome
	Actual    string          // Human-readable actual outcome
	Responses []ResponseTrace // Delivered events for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Responses) > 0 {
		fmt.Fprintf(&buf, "\nDelivered:\n")
		for _, r := range e.Responses {
			fmt.Fprintf(&buf, "  request %d #%d %s finished=%t %v\n",
				r.RequestID, r.Index, r.ResponseType, r.Finished, r.Params)
		}
	}

	return buf.String()
}

// assertTerminalOnce checks that no request received more finished events
// than it was sent, and that nothing followed a request's last finished
// event. With an ID it also requires that the request did finish.
func assertTerminalOnce(result *Result, sends map[ir.RequestID]int, a Assertion) error {
	ids := make([]ir.RequestID, 0)
	if a.ID != nil {
		ids = append(ids, *a.ID)
	} else {
		seen := make(map[ir.RequestID]bool)
		for _, r := range result.Responses {
			if !seen[r.RequestID] {
				seen[r.RequestID] = true
				ids = append(ids, r.RequestID)
			}
		}
	}

	for _, id := range ids {
		events := result.ForRequest(id)
		finished := 0
		for _, ev := range events {
			if ev.Finished {
				finished++
			}
		}

		if finished > sends[id] {
			return &AssertionError{
				Type:      AssertTerminalOnce,
				Expected:  fmt.Sprintf("request %d finished at most %d time(s)", id, sends[id]),
				Actual:    fmt.Sprintf("%d finished events", finished),
				Responses: events,
			}
		}
		if finished == sends[id] && finished > 0 && !events[len(events)-1].Finished {
			return &AssertionError{
				Type:      AssertTerminalOnce,
				Expected:  fmt.Sprintf("nothing delivered for request %d after its finished event", id),
				Actual:    "events delivered after finished",
				Responses: events,
			}
		}
		if a.ID != nil && finished != sends[id] {
			return &AssertionError{
				Type:      AssertTerminalOnce,
				Expected:  fmt.Sprintf("request %d finished %d time(s)", id, sends[id]),
				Actual:    fmt.Sprintf("%d finished events", finished),
				Responses: events,
			}
		}
	}
	return nil
}

// assertDeliveredCount checks that a request received exactly Count events.
func assertDeliveredCount(result *Result, a Assertion) error {
	events := result.ForRequest(*a.ID)
	if len(events) != a.Count {
		return &AssertionError{
			Type:      AssertDeliveredCount,
			Expected:  fmt.Sprintf("%d event(s) for request %d", a.Count, *a.ID),
			Actual:    fmt.Sprintf("%d event(s)", len(events)),
			Responses: events,
		}
	}
	return nil
}

func assertNotDelivered(result *Result, a Assertion) error {
	events := result.ForRequest(*a.ID)
	if len(events) != 0 {
		return &AssertionError{
			Type:      AssertNotDelivered,
			Expected:  fmt.Sprintf("no events for request %d", *a.ID),
			Actual:    fmt.Sprintf("%d event(s)", len(events)),
			Responses: events,
		}
	}
	return nil
}

// assertResponse checks one delivered event of a request. Params is a
// subset match: keys missing from the assertion are ignored.
func assertResponse(result *Result, a Assertion) error {
	events := result.ForRequest(*a.ID)

	idx := len(events) - 1
	if a.Index != nil {
		idx = *a.Index
		if idx < 0 {
			idx += len(events)
		}
	}
	if idx < 0 || idx >= len(events) {
		return &AssertionError{
			Type:      AssertResponse,
			Expected:  fmt.Sprintf("event %s for request %d", describeIndex(a.Index), *a.ID),
			Actual:    fmt.Sprintf("%d event(s) delivered", len(events)),
			Responses: events,
		}
	}
	ev := events[idx]

	if a.ResponseType != nil && ev.ResponseType != *a.ResponseType {
		return &AssertionError{
			Type:      AssertResponse,
			Expected:  fmt.Sprintf("request %d event %d has response type %s", *a.ID, idx, *a.ResponseType),
			Actual:    ev.ResponseType.String(),
			Responses: events,
		}
	}
	if a.Finished != nil && ev.Finished != *a.Finished {
		return &AssertionError{
			Type:      AssertResponse,
			Expected:  fmt.Sprintf("request %d event %d finished=%t", *a.ID, idx, *a.Finished),
			Actual:    fmt.Sprintf("finished=%t", ev.Finished),
			Responses: events,
		}
	}
	if len(a.Params) > 0 {
		expected, err := normalizeParams(a.Params)
		if err != nil {
			return fmt.Errorf("response assertion: %w", err)
		}
		if !matchArgs(ev.Params, expected) {
			return &AssertionError{
				Type:      AssertResponse,
				Expected:  fmt.Sprintf("request %d event %d params contain %v", *a.ID, idx, a.Params),
				Actual:    fmt.Sprintf("%v", ev.Params),
				Responses: events,
			}
		}
	}
	return nil
}

func describeIndex(index *int) string {
	if index == nil {
		return "last"
	}
	return fmt.Sprintf("#%d", *index)
}

// assertJournal counts journaled events with the given disposition.
func assertJournal(result *Result, a Assertion) error {
	count := 0
	var dispositions []string
	for _, rec := range result.Journal {
		if a.ID != nil && rec.RequestID != *a.ID {
			continue
		}
		dispositions = append(dispositions, rec.Disposition)
		if rec.Disposition == a.Disposition {
			count++
		}
	}

	if count != a.Count {
		sort.Strings(dispositions)
		return &AssertionError{
			Type:     AssertJournal,
			Expected: fmt.Sprintf("%d journaled event(s) with disposition %s", a.Count, a.Disposition),
			Actual:   fmt.Sprintf("%d (all dispositions: %v)", count, dispositions),
		}
	}
	return nil
}

// normalizeParams round-trips YAML values through JSON so they compare
// equal to decoded event payloads (numbers become json.Number).
func normalizeParams(params map[string]any) (map[string]any, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	v, err := ir.DecodeJSONValue(string(data))
	if err != nil {
		return nil, err
	}
	m, _ := v.(map[string]any)
	return m, nil
}

// matchArgs checks if actual args contain all expected args (subset match).
// Extra keys in actual are ignored.
func matchArgs(actual any, expected map[string]any) bool {
	if len(expected) == 0 {
		return true
	}

	actualMap, ok := actual.(map[string]any)
	if !ok {
		return false
	}

	for key, expectedVal := range expected {
		actualVal, exists := actualMap[key]
		if !exists {
			return false
		}
		if !reflect.DeepEqual(actualVal, expectedVal) {
			return false
		}
	}

	return true
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errors []string

	sends := sentCounts(result.Trace)
	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTerminalOnce:
			err = assertTerminalOnce(result, sends, assertion)
		case AssertDeliveredCount:
			err = assertDeliveredCount(result, assertion)
		case AssertNotDelivered:
			err = assertNotDelivered(result, assertion)
		case AssertResponse:
			err = assertResponse(result, assertion)
		case AssertJournal:
			err = assertJournal(result, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}

// sentCounts counts accepted sends per request id.
func sentCounts(trace []TraceEvent) map[ir.RequestID]int {
	sends := make(map[ir.RequestID]int)
	for _, ev := range trace {
		if ev.Op == OpSend && ev.Outcome == "ok" {
			sends[ev.RequestID]++
		}
	}
	return sends
}
