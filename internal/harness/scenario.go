package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/nbridge/internal/ir"
)

// Scenario is a scripted conversation with the bridge: contexts are created,
// requests sent and destroyed, and the delivered events checked afterwards.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Steps run in order on a single goroutine. Response events are only
	// delivered during wait steps and after the last step.
	Steps []Step `yaml:"steps"`

	// Assertions validate the delivered events and the journal.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one bridge call. Exactly one of the operation keys (create, send,
// wait, destroy, inject, store_blob, resolve_blob) is set; the remaining
// fields are its arguments.
type Step struct {
	// Create makes a context and binds it to this alias.
	Create string `yaml:"create,omitempty"`
	// Send dispatches a request on the aliased context.
	Send string `yaml:"send,omitempty"`
	// Wait delivers events until the listed requests (IDs) or every
	// in-flight request on a live context has finished.
	Wait bool `yaml:"wait,omitempty"`
	// Destroy destroys the aliased context. The alias keeps the stale
	// handle, so later steps can exercise it.
	Destroy string `yaml:"destroy,omitempty"`
	// Inject queues an event as if the aliased context had emitted it.
	Inject string `yaml:"inject,omitempty"`
	// StoreBlob stores Data and binds the handle to this alias.
	StoreBlob string `yaml:"store_blob,omitempty"`
	// ResolveBlob reads Size bytes at Offset from an alias or literal handle.
	ResolveBlob string `yaml:"resolve_blob,omitempty"`

	// Config is the context configuration for create (default {}).
	Config map[string]any `yaml:"config,omitempty"`
	// ConfigJSON overrides Config with raw text, for malformed configs.
	ConfigJSON string `yaml:"config_json,omitempty"`

	ID           ir.RequestID    `yaml:"id,omitempty"`
	IDs          []ir.RequestID  `yaml:"ids,omitempty"`
	Function     string          `yaml:"function,omitempty"`
	Params       map[string]any  `yaml:"params,omitempty"`
	ResponseType ir.ResponseType `yaml:"response_type,omitempty"`
	Finished     bool            `yaml:"finished,omitempty"`
	TimeoutMS    int             `yaml:"timeout_ms,omitempty"`

	Data   string `yaml:"data,omitempty"`
	Offset int64  `yaml:"offset,omitempty"`
	Size   int64  `yaml:"size,omitempty"`
	// Expect is the data resolve_blob must return.
	Expect *string `yaml:"expect,omitempty"`

	// ExpectError is the outcome the step must produce instead of "ok":
	// invalid_handle, in_flight, closed for send and destroy; not_found,
	// out_of_range for resolve_blob; dropped for inject.
	ExpectError string `yaml:"expect_error,omitempty"`
	// ExpectCode is the native error code a failing create must report.
	ExpectCode int `yaml:"expect_code,omitempty"`
}

// Step operations.
const (
	OpCreate      = "create"
	OpSend        = "send"
	OpWait        = "wait"
	OpDestroy     = "destroy"
	OpInject      = "inject"
	OpStoreBlob   = "store_blob"
	OpResolveBlob = "resolve_blob"
)

// Op returns the step's operation, or "" when none or several are set.
func (s Step) Op() string {
	var ops []string
	if s.Create != "" {
		ops = append(ops, OpCreate)
	}
	if s.Send != "" {
		ops = append(ops, OpSend)
	}
	if s.Wait {
		ops = append(ops, OpWait)
	}
	if s.Destroy != "" {
		ops = append(ops, OpDestroy)
	}
	if s.Inject != "" {
		ops = append(ops, OpInject)
	}
	if s.StoreBlob != "" {
		ops = append(ops, OpStoreBlob)
	}
	if s.ResolveBlob != "" {
		ops = append(ops, OpResolveBlob)
	}
	if len(ops) != 1 {
		return ""
	}
	return ops[0]
}

// Assertion validates the delivered events or the journal.
type Assertion struct {
	// Type specifies the assertion type:
	// - "terminal_once": no request has more finished events than sends
	// - "delivered_count": request ID received exactly Count events
	// - "not_delivered": request ID received nothing
	// - "response": one delivered event of request ID matches
	// - "journal": Count journaled events carry Disposition
	Type string `yaml:"type"`

	// ID is the request the assertion is about. Optional for terminal_once
	// and journal.
	ID *ir.RequestID `yaml:"id,omitempty"`

	// Count is the expected number of events (delivered_count, journal).
	Count int `yaml:"count,omitempty"`

	// Index selects the event for response; negative counts from the end.
	// Defaults to the last event.
	Index *int `yaml:"index,omitempty"`

	ResponseType *ir.ResponseType `yaml:"response_type,omitempty"`
	Finished     *bool            `yaml:"finished,omitempty"`

	// Params is a subset match against the decoded event payload.
	Params map[string]any `yaml:"params,omitempty"`

	// Disposition is the journal outcome (delivered, invalid_handle,
	// unknown_request, no_handler, handler_panic).
	Disposition string `yaml:"disposition,omitempty"`
}

// Assertion type constants.
const (
	AssertTerminalOnce   = "terminal_once"
	AssertDeliveredCount = "delivered_count"
	AssertNotDelivered   = "not_delivered"
	AssertResponse       = "response"
	AssertJournal        = "journal"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}

	return nil
}

func validateStep(index int, s *Step) error {
	op := s.Op()
	if op == "" {
		return fmt.Errorf("steps[%d]: exactly one of create, send, wait, destroy, inject, store_blob, resolve_blob is required", index)
	}

	switch op {
	case OpSend:
		if s.Function == "" {
			return fmt.Errorf("steps[%d]: function is required for send", index)
		}
	case OpResolveBlob:
		if s.Offset < 0 || s.Size < 0 {
			return fmt.Errorf("steps[%d]: offset and size must be non-negative", index)
		}
	case OpWait:
		if s.TimeoutMS < 0 {
			return fmt.Errorf("steps[%d]: timeout_ms must be non-negative", index)
		}
	}

	if s.ExpectCode != 0 && op != OpCreate {
		return fmt.Errorf("steps[%d]: expect_code only applies to create", index)
	}
	if s.Expect != nil && op != OpResolveBlob {
		return fmt.Errorf("steps[%d]: expect only applies to resolve_blob", index)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTerminalOnce:
	case AssertDeliveredCount:
		if a.ID == nil {
			return fmt.Errorf("assertions[%d]: id is required for delivered_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for delivered_count", index)
		}
	case AssertNotDelivered, AssertResponse:
		if a.ID == nil {
			return fmt.Errorf("assertions[%d]: id is required for %s", index, a.Type)
		}
	case AssertJournal:
		if a.Disposition == "" {
			return fmt.Errorf("assertions[%d]: disposition is required for journal", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for journal", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
