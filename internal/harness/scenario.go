package harness

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario is one scripted conversation against the turn pipeline.
type Scenario struct {
	// Name uniquely identifies the scenario; golden digests are keyed
	// by it.
	Name string `yaml:"name"`

	// Description explains what the scenario demonstrates.
	Description string `yaml:"description"`

	// Session is the session id every turn runs under. Empty gets a
	// deterministic default.
	Session string `yaml:"session,omitempty"`

	// Clock anchors the deterministic clock (YYYY-MM-DD). Empty
	// defaults to 2025-06-15.
	Clock string `yaml:"clock,omitempty"`

	// WriteEnabled allows confirmed writes to execute.
	WriteEnabled bool `yaml:"write_enabled,omitempty"`

	// Reports declares the capability surface available to resolution.
	Reports []ScenarioReport `yaml:"reports,omitempty"`

	// Tables stubs the executor: report name to the table it returns.
	Tables map[string]ScenarioTable `yaml:"tables,omitempty"`

	// Turns is the conversation script.
	Turns []Turn `yaml:"turns"`
}

// ScenarioReport declares one report capability.
type ScenarioReport struct {
	Name    string           `yaml:"name"`
	Module  string           `yaml:"module,omitempty"`
	Filters []ScenarioFilter `yaml:"filters,omitempty"`
}

// ScenarioFilter is one filter a scenario report declares.
type ScenarioFilter struct {
	Fieldname string `yaml:"fieldname"`
	Label     string `yaml:"label,omitempty"`
	Fieldtype string `yaml:"fieldtype,omitempty"`
	Options   string `yaml:"options,omitempty"`
	Required  bool   `yaml:"required,omitempty"`
}

// ScenarioTable is the stubbed execution result for one report.
type ScenarioTable struct {
	Columns []ScenarioColumn `yaml:"columns"`
	Rows    []map[string]any `yaml:"rows"`
}

// ScenarioColumn is one column of a stubbed table.
type ScenarioColumn struct {
	Fieldname string `yaml:"fieldname"`
	Label     string `yaml:"label,omitempty"`
	Fieldtype string `yaml:"fieldtype,omitempty"`
}

// Turn is one scripted user message.
type Turn struct {
	// Message is the user's text.
	Message string `yaml:"message"`

	// Spec is the upstream planner's business-request object.
	Spec map[string]any `yaml:"spec,omitempty"`

	// Source tags the initiating tool; empty means a fresh start.
	Source string `yaml:"source,omitempty"`

	// Export requests a download artifact.
	Export bool `yaml:"export,omitempty"`

	// ContinuePending carries forward the previous turn's pending
	// state and switches the source to the continuation tool.
	ContinuePending bool `yaml:"continue_pending,omitempty"`

	// Expect holds the assertions for this turn.
	Expect Expectation `yaml:"expect,omitempty"`
}

// Expectation asserts on one turn's outcome. Zero-value fields are not
// checked.
type Expectation struct {
	PayloadType  string   `yaml:"payload_type,omitempty"`
	Text         string   `yaml:"text,omitempty"`
	TextContains string   `yaml:"text_contains,omitempty"`
	ReportName   string   `yaml:"report_name,omitempty"`
	PendingMode  string   `yaml:"pending_mode,omitempty"`
	RowCount     *int     `yaml:"row_count,omitempty"`
	ClearPending *bool    `yaml:"clear_pending,omitempty"`
	AuditKinds   []string `yaml:"audit_kinds,omitempty"`
}

const defaultScenarioDate = "2025-06-15"

// StartTime resolves the scenario's clock anchor.
func (s *Scenario) StartTime() (time.Time, error) {
	raw := strings.TrimSpace(s.Clock)
	if raw == "" {
		raw = defaultScenarioDate
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("scenario %s: bad clock %q: %w", s.Name, s.Clock, err)
	}
	return t.UTC(), nil
}

// Validate checks structural requirements before a scenario runs.
func (s *Scenario) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("scenario missing name")
	}
	if len(s.Turns) == 0 {
		return fmt.Errorf("scenario %s: no turns", s.Name)
	}
	for i, turn := range s.Turns {
		if strings.TrimSpace(turn.Message) == "" {
			return fmt.Errorf("scenario %s: turn %d has no message", s.Name, i+1)
		}
		if turn.ContinuePending && i == 0 {
			return fmt.Errorf("scenario %s: turn 1 cannot continue pending state", s.Name)
		}
	}
	for name := range s.Tables {
		if !s.hasReport(name) {
			return fmt.Errorf("scenario %s: table %q has no matching report", s.Name, name)
		}
	}
	if _, err := s.StartTime(); err != nil {
		return err
	}
	return nil
}

func (s *Scenario) hasReport(name string) bool {
	for _, r := range s.Reports {
		if strings.EqualFold(strings.TrimSpace(r.Name), strings.TrimSpace(name)) {
			return true
		}
	}
	return false
}

// LoadScenario reads and validates one scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario %s: %w", path, err)
	}
	var sc Scenario
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// LoadScenarios reads every *.yaml scenario under dir, sorted by file
// name for stable ordering.
func LoadScenarios(dir string) ([]*Scenario, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read scenario dir %s: %w", dir, err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") {
			paths = append(paths, filepath.Join(dir, name))
		}
	}
	sort.Strings(paths)

	var out []*Scenario
	for _, p := range paths {
		sc, err := LoadScenario(p)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, nil
}
