package harness

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/tally/internal/capability"
	"github.com/roach88/tally/internal/ontology"
	"github.com/roach88/tally/internal/payload"
	"github.com/roach88/tally/internal/pipeline"
	"github.com/roach88/tally/internal/testutil"
	"github.com/roach88/tally/internal/topic"
)

const defaultSession = "harness-session"

// Runner executes scenarios against a freshly wired pipeline per run.
type Runner struct {
	Logger *zap.Logger
}

// NewRunner returns a Runner with a no-op logger.
func NewRunner() *Runner {
	return &Runner{Logger: zap.NewNop()}
}

// Run executes every turn of the scenario and evaluates its
// expectations. A setup failure is reported on the result rather than
// returned, so scenario sweeps keep going.
func (r *Runner) Run(ctx context.Context, sc *Scenario) *Result {
	res := &Result{Scenario: sc.Name, Pass: true}

	start, err := sc.StartTime()
	if err != nil {
		res.AddError("%v", err)
		return res
	}
	clock := testutil.NewStepClock(start, 0)

	p := pipeline.New(pipeline.Config{
		Capabilities: buildIndex(sc, start),
		Executor:     tableExecutor(sc),
		Store:        topic.NewMemoryStore(),
		WriteEnabled: sc.WriteEnabled,
		Clock:        clock.Now,
		Logger:       r.Logger,
	})

	session := strings.TrimSpace(sc.Session)
	if session == "" {
		session = defaultSession
	}

	var pending *payload.PendingState
	for i, turn := range sc.Turns {
		req := pipeline.Request{
			SessionID: session,
			Message:   turn.Message,
			RawSpec:   turn.Spec,
			Export:    turn.Export,
			Source:    turn.Source,
		}
		if turn.ContinuePending {
			req.Pending = pending
			if req.Source == "" {
				req.Source = pipeline.SourceContinue
			}
		}

		resp, err := p.Turn(ctx, req)
		if err != nil {
			res.AddError("turn %d: %v", i+1, err)
			return res
		}

		record := TurnRecord{
			Index:      i + 1,
			Message:    turn.Message,
			Payload:    resp.Payload,
			State:      resp.State,
			AuditKinds: auditKinds(resp.Audit),
		}
		res.Turns = append(res.Turns, record)
		checkExpectation(res, i+1, turn.Expect, record)

		if resp.Payload.ClearPendingState {
			pending = nil
		} else if resp.Payload.Pending != nil {
			pending = resp.Payload.Pending
		}
	}
	return res
}

func auditKinds(messages []pipeline.AuditMessage) []string {
	out := make([]string, 0, len(messages))
	for _, m := range messages {
		out = append(out, m.Kind)
	}
	return out
}

// buildIndex assembles the capability snapshot the scenario declares.
// Requirements come from the declared filters, with the scenario
// itself as the requirements source.
func buildIndex(sc *Scenario, generatedAt time.Time) *capability.Index {
	if len(sc.Reports) == 0 {
		return nil
	}
	reports := make([]capability.Report, 0, len(sc.Reports))
	byReport := make(map[string]capability.Requirements, len(sc.Reports))
	for _, sr := range sc.Reports {
		module := sr.Module
		if module == "" {
			module = "Selling"
		}
		reports = append(reports, capability.Report{
			Name:       sr.Name,
			Module:     module,
			ReportType: "Script Report",
			IsStandard: true,
		})

		req := capability.Requirements{RawType: "requirements:scenario"}
		for _, f := range sr.Filters {
			def := capability.FilterDef{
				Fieldname: f.Fieldname,
				Label:     f.Label,
				Fieldtype: f.Fieldtype,
				Options:   f.Options,
			}
			if def.Label == "" {
				def.Label = titleLabel(f.Fieldname)
			}
			if f.Required {
				def.Reqd = 1
				req.RequiredFilterNames = append(req.RequiredFilterNames, f.Fieldname)
			}
			req.FiltersDefinition = append(req.FiltersDefinition, def)
		}
		byReport[sr.Name] = req
	}

	builder := capability.NewBuilder(ontology.Default(), nil).WithClock(func() time.Time { return generatedAt })
	return builder.Build(reports, capability.BuildOptions{
		RequirementsByReport: byReport,
		GeneratedAt:          generatedAt,
	})
}

// tableExecutor serves the scenario's stub tables by report name.
func tableExecutor(sc *Scenario) pipeline.Executor {
	return pipeline.ExecutorFunc(func(_ context.Context, reportName string, _ map[string]any, _ bool, _ string) (*payload.Payload, error) {
		for name, tbl := range sc.Tables {
			if !strings.EqualFold(strings.TrimSpace(name), strings.TrimSpace(reportName)) {
				continue
			}
			out := payload.Payload{
				Type:       payload.TypeReportTable,
				ReportName: reportName,
				Table:      scenarioTable(tbl),
			}
			return &out, nil
		}
		return nil, nil
	})
}

func scenarioTable(tbl ScenarioTable) *payload.Table {
	out := &payload.Table{
		Columns: make([]payload.Column, 0, len(tbl.Columns)),
		Rows:    make([]payload.Row, 0, len(tbl.Rows)),
	}
	for _, c := range tbl.Columns {
		label := c.Label
		if label == "" {
			label = titleLabel(c.Fieldname)
		}
		out.Columns = append(out.Columns, payload.Column{
			Fieldname: c.Fieldname,
			Label:     label,
			Fieldtype: c.Fieldtype,
		})
	}
	for _, r := range tbl.Rows {
		row := make(payload.Row, len(r))
		for k, v := range r {
			row[k] = v
		}
		out.Rows = append(out.Rows, row)
	}
	return out
}

func titleLabel(fieldname string) string {
	parts := strings.Split(strings.TrimSpace(fieldname), "_")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, " ")
}

// RunAll loads every scenario under dir and runs each one.
func (r *Runner) RunAll(ctx context.Context, dir string) ([]*Result, error) {
	scenarios, err := LoadScenarios(dir)
	if err != nil {
		return nil, fmt.Errorf("load scenarios: %w", err)
	}
	results := make([]*Result, 0, len(scenarios))
	for _, sc := range scenarios {
		results = append(results, r.Run(ctx, sc))
	}
	return results, nil
}
