package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/goliatone/go-rollout/checkpoint"
	"github.com/goliatone/go-rollout/executor"
	"github.com/goliatone/go-rollout/operations"
	"github.com/goliatone/go-rollout/task"
)

type printer struct {
	out    io.Writer
	asJSON bool
}

func newPrinter(out io.Writer, format string) printer {
	return printer{out: out, asJSON: format == "json"}
}

func (p printer) result(st operations.RunStatus, metrics *executor.MemoryMetrics) error {
	if p.asJSON {
		return p.json(map[string]any{"status": st, "counters": untagged(metrics)})
	}

	tw := p.table()
	tw.AppendHeader(table.Row{"Task", "Tenant", "Status", "Stages", "Completed", "Duration", "Failure"})
	row := table.Row{st.TaskID, st.TenantID, st.Status, progress(st.CompletedStages, st.TotalStages), "", "", ""}
	if last := st.LastResult; last != nil {
		row[4] = strings.Join(last.CompletedStages, ", ")
		row[5] = last.Duration.Round(time.Millisecond).String()
		row[6] = last.FailureMessage
	}
	tw.AppendRow(row)
	tw.Render()

	counters := untagged(metrics)
	if len(counters) == 0 {
		return nil
	}
	names := make([]string, 0, len(counters))
	for name := range counters {
		names = append(names, name)
	}
	sort.Strings(names)
	mt := p.table()
	mt.AppendHeader(table.Row{"Metric", "Count"})
	for _, name := range names {
		mt.AppendRow(table.Row{name, counters[name]})
	}
	mt.Render()
	return nil
}

func (p printer) records(records []checkpoint.Record) error {
	if p.asJSON {
		return p.json(records)
	}
	tw := p.table()
	tw.AppendHeader(table.Row{"Task", "Tenant", "Status", "Stages", "Last stage", "Retries", "Updated", "Failure"})
	for _, r := range records {
		failure := r.FailureMessage
		if r.FailureType != "" {
			failure = r.FailureType + ": " + failure
		}
		tw.AppendRow(table.Row{
			r.TaskID, r.TenantID, r.Status, progress(r.CompletedStages, r.TotalStages),
			r.LastCompletedStage, r.RetryCount, r.UpdatedAt.Format(time.RFC3339), failure,
		})
	}
	tw.Render()
	return nil
}

func (p printer) events(events []task.Event) error {
	if p.asJSON {
		return p.json(events)
	}
	tw := p.table()
	tw.AppendHeader(table.Row{"Seq", "Time", "Event", "Status", "Stage", "Detail"})
	for _, evt := range events {
		detail := ""
		if evt.Failure != nil {
			detail = evt.Failure.Message
		}
		tw.AppendRow(table.Row{
			evt.SequenceID, evt.Timestamp.Format(time.RFC3339), evt.Type, evt.Status, evt.StageName, detail,
		})
	}
	tw.Render()
	return nil
}

func (p printer) table() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(p.out)
	return tw
}

func (p printer) json(v any) error {
	enc := json.NewEncoder(p.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func progress(done, total int) string {
	return fmt.Sprintf("%d/%d", done, total)
}

// untagged drops the name{k=v} series and keeps the totals.
func untagged(m *executor.MemoryMetrics) map[string]int64 {
	out := map[string]int64{}
	if m == nil {
		return out
	}
	for name, v := range m.Counters() {
		if !strings.Contains(name, "{") {
			out[name] = v
		}
	}
	return out
}
