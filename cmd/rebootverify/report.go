package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/rebootverify/rebootverify/pkg/reboot"
	"github.com/rebootverify/rebootverify/pkg/scenario"
)

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	return t
}

func renderResults(w io.Writer, results []scenario.Result) {
	t := newTable(w)
	t.AppendHeader(table.Row{"DEVICE", "SCENARIO", "STATUS", "REBOOTS", "REVERTED", "DURATION", "MESSAGE"})

	counts := make(map[scenario.Status]int)
	for _, res := range results {
		counts[res.Status]++
		t.AppendRow(table.Row{
			res.Device,
			res.Scenario,
			statusText(res.Status),
			len(res.Reboots),
			res.Reverted,
			res.Duration.Round(time.Second),
			truncate(res.Message, 80),
		})
	}
	t.AppendFooter(table.Row{"", "TOTAL", fmt.Sprintf("%d passed, %d failed, %d error, %d skipped",
		counts[scenario.StatusPassed], counts[scenario.StatusFailed],
		counts[scenario.StatusError], counts[scenario.StatusSkipped])})
	t.Render()
}

func renderOutcome(w io.Writer, out reboot.Outcome) {
	t := newTable(w)
	t.AppendHeader(table.Row{"FIELD", "VALUE"})
	t.AppendRows([]table.Row{
		{"state", stateText(out)},
		{"host", out.Host},
		{"ready host", out.ReadyHost},
		{"boot epoch before", epochText(out.Before.Start, out.Before.IsZero())},
		{"boot epoch after", epochText(out.After.Start, out.After.IsZero())},
		{"readiness attempts", out.ReadinessAttempts},
		{"epoch attempts", out.EpochAttempts},
		{"duration", out.Duration.Round(time.Millisecond)},
	})
	if out.FailedIn != "" {
		t.AppendRow(table.Row{"failed in", string(out.FailedIn)})
	}
	if out.Err != nil {
		t.AppendRow(table.Row{"error", truncate(out.Err.Error(), 120)})
	}
	t.Render()
}

func renderScenarios(w io.Writer, scenarios []scenario.Scenario) {
	t := newTable(w)
	t.AppendHeader(table.Row{"NAME", "TITLE", "OS VERSION"})
	for _, sc := range scenarios {
		constraint := sc.OSVersion
		if constraint == "" {
			constraint = "any"
		}
		t.AppendRow(table.Row{sc.Name, sc.Title, constraint})
	}
	t.Render()
}

func statusText(s scenario.Status) string {
	switch s {
	case scenario.StatusPassed:
		return text.FgGreen.Sprint(string(s))
	case scenario.StatusFailed, scenario.StatusError:
		return text.FgRed.Sprint(string(s))
	default:
		return text.FgYellow.Sprint(string(s))
	}
}

func stateText(out reboot.Outcome) string {
	if out.Succeeded() {
		return text.FgGreen.Sprint(string(out.State))
	}
	return text.FgRed.Sprint(string(out.State))
}

func epochText(t time.Time, zero bool) string {
	if zero {
		return "-"
	}
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
