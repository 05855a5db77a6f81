package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"

	"detection-lab/internal/coordinator"
	"detection-lab/internal/lab"
	"detection-lab/internal/optimizer"
	"detection-lab/internal/siem"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderJob(w io.Writer, job coordinator.Job) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"ID", "Status", "Stage", "Techniques", "Users", "Error"})
	techniques := job.ScenarioID
	if techniques == "" {
		techniques = strings.Join(job.TechniqueIDs, ",")
	}
	tw.AppendRow(table.Row{job.ID, job.Status, job.Stage, techniques, job.UserCount, job.Error})
	tw.Render()
}

// renderResults prints the confusion matrix followed by the event
// distribution and the lab users.
func renderResults(w io.Writer, res lab.Results) {
	fmt.Fprintf(w, "Account %s  bucket %s  regions %s\n", res.AccountID, res.BucketName, strings.Join(res.Regions, ","))
	fmt.Fprintf(w, "Window %s .. %s\n\n", res.Start.Format("2006-01-02T15:04:05Z07:00"), res.End.Format("2006-01-02T15:04:05Z07:00"))

	m := res.RuleScores
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"", "Alerted", "Silent"})
	tw.AppendRow(table.Row{"Malicious", m.TruePositive, m.FalseNegative})
	tw.AppendRow(table.Row{"Benign", m.FalsePositive, m.TrueNegative})
	tw.AppendFooter(table.Row{"Precision", fmt.Sprintf("%.2f", m.Precision()), ""})
	tw.AppendFooter(table.Row{"Recall", fmt.Sprintf("%.2f", m.Recall()), ""})
	tw.Render()

	if len(res.EventCounts) > 0 {
		fmt.Fprintln(w)
		tw = table.NewWriter()
		tw.SetOutputMirror(w)
		tw.AppendHeader(table.Row{"Event", "Count", "Percent"})
		for _, c := range res.EventCounts {
			tw.AppendRow(table.Row{c.EventName, c.Count, fmt.Sprintf("%.1f", c.Percent)})
		}
		tw.Render()
	}

	if len(res.Users) > 0 {
		fmt.Fprintln(w)
		tw = table.NewWriter()
		tw.SetOutputMirror(w)
		tw.AppendHeader(table.Row{"User", "Compromised", "Persona", "Policy"})
		for _, u := range res.Users {
			tw.AppendRow(table.Row{u.Name, u.IsCompromised, u.Persona, u.Policy})
		}
		tw.Render()
	}

	if res.LogsPath != "" {
		fmt.Fprintf(w, "\nTriage logs: %s\nTriage alerts: %s\n", res.LogsPath, res.AlertsPath)
	}
}

func renderRules(w io.Writer, rules []siem.DetectionRule) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"ID", "Name", "Source", "Tactic", "Technique", "Default", "Enabled"})
	for _, r := range rules {
		if r.IsDeleted {
			continue
		}
		tw.AppendRow(table.Row{r.ID, r.Name, r.Source, r.Tactic, r.Technique, r.IsDefault, r.IsEnabled})
	}
	tw.Render()
}

func renderCandidates(w io.Writer, results []optimizer.Result) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"#", "Alerts", "Changes", "Query"})
	for i, r := range results {
		tw.AppendRow(table.Row{i, r.NAlerts, r.RuleRec.Changes, r.RuleRec.Rule.SearchQuery()})
	}
	tw.Render()
}
