// Package scenes holds the tabs of the lab dashboard.
package scenes

import (
	"fmt"
	"strings"
	"time"

	"detection-lab/internal/tui/api"
	"detection-lab/internal/tui/styles"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// TickMsg drives polling. Scene names the scene that scheduled it so the
// root model can drop ticks of inactive scenes.
type TickMsg struct {
	Scene string
	Time  time.Time
}

// topEvents is how many event names the dashboard lists.
const topEvents = 5

// DashboardScene shows the feed statistics and, once requested, the last
// lab evaluation.
type DashboardScene struct {
	client *api.Client

	summary    api.Summary
	err        error
	loading    bool
	evaluating bool
	fetched    time.Time
}

type summaryMsg struct {
	summary *api.Summary
	err     error
}

func NewDashboardScene(client *api.Client) *DashboardScene {
	return &DashboardScene{client: client, loading: true}
}

func (d *DashboardScene) Init() tea.Cmd { return d.fetch(false) }

// fetch polls the summary. Evaluating the lab is expensive, so results are
// only requested on [e].
func (d *DashboardScene) fetch(evaluate bool) tea.Cmd {
	client := d.client
	return func() tea.Msg {
		sum, err := client.GetSummary(evaluate)
		return summaryMsg{summary: sum, err: err}
	}
}

func (d *DashboardScene) TickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return TickMsg{Scene: "dashboard", Time: t}
	})
}

func (d *DashboardScene) Update(msg tea.Msg) (*DashboardScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "e" && !d.evaluating {
			d.evaluating = true
			return d, d.fetch(true)
		}

	case summaryMsg:
		d.loading, d.evaluating = false, false
		d.err = msg.err
		d.fetched = time.Now()
		if msg.summary == nil {
			return d, nil
		}
		next := *msg.summary
		// a plain refresh keeps the last evaluation
		if next.Results == nil && next.ResultsReason == "" {
			next.Results, next.ResultsReason = d.summary.Results, d.summary.ResultsReason
		}
		d.summary = next

	case TickMsg:
		if msg.Scene == "dashboard" {
			return d, d.fetch(false)
		}
	}
	return d, nil
}

func (d *DashboardScene) View() string {
	lines := []string{styles.Title.Render("  Detection Lab"), ""}
	if d.loading {
		return strings.Join(append(lines, styles.Muted.Render("  Loading...")), "\n")
	}
	if d.err != nil {
		lines = append(lines, styles.StatusError.Render(fmt.Sprintf("  Error: %v", d.err)))
	}

	status := styles.StatusError.Render("● OFFLINE")
	if d.summary.Healthy {
		status = styles.StatusOK.Render("● ONLINE")
	}
	lines = append(lines,
		fmt.Sprintf("  Server: %s  %s", status, styles.Muted.Render(d.summary.StatusReason)), "",
		lipgloss.JoinHorizontal(lipgloss.Top, d.cards()...), "",
		styles.Subtitle.Render("  Rule Scores"),
		d.matrix(),
	)
	if ev := d.events(); ev != "" {
		lines = append(lines, "", styles.Subtitle.Render("  Top Events"), ev)
	}
	if !d.fetched.IsZero() {
		lines = append(lines, "", styles.Muted.Render("  Last updated: "+d.fetched.Format("15:04:05")+"  [e] Evaluate"))
	}
	return strings.Join(lines, "\n")
}

func (d *DashboardScene) cards() []string {
	cards := []string{
		card("Actions", statValue(d.summary.Actions, "%.0f")),
		card("Compromised %", statValue(d.summary.Compromised, "%.1f")),
	}
	if res := d.summary.Results; res != nil {
		m := res.RuleScores
		cards = append(cards,
			card("Precision", fmt.Sprintf("%.2f", ratio(m.TruePositive, m.TruePositive+m.FalsePositive))),
			card("Recall", fmt.Sprintf("%.2f", ratio(m.TruePositive, m.TruePositive+m.FalseNegative))),
		)
	}
	return cards
}

// matrix renders the confusion matrix with malicious and benign rows
// against alerted and silent columns.
func (d *DashboardScene) matrix() string {
	res := d.summary.Results
	switch {
	case d.evaluating:
		return styles.Muted.Render("  Evaluating...")
	case res == nil && d.summary.ResultsReason != "":
		return styles.StatusError.Render("  " + d.summary.ResultsReason)
	case res == nil:
		return styles.Muted.Render("  No evaluation yet. Press [e] to evaluate the lab.")
	}
	m := res.RuleScores
	cell := func(style lipgloss.Style, n int) string { return style.Render(fmt.Sprintf("%10d", n)) }
	rows := []string{
		fmt.Sprintf("  %-12s %10s %10s", "", "Alerted", "Silent"),
		fmt.Sprintf("  %-12s %s %s", "Malicious", cell(styles.StatusOK, m.TruePositive), cell(styles.StatusError, m.FalseNegative)),
		fmt.Sprintf("  %-12s %s %s", "Benign", cell(styles.StatusWarning, m.FalsePositive), cell(styles.StatusOK, m.TrueNegative)),
	}
	if res.AccountID != "" {
		rows = append(rows, styles.Muted.Render(fmt.Sprintf("  Account %s  %s - %s",
			res.AccountID, res.Start.Format(time.RFC3339), res.End.Format(time.RFC3339))))
	}
	return strings.Join(rows, "\n")
}

// events lists the most frequent event names of the last evaluation.
func (d *DashboardScene) events() string {
	res := d.summary.Results
	if res == nil || len(res.EventCounts) == 0 {
		return ""
	}
	var rows []string
	for _, c := range res.EventCounts[:min(topEvents, len(res.EventCounts))] {
		rows = append(rows, fmt.Sprintf("  %-32s %6d %s", truncate(c.EventName, 32), c.Count, styles.Muted.Render(fmt.Sprintf("%5.1f%%", c.Percent))))
	}
	return strings.Join(rows, "\n")
}

func card(label, value string) string {
	return styles.Card.Render(styles.MetricValue.Render(value) + "\n" + styles.MetricLabel.Render(label))
}

func statValue(s *api.Statistic, format string) string {
	if s == nil {
		return "-"
	}
	return fmt.Sprintf(format, s.Value)
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}
