package scenes

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"detection-lab/internal/tui/api"
	"detection-lab/internal/tui/styles"

	tea "github.com/charmbracelet/bubbletea"
)

// JobsScene lists simulation jobs
type JobsScene struct {
	client     *api.Client
	jobs       []api.Job
	err        string
	width      int
	cursor     listCursor
	loading    bool
	lastUpdate time.Time
}

// jobsMsg carries updated jobs
type jobsMsg struct {
	jobs []api.Job
	err  string
}

// SelectJobMsg asks the parent model to open a job's events
type SelectJobMsg struct {
	ID string
}

// NewJobsScene creates a new jobs scene
func NewJobsScene(client *api.Client) *JobsScene {
	return &JobsScene{
		client:  client,
		loading: true,
		cursor:  listCursor{rows: 10},
	}
}

// Init initializes the jobs scene
func (j *JobsScene) Init() tea.Cmd {
	return j.fetchJobs()
}

func (j *JobsScene) fetchJobs() tea.Cmd {
	return func() tea.Msg {
		jobs, err := j.client.GetJobs()
		if err != nil {
			return jobsMsg{err: err.Error()}
		}
		sort.Slice(jobs, func(a, b int) bool {
			return jobs[a].CreatedAt.After(jobs[b].CreatedAt)
		})
		return jobsMsg{jobs: jobs}
	}
}

// TickCmd returns a command that ticks every interval
func (j *JobsScene) TickCmd() tea.Cmd {
	return tea.Tick(3*time.Second, func(t time.Time) tea.Msg {
		return TickMsg{Scene: "jobs", Time: t}
	})
}

// Selected returns the job under the cursor
func (j *JobsScene) Selected() (api.Job, bool) {
	if j.cursor.pos >= len(j.jobs) {
		return api.Job{}, false
	}
	return j.jobs[j.cursor.pos], true
}

// Update handles messages for the jobs scene
func (j *JobsScene) Update(msg tea.Msg) (*JobsScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		j.width = msg.Width
		j.cursor.rows = max(5, msg.Height-12)
		return j, nil

	case tea.KeyMsg:
		if j.cursor.key(msg.String(), len(j.jobs)) {
			return j, nil
		}
		switch msg.String() {
		case "enter":
			if job, ok := j.Selected(); ok {
				return j, func() tea.Msg { return SelectJobMsg{ID: job.ID} }
			}
		case "r":
			j.loading = true
			return j, j.fetchJobs()
		}
		return j, nil

	case jobsMsg:
		j.loading = false
		j.err = msg.err
		if msg.err == "" {
			j.jobs = msg.jobs
		}
		j.lastUpdate = time.Now()
		j.cursor.clamp(len(j.jobs))
		return j, nil

	case TickMsg:
		if msg.Scene == "jobs" {
			return j, j.fetchJobs()
		}
		return j, nil
	}

	return j, nil
}

// View renders the job list
func (j *JobsScene) View() string {
	var b strings.Builder

	b.WriteString(styles.Title.Render("  Simulation Jobs"))
	b.WriteString("\n\n")

	if j.loading && len(j.jobs) == 0 {
		b.WriteString(styles.Muted.Render("  Loading jobs..."))
		return b.String()
	}

	if j.err != "" {
		b.WriteString(styles.StatusError.Render(fmt.Sprintf("  Error: %s", j.err)))
		b.WriteString("\n\n")
		b.WriteString(styles.Muted.Render("  Press [r] to retry."))
		return b.String()
	}

	if len(j.jobs) == 0 {
		b.WriteString(styles.Muted.Render("  No jobs yet."))
		b.WriteString("\n\n")
		b.WriteString(styles.Muted.Render("  Start one with `detection-lab lab simulate` or POST /v1/jobs."))
		return b.String()
	}

	header := fmt.Sprintf("  %-38s %-10s %-6s %-24s %s", "ID", "Status", "Stage", "Techniques", "Created")
	b.WriteString(styles.TableHeader.Render(header))
	b.WriteString("\n")

	from, to := j.cursor.window(len(j.jobs))
	for i := from; i < to; i++ {
		b.WriteString(j.renderJobRow(j.jobs[i], i == j.cursor.pos))
		b.WriteString("\n")
	}

	b.WriteString(styles.Muted.Render(fmt.Sprintf("\n  %d jobs  [enter] Events  [r] Refresh", len(j.jobs))))
	if !j.lastUpdate.IsZero() {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("  |  Updated: %s", j.lastUpdate.Format("15:04:05"))))
	}
	if job, ok := j.Selected(); ok && job.Error != "" {
		b.WriteString("\n")
		b.WriteString(styles.StatusError.Render("  " + truncate(job.Error, 100)))
	}

	return b.String()
}

func (j *JobsScene) renderJobRow(job api.Job, selected bool) string {
	techniques := job.ScenarioID
	if techniques == "" {
		techniques = strings.Join(job.TechniqueIDs, ",")
	}
	row := fmt.Sprintf("  %-38s %s %-6d %-24s %s",
		truncate(job.ID, 38),
		formatStatus(job.Status),
		job.Stage,
		truncate(techniques, 24),
		job.CreatedAt.Local().Format("01-02 15:04:05"),
	)
	if selected {
		return styles.RowSelected.Render(row)
	}
	return row
}

func formatStatus(status string) string {
	return styles.ForStatus(status).Render(fmt.Sprintf("%-10s", status))
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
