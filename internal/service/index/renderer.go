package index

import (
	"bytes"
	"fmt"
	"html/template"
	"sort"
	"time"

	"github.com/kubev2v/heap-monitor/internal/processing"
	"github.com/kubev2v/heap-monitor/internal/store/model"
)

type Renderer struct {
	tmpl *template.Template
}

type row struct {
	ID        string
	Source    string
	Artifact  string
	Timestamp string
	Status    string
	Error     string
	Duration  string
	Outputs   []link
}

type link struct {
	Name string
	URL  string
}

type templateData struct {
	GeneratedAt string
	Stats       processing.Stats
	Rows        []row
}

func NewRenderer() *Renderer {
	return &Renderer{tmpl: template.Must(template.New("index").Parse(indexTemplate))}
}

// Render builds the HTML index of the given reports, in the order given.
func (r *Renderer) Render(reports []model.Report, stats processing.Stats) (string, error) {
	data := templateData{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Stats:       stats,
		Rows:        make([]row, 0, len(reports)),
	}
	for _, report := range reports {
		data.Rows = append(data.Rows, toRow(report))
	}

	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute HTML template: %w", err)
	}
	return buf.String(), nil
}

func toRow(report model.Report) row {
	rw := row{
		ID:        report.ID,
		Source:    report.Source,
		Artifact:  report.ArtifactName,
		Timestamp: report.Timestamp.UTC().Format(time.DateTime),
		Status:    string(report.Status),
	}
	if report.Error != nil {
		rw.Error = report.Error.String()
	}
	if d := report.ProcessingTime(); d > 0 {
		rw.Duration = d.Round(time.Second).String()
	}
	if report.Status == model.ReportStatusCompleted {
		names := make([]string, 0, len(report.Outputs))
		for name := range report.Outputs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			rw.Outputs = append(rw.Outputs, link{Name: name, URL: fmt.Sprintf("/api/v1/reports/%s/outputs/%s", report.ID, name)})
		}
	}
	return rw
}

const indexTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="utf-8">
    <title>Heap dump reports</title>
    <style>
        body { font-family: sans-serif; margin: 2em; color: #222; }
        table { border-collapse: collapse; width: 100%; }
        th, td { border: 1px solid #ccc; padding: 6px 10px; text-align: left; }
        th { background: #f0f0f0; }
        .Completed { color: #2e7d32; }
        .Failed { color: #c62828; }
        .Running { color: #1565c0; }
        .Queued { color: #757575; }
        .stats span { margin-right: 1.5em; }
    </style>
</head>
<body>
    <h1>Heap dump reports</h1>
    <p class="stats">
        <span>Total: {{.Stats.Total}}</span>
        <span>Queued: {{.Stats.Queued}}</span>
        <span>Running: {{.Stats.Running}}</span>
        <span>Completed: {{.Stats.Completed}}</span>
        <span>Failed: {{.Stats.Failed}}</span>
    </p>
    {{if .Rows}}
    <table>
        <tr><th>Source</th><th>Artifact</th><th>Timestamp</th><th>Status</th><th>Duration</th><th>Reports</th></tr>
        {{range .Rows}}
        <tr>
            <td>{{.Source}}</td>
            <td title="{{.ID}}">{{.Artifact}}</td>
            <td>{{.Timestamp}}</td>
            <td class="{{.Status}}">{{.Status}}{{if .Error}}<br><small>{{.Error}}</small>{{end}}</td>
            <td>{{.Duration}}</td>
            <td>{{range .Outputs}}<a href="{{.URL}}">{{.Name}}</a> {{end}}</td>
        </tr>
        {{end}}
    </table>
    {{else}}
    <p>No heap dumps analyzed yet.</p>
    {{end}}
    <p><small>Generated {{.GeneratedAt}}</small></p>
</body>
</html>
`
