package export

import (
	"bytes"
	"embed"
	"html/template"
	"sort"
	"time"

	"formcraft/api/internal/store"
)

//go:embed templates/*.html
var templateFS embed.FS

var reportTemplate = template.Must(template.New("report.html").Funcs(template.FuncMap{
	"formatDate": func(t time.Time, layout string) string {
		return t.UTC().Format(layout)
	},
}).ParseFS(templateFS, "templates/report.html"))

type ReportData struct {
	Title       string
	Description string
	GeneratedAt time.Time
	Total       int
	ByType      []TypeCount
	Rows        []ReportRow
}

type TypeCount struct {
	Type  string
	Count int
}

type ReportRow struct {
	SubmittedAt time.Time
	Type        string
	Cells       []ReportCell
}

type ReportCell struct {
	Label string
	Value string
}

// BuildReport lays out submissions for the PDF template, oldest first.
func BuildReport(form store.Form, subs []store.Submission, now time.Time) ReportData {
	columns := Columns(form.Fields)
	data := ReportData{
		Title:       form.Name,
		Description: form.Description,
		GeneratedAt: now,
		Total:       len(subs),
		Rows:        make([]ReportRow, 0, len(subs)),
	}

	counts := map[string]int{}
	for _, sub := range sortedByTime(subs) {
		counts[string(sub.Type)]++
		row := ReportRow{SubmittedAt: sub.SubmittedAt, Type: string(sub.Type)}
		for _, column := range columns {
			value := Stringify(sub.Values[column.FieldID])
			if value == "" {
				continue
			}
			row.Cells = append(row.Cells, ReportCell{Label: column.Label, Value: value})
		}
		data.Rows = append(data.Rows, row)
	}
	for kind, count := range counts {
		data.ByType = append(data.ByType, TypeCount{Type: kind, Count: count})
	}
	sort.Slice(data.ByType, func(i, j int) bool { return data.ByType[i].Type < data.ByType[j].Type })
	return data
}

func RenderReportHTML(data ReportData) (string, error) {
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
