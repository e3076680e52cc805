// Package report persists run artifacts (issue and missing-parent reports)
// and renders the final summary.
package report

import (
	"fmt"
	"strings"

	"github.com/datamove-io/datamove/internal/endpoint"
	"github.com/datamove-io/datamove/pkg/models"
)

// Column orders are fixed and stable; downstream tooling parses these files.
var issueHeaders = []string{"Object", "Field", "Value", "ParentObject", "ParentField", "ParentValue", "Cause"}
var missingParentHeaders = []string{"Object", "Field", "Value", "RecordId"}

// WriteIssues persists the accumulated conformance issues.
func WriteIssues(store *endpoint.FileStore, path string, issues []models.IssueRow) error {
	rows := make([]models.Record, 0, len(issues))
	for _, i := range issues {
		rows = append(rows, models.Record{
			"Object":       i.Object,
			"Field":        i.Field,
			"Value":        i.Value,
			"ParentObject": i.ParentObject,
			"ParentField":  i.ParentField,
			"ParentValue":  i.ParentValue,
			"Cause":        i.Cause,
		})
	}
	return store.WriteAll(path, issueHeaders, rows)
}

// WriteMissingParents persists the unresolved references found at write time.
func WriteMissingParents(store *endpoint.FileStore, path string, rows []models.MissingParentRow) error {
	out := make([]models.Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.Record{
			"Object":   r.Object,
			"Field":    r.Field,
			"Value":    r.Value,
			"RecordId": r.RecordID,
		})
	}
	return store.WriteAll(path, missingParentHeaders, out)
}

// RenderSummary formats the per-object, per-pass run summary.
func RenderSummary(summary *models.RunSummary) string {
	var b strings.Builder
	line := strings.Repeat("=", 60)
	b.WriteString("\n" + line + "\n")
	b.WriteString("MIGRATION SUMMARY\n")
	b.WriteString(line + "\n")

	for _, obj := range summary.Objects {
		b.WriteString(fmt.Sprintf("%s\n", obj.Object))
		for _, p := range obj.Passes {
			b.WriteString(fmt.Sprintf("  %-18s inserted=%-6d updated=%-6d deleted=%-6d\n",
				p.Pass, p.Inserted, p.Updated, p.Deleted))
		}
		t := obj.Totals()
		b.WriteString(fmt.Sprintf("  %-18s inserted=%-6d updated=%-6d deleted=%-6d\n",
			"total", t.Inserted, t.Updated, t.Deleted))
	}
	b.WriteString(line + "\n")
	return b.String()
}
