package deepr

import (
	"context"
	"fmt"

	"github.com/eternisai/enchanted-research/internal/search"
	"github.com/eternisai/enchanted-research/internal/storage/reports"
)

// ReportWriter stores report documents. Implemented by reports.MongoStore.
type ReportWriter interface {
	Insert(ctx context.Context, report *reports.Report) (string, error)
}

// ObjectWriter stores exported files. Implemented by reports.MinioStore.
type ObjectWriter interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
}

// ReportArchive exports each report as Markdown to object storage and records it as a
// document. Either backend may be nil.
type ReportArchive struct {
	documents ReportWriter
	objects   ObjectWriter
}

func NewReportArchive(documents ReportWriter, objects ObjectWriter) *ReportArchive {
	return &ReportArchive{documents: documents, objects: objects}
}

func (a *ReportArchive) Archive(ctx context.Context, job Job, result *Result) error {
	report := toReport(job, result)

	if a.objects != nil {
		key := reports.ObjectKey(job.UserID, job.TurnID)
		if err := a.objects.Upload(ctx, key, markdown(report), "text/markdown; charset=utf-8"); err != nil {
			return fmt.Errorf("upload markdown: %w", err)
		}
		report.MarkdownObjectKey = key
	}

	if a.documents != nil {
		if _, err := a.documents.Insert(ctx, report); err != nil {
			return fmt.Errorf("insert report: %w", err)
		}
	}

	return nil
}

func toReport(job Job, result *Result) *reports.Report {
	report := &reports.Report{
		UserID:       job.UserID,
		TurnID:       job.TurnID,
		Query:        job.Query,
		Title:        result.Outline.Title,
		Summary:      result.Outline.Summary,
		TotalWords:   result.TotalWords,
		TotalSources: result.TotalSources,
		Sections:     make([]reports.Section, 0, len(result.Sections)),
	}

	for _, s := range result.Sections {
		report.Sections = append(report.Sections, reports.Section{
			ID:        s.ID,
			Title:     s.Title,
			Content:   s.Content,
			Sources:   toReportSources(s.Sources),
			WordCount: s.WordCount,
		})
	}

	return report
}

func toReportSources(sources []search.Source) []reports.Source {
	out := make([]reports.Source, len(sources))
	for i, s := range sources {
		out[i] = reports.Source{URL: s.URL, Title: s.Title, Snippet: s.Snippet}
	}
	return out
}

func markdown(report *reports.Report) []byte {
	return reports.Markdown(report)
}
