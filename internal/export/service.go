// Package export renders Jobs as XLSX workbooks for audit.
package export

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"jobpipe/internal/jobs"
	"jobpipe/internal/pipeline"
	logx "jobpipe/pkg/logx"
)

const (
	SheetJob   = "Job"
	SheetTasks = "Tasks"
)

// Source is the read side of jobs.Service used here.
type Source interface {
	GetJob(ctx context.Context, id int64) (jobs.Detail, error)
}

type Service struct {
	src Source
	log logx.Logger
}

func New(src Source, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{src: src, log: log.With(logx.String("comp", "export"))}
}

// JobXLSX returns a workbook with a summary sheet for the Job and one row
// per Task in creation order.
func (s *Service) JobXLSX(ctx context.Context, jobID int64) ([]byte, error) {
	start := time.Now()
	d, err := s.src.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	// the default sheet becomes the summary
	if err := f.SetSheetName(f.GetSheetName(0), SheetJob); err != nil {
		return nil, err
	}
	summary := [][2]any{
		{"ID", d.ID},
		{"Reference", d.ExternalRef},
		{"Name", d.Name},
		{"Owner", d.Owner},
		{"Status", string(d.Status)},
		{"Progress", d.Progress},
		{"Parallelism", d.Parallelism},
		{"Halted", d.Halted},
		{"Created", formatTime(d.CreatedAt)},
		{"Updated", formatTime(d.UpdatedAt)},
	}
	for i, kv := range summary {
		_ = f.SetCellValue(SheetJob, cell(1, i+1), kv[0])
		_ = f.SetCellValue(SheetJob, cell(2, i+1), kv[1])
	}
	_ = f.SetColWidth(SheetJob, "A", "A", 14)
	_ = f.SetColWidth(SheetJob, "B", "B", 40)

	if _, err := f.NewSheet(SheetTasks); err != nil {
		return nil, err
	}
	headers := []string{"Task ID", "Type", "Article", "Status", "Progress", "Updated", "Last log"}
	for i, h := range headers {
		_ = f.SetCellValue(SheetTasks, cell(i+1, 1), h)
	}
	counts := pipeline.Counts{}
	for i, t := range d.Tasks {
		row := i + 2
		counts[t.Status]++
		vals := []any{t.ID, string(t.Type), t.ArticleID, string(t.Status), t.Progress, formatTime(t.UpdatedAt), logx.Truncate(lastLine(t.Logs), 140)}
		for col, v := range vals {
			_ = f.SetCellValue(SheetTasks, cell(col+1, row), v)
		}
	}
	_ = f.SetColWidth(SheetTasks, "B", "B", 24)
	_ = f.SetColWidth(SheetTasks, "C", "C", 28)
	_ = f.SetColWidth(SheetTasks, "F", "F", 20)
	_ = f.SetColWidth(SheetTasks, "G", "G", 60)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	s.log.Info("export.xlsx.ok",
		logx.Int64("job_id", jobID),
		logx.Int("rows", len(d.Tasks)),
		logx.Int("failed", counts[pipeline.StatusFailed]),
		logx.Duration("elapsed", time.Since(start)),
	)
	return buf.Bytes(), nil
}

func cell(col, row int) string {
	name, _ := excelize.CoordinatesToCellName(col, row)
	return name
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func lastLine(logs string) string {
	logs = strings.TrimRight(logs, "\n")
	if i := strings.LastIndexByte(logs, '\n'); i >= 0 {
		return logs[i+1:]
	}
	return logs
}
