package export

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"formcraft/api/internal/store"
)

type Service struct {
	pdf PDFRenderer
	now func() time.Time
}

func NewService(pdf PDFRenderer) *Service {
	if pdf == nil {
		pdf = ChromeRenderer{}
	}
	return &Service{pdf: pdf, now: time.Now}
}

// Export renders subs in format. The filename is derived from the form name.
func (s *Service) Export(ctx context.Context, format Format, form store.Form, subs []store.Submission) (*Result, error) {
	base := sanitizeFilename(form.Name) + "-submissions"
	var buf bytes.Buffer

	switch format {
	case FormatCSV:
		if err := WriteCSV(&buf, form.Fields, subs); err != nil {
			return nil, err
		}
		return &Result{Data: buf.Bytes(), Filename: base + ".csv", MimeType: "text/csv; charset=utf-8"}, nil

	case FormatJSON:
		if err := WriteJSON(&buf, form.Fields, subs); err != nil {
			return nil, err
		}
		return &Result{Data: buf.Bytes(), Filename: base + ".json", MimeType: "application/json"}, nil

	case FormatPDF:
		html, err := RenderReportHTML(BuildReport(form, subs, s.now()))
		if err != nil {
			return nil, fmt.Errorf("render template: %w", err)
		}
		data, err := s.pdf.RenderPDF(ctx, html)
		if err != nil {
			return nil, err
		}
		return &Result{Data: data, Filename: base + ".pdf", MimeType: "application/pdf"}, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}
