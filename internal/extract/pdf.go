// Package extract pulls per-page plain text out of PDF bytes.
package extract

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"

	"pagewise/internal/models"
	"pagewise/internal/util"
)

// Extractor returns one PageText per page, in page order, and the page count.
// Pages without text are returned with empty Text.
type Extractor interface {
	Extract(ctx context.Context, data []byte) ([]models.PageText, int, error)
}

type PDF struct{}

func NewPDF() *PDF { return &PDF{} }

func (PDF) Extract(ctx context.Context, data []byte) (pages []models.PageText, count int, err error) {
	defer func() {
		// the parser panics on some malformed inputs
		if r := recover(); r != nil {
			pages, count = nil, 0
			err = fmt.Errorf("parse pdf: %v: %w", r, util.ErrFatalIngestion)
		}
	}()
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, 0, fmt.Errorf("open pdf: %w: %v", util.ErrFatalIngestion, err)
	}
	count = r.NumPage()
	if count == 0 {
		return nil, 0, fmt.Errorf("pdf has no pages: %w", util.ErrFatalIngestion)
	}
	pages = make([]models.PageText, 0, count)
	for i := 1; i <= count; i++ {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		p := r.Page(i)
		if p.V.IsNull() {
			pages = append(pages, models.PageText{Page: i})
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			// one unreadable page should not sink the document
			text = ""
		}
		pages = append(pages, models.PageText{Page: i, Text: strings.TrimSpace(util.SanitizeText(text))})
	}
	return pages, count, nil
}

// HasText reports whether any page yielded text.
func HasText(pages []models.PageText) bool {
	for _, p := range pages {
		if strings.TrimSpace(p.Text) != "" {
			return true
		}
	}
	return false
}
