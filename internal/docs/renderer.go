package docs

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/ignite/appforge/internal/apperr"
)

// maxMarginMM caps normalized margins.
const maxMarginMM = 100.0

// Margins are per-edge page margins as CSS-style lengths ("10mm", "1cm",
// "0.5in", "20px").
type Margins struct {
	Top    string `json:"top,omitempty"`
	Right  string `json:"right,omitempty"`
	Bottom string `json:"bottom,omitempty"`
	Left   string `json:"left,omitempty"`
}

// RenderOptions is what the PDF boundary receives: margins already normalized
// to millimeters and clamped.
type RenderOptions struct {
	Paper    string  `json:"paper"`
	TopMM    float64 `json:"top_mm"`
	RightMM  float64 `json:"right_mm"`
	BottomMM float64 `json:"bottom_mm"`
	LeftMM   float64 `json:"left_mm"`
	Header   string  `json:"header,omitempty"`
	Footer   string  `json:"footer,omitempty"`
}

// Renderer converts HTML to PDF bytes. Implemented outside the core by a
// headless browser process.
type Renderer interface {
	RenderPDF(ctx context.Context, html string, opts RenderOptions) ([]byte, error)
}

// unit factors to millimeters. px assumes CSS 96dpi.
var unitMM = map[string]float64{
	"mm": 1,
	"cm": 10,
	"in": 25.4,
	"px": 25.4 / 96,
}

// NormalizeMargin parses one margin length to millimeters, clamping to
// [0, 100]. Empty input falls back to the default.
func NormalizeMargin(value string, defaultMM float64) (float64, error) {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" {
		return defaultMM, nil
	}
	unit := "mm"
	num := value
	for u := range unitMM {
		if strings.HasSuffix(value, u) {
			unit = u
			num = strings.TrimSuffix(value, u)
			break
		}
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(num), 64)
	if err != nil {
		return 0, apperr.New(apperr.CodeDocRenderFailed, "bad margin %q", value)
	}
	mm := f * unitMM[unit]
	if mm < 0 {
		mm = 0
	}
	if mm > maxMarginMM {
		mm = maxMarginMM
	}
	return mm, nil
}

// NormalizeOptions resolves a template's paper and margins into renderer
// options. Default paper is A4 with 10mm margins.
func NormalizeOptions(paper string, m Margins, header, footer string) (RenderOptions, error) {
	if paper == "" {
		paper = "A4"
	}
	opts := RenderOptions{Paper: paper, Header: header, Footer: footer}
	var err error
	if opts.TopMM, err = NormalizeMargin(m.Top, 10); err != nil {
		return opts, fmt.Errorf("top: %w", err)
	}
	if opts.RightMM, err = NormalizeMargin(m.Right, 10); err != nil {
		return opts, fmt.Errorf("right: %w", err)
	}
	if opts.BottomMM, err = NormalizeMargin(m.Bottom, 10); err != nil {
		return opts, fmt.Errorf("bottom: %w", err)
	}
	if opts.LeftMM, err = NormalizeMargin(m.Left, 10); err != nil {
		return opts, fmt.Errorf("left: %w", err)
	}
	return opts, nil
}
