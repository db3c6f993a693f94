// Package ocr provides text extraction for PDF evidence: a local pdftotext
// extractor for documents with a text layer and an HTTP OCR collaborator for scans.
package ocr

import (
	"context"

	"github.com/rotisserie/eris"
)

// Result is the text recovered from one document.
type Result struct {
	Text  string
	Pages int
}

// Extractor turns raw document bytes into text.
type Extractor interface {
	Extract(ctx context.Context, document []byte) (Result, error)
}

// Config selects the scanned-document provider.
type Config struct {
	Provider      string `mapstructure:"provider"`
	PdfToTextPath string `mapstructure:"pdftotext_path"`
	Endpoint      string `mapstructure:"endpoint"`
	Model         string `mapstructure:"model"`
	APIKey        string `mapstructure:"api_key"`
}

// NewExtractor builds the OCR collaborator named by cfg.Provider.
func NewExtractor(cfg Config) (Extractor, error) {
	switch cfg.Provider {
	case "local", "":
		return NewPdfToText(cfg.PdfToTextPath), nil
	case "mistral":
		if cfg.APIKey == "" {
			return nil, eris.New("ocr: mistral provider requires api_key")
		}
		return NewMistral(cfg.APIKey, cfg.Model, cfg.Endpoint), nil
	default:
		return nil, eris.Errorf("ocr: unknown provider %q", cfg.Provider)
	}
}

// HasTextLayer reports whether extracted text looks like a real text layer rather
// than the handful of stray glyphs pdftotext emits for image-only pages.
func HasTextLayer(text string, pages int) bool {
	if pages <= 0 {
		pages = 1
	}
	letters := 0
	for _, r := range text {
		if r > ' ' {
			letters++
		}
	}
	return letters/pages >= 50
}
