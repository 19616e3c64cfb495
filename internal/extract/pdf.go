package extract

import (
	"bytes"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/patchscout/patchscout/internal/models"
)

// extractPDF reads the PDF text layer. Scanned PDFs with no text layer come
// back insufficient; OCR is out of scope.
func extractPDF(body []byte, minBytes int) Result {
	reader, err := pdf.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return Result{Method: models.MethodInsufficient}
	}

	var b strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		b.WriteString(text)
		b.WriteString("\n")
	}

	return pdfResult(cleanText(b.String()), minBytes)
}

// pdfResult tags text-layer output with its own method so stored rows can
// tell PDF extraction apart from the HTML tiers.
func pdfResult(text string, minBytes int) Result {
	if len(text) < minBytes {
		return Result{Method: models.MethodInsufficient}
	}
	return Result{
		Text:   text,
		Length: len(text),
		Method: models.MethodPDFText,
	}
}
