package evidence

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/JakeFAU/regwatch/internal/model"
)

// extracted is the text artifact produced for one content class.
type extracted struct {
	kind  model.ArtifactKind
	text  string
	pages int
}

type textBuilder func(ctx context.Context, body []byte) (extracted, error)

// textBuilders maps classes with a synchronous text path to their builder. Scanned
// PDFs are absent because they go to the OCR queue; text PDFs are handled in Capture
// since their extraction also decides the final class.
var textBuilders = map[model.ContentClass]textBuilder{
	model.ClassHTML:  htmlText,
	model.ClassXML:   xmlText,
	model.ClassJSON:  jsonText,
	model.ClassPlain: plainText,
}

// HTMLText renders the visible text of an HTML document, one block per line.
func HTMLText(body []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", eris.Wrap(err, "parse html")
	}
	doc.Find("script, style, noscript, template, svg").Remove()
	doc.Find("br, p, div, li, tr, h1, h2, h3, h4, h5, h6, td, th, section, article").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml("\n")
	})
	return normalizeLines(doc.Text()), nil
}

func htmlText(_ context.Context, body []byte) (extracted, error) {
	text, err := HTMLText(body)
	if err != nil {
		return extracted{}, err
	}
	return extracted{kind: model.ArtifactHTMLText, text: text}, nil
}

func xmlText(_ context.Context, body []byte) (extracted, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.Strict = false
	dec.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		enc, err := htmlindex.Get(charset)
		if err != nil {
			return nil, eris.Wrapf(err, "unsupported charset %q", charset)
		}
		return enc.NewDecoder().Reader(input), nil
	}
	var sb strings.Builder
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return extracted{}, eris.Wrap(err, "read xml token")
		}
		switch t := tok.(type) {
		case xml.CharData:
			sb.Write(t)
		case xml.EndElement:
			sb.WriteByte('\n')
		}
	}
	return extracted{kind: model.ArtifactXMLText, text: normalizeLines(sb.String())}, nil
}

func jsonText(_ context.Context, body []byte) (extracted, error) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err != nil {
		return extracted{}, eris.Wrap(err, "indent json")
	}
	return extracted{kind: model.ArtifactJSONText, text: buf.String()}, nil
}

func plainText(_ context.Context, body []byte) (extracted, error) {
	return extracted{kind: model.ArtifactPlain, text: strings.TrimSpace(string(body))}, nil
}

func normalizeLines(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, l := range lines {
		if l = strings.Join(strings.Fields(l), " "); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}
