package evidence

import (
	"bytes"
	"encoding/json"
	"mime"
	"strings"
	"unicode/utf8"

	"github.com/JakeFAU/regwatch/internal/model"
)

type classifier struct {
	class model.ContentClass
	match func(mediaType string, body []byte) bool
}

// classifiers run in order; the first match wins.
var classifiers = []classifier{
	{model.ClassPDFText, isPDF},
	{model.ClassJSON, isJSON},
	{model.ClassHTML, isHTML},
	{model.ClassXML, isXML},
	{model.ClassPlain, isPlain},
}

// Classify assigns a content class from the declared type and the leading bytes.
// PDFs are reported as ClassPDFText when their body references fonts and as
// ClassPDFScanned otherwise.
func Classify(contentType string, body []byte) model.ContentClass {
	mediaType := mediaTypeOf(contentType)
	for _, c := range classifiers {
		if !c.match(mediaType, body) {
			continue
		}
		if c.class == model.ClassPDFText && !bytes.Contains(body, []byte("/Font")) {
			return model.ClassPDFScanned
		}
		return c.class
	}
	return model.ClassUnknown
}

func mediaTypeOf(contentType string) string {
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	}
	return mt
}

func leading(body []byte) []byte {
	trimmed := bytes.TrimLeft(body, "\xef\xbb\xbf \t\r\n")
	if len(trimmed) > 512 {
		trimmed = trimmed[:512]
	}
	return trimmed
}

func isPDF(mediaType string, body []byte) bool {
	return mediaType == "application/pdf" || bytes.HasPrefix(leading(body), []byte("%PDF-"))
}

func isJSON(mediaType string, body []byte) bool {
	if mediaType == "application/json" || strings.HasSuffix(mediaType, "+json") {
		return true
	}
	head := leading(body)
	if len(head) == 0 || (head[0] != '{' && head[0] != '[') {
		return false
	}
	return json.Valid(body)
}

func isHTML(mediaType string, body []byte) bool {
	if mediaType == "text/html" || mediaType == "application/xhtml+xml" {
		return true
	}
	head := bytes.ToLower(leading(body))
	return bytes.HasPrefix(head, []byte("<!doctype html")) || bytes.Contains(head, []byte("<html"))
}

func isXML(mediaType string, body []byte) bool {
	if mediaType == "application/xml" || mediaType == "text/xml" || strings.HasSuffix(mediaType, "+xml") {
		return true
	}
	return bytes.HasPrefix(leading(body), []byte("<?xml"))
}

func isPlain(mediaType string, body []byte) bool {
	if strings.HasPrefix(mediaType, "text/") {
		return true
	}
	return mediaType == "" && len(body) > 0 && utf8.Valid(body) && !bytes.ContainsRune(body, 0)
}
