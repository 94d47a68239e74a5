package spool

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"

	pdf "github.com/ledongthuc/pdf"
)

var pdfMagic = []byte("%PDF-")

// decodePDF accepts standard or unpadded base64, optionally wrapped in a
// data URI, and requires the %PDF- header.
func decodePDF(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if i := strings.Index(encoded, ";base64,"); i >= 0 && strings.HasPrefix(encoded, "data:") {
		encoded = encoded[i+len(";base64,"):]
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(encoded)
	}
	if err != nil {
		return nil, invalidField("pdfData", "Must be a valid base64 string")
	}
	if !bytes.HasPrefix(data, pdfMagic) {
		return nil, invalidField("pdfData", "Content is not a PDF document")
	}
	return data, nil
}

// pageCount is best effort: 0 means the document could not be parsed.
func pageCount(data []byte) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			n, err = 0, fmt.Errorf("pdf parser panic: %v", r)
		}
	}()

	doc, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("new pdf reader: %w", err)
	}
	return doc.NumPage(), nil
}
