package main

import (
	"bytes"
	"fmt"
	"path"
	"strings"

	"github.com/JamesJJ/dmarc-rollup/internal/dmarc"
	"github.com/JamesJJ/dmarc-rollup/internal/ingest"
	"github.com/charmbracelet/log"
	"github.com/jhillyerd/enmime"
)

// MailParts are the report files found in one raw object.
type MailParts struct {
	MailToFirstAddress string
	Files              []ingest.File
}

var reportContentTypes = map[string]bool{
	"application/zip":              true,
	"application/x-zip":            true,
	"application/x-zip-compressed": true,
	"application/gzip":             true,
	"application/x-gzip":           true,
	"application/xml":              true,
	"text/xml":                     true,
}

var reportExtensions = []string{".xml", ".gz", ".gzip", ".zip"}

// ExtractReports returns the report attachments of a raw RFC 5322 message.
// A payload that already is a report, or a message without report parts,
// is handed through unchanged as a single file.
func ExtractReports(name string, raw []byte) *MailParts {

	passThrough := &MailParts{
		MailToFirstAddress: "unknown",
		Files:              []ingest.File{{Name: name, Data: raw}},
	}

	if dmarc.Detect(raw) != dmarc.NotCompressed || dmarc.LooksLikeXML(raw) {
		return passThrough
	}

	log.Debug("Parsing email", "object", name)

	envelope, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		log.Debug("Not a MIME message, passing through", "object", name, "error", err)
		return passThrough
	}

	mail := &MailParts{MailToFirstAddress: "unknown"}
	if alist, alistErr := envelope.AddressList("To"); alistErr == nil {
		for _, addr := range alist {
			mail.MailToFirstAddress = addr.Address
			break
		}
	}

	var parts []*enmime.Part
	parts = append(parts, envelope.Attachments...)
	parts = append(parts, envelope.Inlines...)
	parts = append(parts, envelope.OtherParts...)

	for i, part := range parts {
		log.Debug("Mail part", "content_type", part.ContentType, "file", part.FileName)

		if !isReportPart(part) || len(part.Content) == 0 {
			continue
		}

		fileName := part.FileName
		if fileName == "" {
			fileName = fmt.Sprintf("%s#part%d", name, i)
		}
		mail.Files = append(mail.Files, ingest.File{Name: fileName, Data: part.Content})
	}

	if len(mail.Files) == 0 {
		log.Warn("No report attachments found in mail", "object", name, "to", mail.MailToFirstAddress)
		passThrough.MailToFirstAddress = mail.MailToFirstAddress
		return passThrough
	}
	return mail
}

func isReportPart(p *enmime.Part) bool {
	if reportContentTypes[strings.ToLower(p.ContentType)] {
		return true
	}
	ext := strings.ToLower(path.Ext(p.FileName))
	for _, e := range reportExtensions {
		if ext == e {
			return true
		}
	}
	return false
}
