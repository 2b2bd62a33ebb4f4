// Package export renders completion certificates as PDF through
// headless Chrome.
package export

import (
	"bytes"
	"errors"
	"html/template"
	"time"
)

var ErrPDFDependencyMissing = errors.New("pdf export dependency missing")

// Certificate is the data rendered onto a completion certificate.
type Certificate struct {
	Username     string
	DisplayName  string
	ContextNTIID string
	ContextTitle string
	IssuedAt     time.Time
}

var certificateTemplate = template.Must(template.New("certificate").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<style>
  @page { size: letter landscape; }
  body {
    font-family: Georgia, serif;
    text-align: center;
    padding: 3em 4em;
    color: #222;
  }
  .frame {
    border: 3px double #8a6d3b;
    padding: 4em 3em;
  }
  h1 { font-size: 2.2em; letter-spacing: 0.15em; margin-bottom: 0.2em; }
  .subject { font-size: 1.6em; margin: 1.2em 0 0.4em; }
  .context { font-size: 1.2em; font-style: italic; color: #555; }
  .issued { margin-top: 3em; font-size: 0.9em; color: #777; }
</style>
</head>
<body>
<div class="frame">
  <h1>Certificate of Completion</h1>
  <p>This certifies that</p>
  <p class="subject">{{.Holder}}</p>
  <p>has completed</p>
  <p class="context">{{.Title}}</p>
  <p class="issued">Issued {{.Issued}}</p>
</div>
</body>
</html>`))

func renderHTML(cert Certificate) (string, error) {
	holder := cert.DisplayName
	if holder == "" {
		holder = cert.Username
	}
	title := cert.ContextTitle
	if title == "" {
		title = cert.ContextNTIID
	}
	var buf bytes.Buffer
	err := certificateTemplate.Execute(&buf, map[string]string{
		"Holder": holder,
		"Title":  title,
		"Issued": cert.IssuedAt.Format("January 2, 2006"),
	})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}
