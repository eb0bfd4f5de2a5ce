package endpoint

import (
	"bytes"
	"errors"
	"html/template"
	"io"
	"net/http"
)

// HTMLTemplateRenderer renders a Go html/template into the response.
// Rendering is buffered to catch template execution errors before
// committing the response.
//
// Content-Type defaults to "text/html; charset=utf-8" unless an existing
// Content-Type header is already set. Name is optional; when set,
// ExecuteTemplate is used.
type HTMLTemplateRenderer struct {
	Status   int
	Template *template.Template
	Name     string
	Values   any
}

func (hr *HTMLTemplateRenderer) Render(w http.ResponseWriter, r *http.Request) error {
	if hr.Template == nil {
		return errors.New("endpoint: nil html/template")
	}

	// Execute into a buffer first so that a failing template can still be
	// reported with a 500 instead of a truncated 200.
	var buf bytes.Buffer
	var err error
	if hr.Name != "" {
		err = hr.Template.ExecuteTemplate(&buf, hr.Name, hr.Values)
	} else {
		err = hr.Template.Execute(&buf, hr.Values)
	}
	if err != nil {
		return err
	}

	setContentType(w, "text/html; charset=utf-8")

	status := hr.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)

	_, err = io.Copy(w, &buf)
	return err
}
