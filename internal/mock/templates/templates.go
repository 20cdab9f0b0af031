// Package templates provides embedded XML templates for the mock Query API responses.
package templates

import (
	"bytes"
	"embed"
	"encoding/xml"
	"io"
	"sync"
	"text/template"
)

//go:embed *.xml
var FS embed.FS

var (
	tmpl     *template.Template
	tmplOnce sync.Once
	tmplErr  error
)

// escape renders a value as XML character data.
func escape(s string) string {
	var b bytes.Buffer
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}

// Templates returns the parsed templates.
func Templates() (*template.Template, error) {
	tmplOnce.Do(func() {
		tmpl, tmplErr = template.New("mock").
			Funcs(template.FuncMap{"x": escape}).
			ParseFS(FS, "*.xml")
	})
	return tmpl, tmplErr
}

// Execute renders a template by name to the writer.
func Execute(w io.Writer, name string, data any) error {
	t, err := Templates()
	if err != nil {
		return err
	}
	return t.ExecuteTemplate(w, name, data)
}
