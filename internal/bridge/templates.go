package bridge

import (
	"bytes"
	_ "embed"
	"html/template"
)

//go:embed templates/error.html
var errorPageHTML string

//go:embed templates/close.html
var closePageHTML string

//go:embed templates/key.html
var keyPageHTML string

var (
	errorPageTemplate = template.Must(template.New("error").Parse(errorPageHTML))
	closePageTemplate = template.Must(template.New("close").Parse(closePageHTML))
	keyPageTemplate   = template.Must(template.New("key").Parse(keyPageHTML))
)

// keyPageData is rendered into the security key page
type keyPageData struct {
	SecurityKey string
}

func render(t *template.Template, data any) string {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		// The templates are static; fall back to the raw error page.
		return errorPageHTML
	}
	return buf.String()
}
