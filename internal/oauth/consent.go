// ABOUTME: Consent page rendering for the authorize endpoint
// ABOUTME: Descriptive text is markdown rendered through goldmark; raw HTML in it is dropped

package oauth

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io"

	"github.com/yuin/goldmark"
)

//go:embed templates/consent.html
var templateFS embed.FS

var consentTemplate = template.Must(template.ParseFS(templateFS, "templates/consent.html"))

// consentPage is the data behind the consent template.
type consentPage struct {
	ClientName          string
	ClientID            string
	RedirectURI         string
	Scope               string
	Scopes              []string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	UserEmail           string
	CSRFToken           string
	About               template.HTML
}

// renderMarkdown converts markdown to HTML. goldmark omits raw HTML unless told
// otherwise, so the output is safe to embed.
func renderMarkdown(md string) (template.HTML, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", fmt.Errorf("rendering markdown: %w", err)
	}
	return template.HTML(buf.String()), nil
}

// aboutText is the markdown shown above the scope list.
func aboutText(clientName, tenantName, tenantDescription string) string {
	text := fmt.Sprintf("**%s** wants to connect to your MCP tools.", clientName)
	if tenantName != "" {
		text = fmt.Sprintf("**%s** wants to connect to **%s**.", clientName, tenantName)
	}
	if tenantDescription != "" {
		text += "\n\n" + tenantDescription
	}
	return text
}

func renderConsent(w io.Writer, page consentPage) error {
	return consentTemplate.Execute(w, page)
}
