package dispatch

import (
	"bytes"
	"fmt"
	"html/template"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// Message is a rendered email ready for SMTP.
type Message struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

var (
	markdownOnce sync.Once
	markdown     goldmark.Markdown
)

func markdownParser() goldmark.Markdown {
	markdownOnce.Do(func() {
		markdown = goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(html.WithHardWraps()),
		)
	})
	return markdown
}

var layout = template.Must(template.New("layout").Parse(`<!DOCTYPE html>
<html lang="fr"><head><meta charset="utf-8"><title>{{.Subject}}</title></head>
<body style="font-family:Arial,sans-serif;color:#222;max-width:640px;margin:auto">
{{.Content}}
<hr><p style="font-size:12px;color:#777">Covoiturage domicile-travail</p>
</body></html>
`))

// Render turns a markdown email into text and HTML parts. Raw HTML in the
// body is escaped by goldmark's default renderer.
func Render(e Email) (Message, error) {
	var body bytes.Buffer
	if err := markdownParser().Convert([]byte(e.Body), &body); err != nil {
		return Message{}, fmt.Errorf("dispatch.Render: %w", err)
	}
	var page bytes.Buffer
	err := layout.Execute(&page, struct {
		Subject string
		Content template.HTML
	}{e.Subject, template.HTML(body.String())})
	if err != nil {
		return Message{}, fmt.Errorf("dispatch.Render: %w", err)
	}
	return Message{To: e.To, Subject: e.Subject, Text: e.Body, HTML: page.String()}, nil
}
