package export

import (
	"bytes"
	"embed"
	"html/template"
	"strings"
	"time"
)

// SafeHTML is a template function that marks a string as safe HTML
func SafeHTML(s interface{}) template.HTML {
	switch v := s.(type) {
	case string:
		return template.HTML(v)
	case template.HTML:
		return v
	default:
		return template.HTML("")
	}
}

//go:embed templates/*.html
var templateFS embed.FS

var reportTemplate *template.Template

func init() {
	funcMap := template.FuncMap{
		"lower": strings.ToLower,
		"formatDate": func(t time.Time, layout string) string {
			if t.IsZero() {
				return ""
			}
			return t.Format(layout)
		},
		"safeHTML": SafeHTML,
	}

	templateContent, err := templateFS.ReadFile("templates/report.html")
	if err != nil {
		// Fallback to built-in template if file not found
		reportTemplate = template.Must(template.New("report").Funcs(funcMap).Parse(fallbackTemplate))
		return
	}

	reportTemplate = template.Must(template.New("report").Funcs(funcMap).Parse(string(templateContent)))
}

// TemplateData holds data for report template rendering
type TemplateData struct {
	Title           string
	LibraryKey      string
	GeneratedAt     time.Time
	IncludeComments bool
	Annotations     []Annotation
}

// RenderReportHTML renders the annotation report template
func RenderReportHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// fallbackTemplate is used if the embedded template fails to load
const fallbackTemplate = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .annotation { padding: 1rem; margin: 1rem 0; border-left: 4px solid var(--color, #999); background: #f8f8f8; }
    .quote { font-style: italic; }
    .comment { margin-top: 0.5rem; }
    .page { color: #666; font-size: 0.85em; }
    .tag { display: inline-block; background: #eee; border-radius: 3px; padding: 0 0.4em; margin-right: 0.3em; font-size: 0.85em; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  <div class="meta">{{.LibraryKey}} | {{formatDate .GeneratedAt "Jan 2, 2006"}} | {{len .Annotations}} annotations</div>
  {{range .Annotations}}
  <div class="annotation" style="--color: {{.Color}}">
    {{if .PageLabel}}<div class="page">p. {{.PageLabel}}</div>{{end}}
    {{if .Text}}<div class="quote">&ldquo;{{.Text}}&rdquo;</div>{{end}}
    {{if and $.IncludeComments .Comment}}<div class="comment">{{.Comment}}</div>{{end}}
    {{range .Tags}}<span class="tag">{{.}}</span>{{end}}
  </div>
  {{end}}
</body>
</html>`
