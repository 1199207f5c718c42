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

var storyTemplate *template.Template

func init() {
	funcMap := template.FuncMap{
		"lower": strings.ToLower,
		"formatDate": func(t time.Time, layout string) string {
			return t.Format(layout)
		},
		"safeHTML": SafeHTML,
	}

	templateContent, err := templateFS.ReadFile("templates/story.html")
	if err != nil {
		// Fallback to built-in template if file not found
		storyTemplate = template.Must(template.New("story").Funcs(funcMap).Parse(fallbackTemplate))
		return
	}

	storyTemplate = template.Must(template.New("story").Funcs(funcMap).Parse(string(templateContent)))
}

// TemplateData holds data for story template rendering
type TemplateData struct {
	Title       string
	Genre       string
	Description string
	Author      string
	ExportedAt  time.Time
	Chapters    []TemplateChapter
	Characters  []TemplateCharacter
}

// TemplateChapter holds chapter data for the template
type TemplateChapter struct {
	Title       string
	ContentHTML template.HTML
}

// TemplateCharacter holds character appendix data for the template
type TemplateCharacter struct {
	Name            string
	Role            string
	Archetype       string
	Affinity        string
	SpecialAffinity string
	Grade           string
	Level           int
	Tier            string
	HP              int
	Mana            int
	Speed           int
	Skills          []TemplateSkill
}

// TemplateSkill holds skill data for the character appendix
type TemplateSkill struct {
	Name    string
	Kind    string
	Element string
	Level   int
}

// RenderStoryHTML renders the story template with provided data
func RenderStoryHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := storyTemplate.Execute(&buf, data); err != nil {
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
    body { font-family: Georgia, serif; line-height: 1.7; max-width: 720px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .chapter { page-break-before: always; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  {{if .Description}}<p>{{.Description}}</p>{{end}}
  <div class="meta">{{.Genre}} | {{.Author}} | {{.ExportedAt.Format "Jan 2, 2006"}}</div>
  {{range .Chapters}}
  <div class="chapter">
    <h2>{{.Title}}</h2>
    <div>{{.ContentHTML | safeHTML}}</div>
  </div>
  {{end}}
  {{if .Characters}}
  <h2>Characters</h2>
  {{range .Characters}}<p><strong>{{.Name}}</strong> ({{.Tier}}, Lv {{.Level}})</p>{{end}}
  {{end}}
</body>
</html>`
