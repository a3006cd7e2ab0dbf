package export

import (
	"bytes"
	"embed"
	"html/template"
	"strings"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var storyTemplate = template.Must(template.New("story.html").Funcs(template.FuncMap{
	"formatDate": func(t time.Time, layout string) string {
		return t.Format(layout)
	},
	"ageLabel": func(ageGroup string) string {
		return "ages " + strings.ReplaceAll(ageGroup, "_", "–")
	},
	"join": strings.Join,
}).ParseFS(templateFS, "templates/story.html"))

// RenderStoryHTML renders the story template. All story text is escaped.
func RenderStoryHTML(story Story) (string, error) {
	var buf bytes.Buffer
	if err := storyTemplate.Execute(&buf, story); err != nil {
		return "", err
	}
	return buf.String(), nil
}
