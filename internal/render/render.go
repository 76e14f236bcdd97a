// Package render turns result sets into visible content. Every format shows
// one block per passage, in input order, with a "Passage ID: <id>" heading
// and the passage text as body. An empty set renders only NoResults.
package render

import (
	"fmt"
	"html/template"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/cwoolley/passage-search/internal/passages"
)

// NoResults is shown in place of any blocks when a result set is empty.
const NoResults = "No results found."

// Heading returns the label shown above a passage.
func Heading(p passages.Passage) string {
	return "Passage ID: " + p.ID
}

// Formatter converts a whole result set into one piece of content.
type Formatter interface {
	Format(results []passages.Passage) (string, error)
}

// Plain renders unstyled text blocks separated by blank lines.
type Plain struct{}

func (Plain) Format(results []passages.Passage) (string, error) {
	if len(results) == 0 {
		return NoResults + "\n", nil
	}
	blocks := make([]string, len(results))
	for i, p := range results {
		blocks[i] = Heading(p) + "\n" + p.Passage + "\n"
	}
	return strings.Join(blocks, "\n"), nil
}

var htmlTmpl = template.Must(template.New("results").Parse(
	`{{if not .}}<p>` + NoResults + `</p>{{else}}{{range .}}<div class="result-item"><h3>Passage ID: {{.ID}}</h3><p>{{.Passage}}</p></div>{{end}}{{end}}`))

// HTML renders result-item blocks for the web page. Passage text is escaped.
type HTML struct{}

func (HTML) Format(results []passages.Passage) (string, error) {
	var b strings.Builder
	if err := htmlTmpl.Execute(&b, results); err != nil {
		return "", fmt.Errorf("render html: %w", err)
	}
	return b.String(), nil
}

var mdEscaper = strings.NewReplacer(
	`\`, `\\`, "`", "\\`", `*`, `\*`, `_`, `\_`, `#`, `\#`,
	`[`, `\[`, `]`, `\]`, `<`, `\<`, `>`, `\>`, `|`, `\|`,
)

// Markdown renders through glamour for a terminal. Width 0 disables wrapping.
type Markdown struct {
	Width int
	Style string
}

// Source returns the markdown document before terminal styling.
func (Markdown) Source(results []passages.Passage) string {
	if len(results) == 0 {
		return NoResults + "\n"
	}
	var b strings.Builder
	for i, p := range results {
		if i > 0 {
			b.WriteString("\n---\n\n")
		}
		fmt.Fprintf(&b, "### %s\n\n%s\n", mdEscaper.Replace(Heading(p)), mdEscaper.Replace(p.Passage))
	}
	return b.String()
}

func (m Markdown) Format(results []passages.Passage) (string, error) {
	style := m.Style
	if style == "" {
		style = "auto"
	}
	opts := []glamour.TermRendererOption{glamour.WithStandardStyle(style)}
	if m.Width > 0 {
		opts = append(opts, glamour.WithWordWrap(m.Width))
	}
	r, err := glamour.NewTermRenderer(opts...)
	if err != nil {
		return "", fmt.Errorf("create markdown renderer: %w", err)
	}
	out, err := r.Render(m.Source(results))
	if err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return out, nil
}

var (
	headingStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	bodyStyle    = lipgloss.NewStyle().PaddingLeft(2)
	emptyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// Styled renders lipgloss-styled blocks for the interactive UI.
type Styled struct {
	Width int
}

func (s Styled) Format(results []passages.Passage) (string, error) {
	if len(results) == 0 {
		return emptyStyle.Render(NoResults) + "\n", nil
	}
	body := bodyStyle
	if s.Width > 0 {
		body = body.Width(s.Width)
	}
	var b strings.Builder
	for i, p := range results {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(headingStyle.Render(Heading(p)))
		b.WriteString("\n")
		b.WriteString(body.Render(p.Passage))
		b.WriteString("\n")
	}
	return b.String(), nil
}

// Container holds the currently visible content. Each Render replaces it.
type Container struct {
	format  Formatter
	mu      sync.Mutex
	content string
}

// NewContainer creates an empty container rendering with f.
func NewContainer(f Formatter) *Container {
	return &Container{format: f}
}

func (c *Container) Render(results []passages.Passage) error {
	out, err := c.format.Format(results)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.content = out
	c.mu.Unlock()
	return nil
}

// Content returns what the last Render produced.
func (c *Container) Content() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.content
}

// Writer emits each rendered set to an output stream.
type Writer struct {
	out    io.Writer
	format Formatter
}

func NewWriter(out io.Writer, f Formatter) *Writer {
	return &Writer{out: out, format: f}
}

func (w *Writer) Render(results []passages.Passage) error {
	out, err := w.format.Format(results)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w.out, out); err != nil {
		return fmt.Errorf("write results: %w", err)
	}
	return nil
}
