package bundler

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"path"
	"regexp"
	"strings"
	"text/template"

	"github.com/spf13/afero"
	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/css"
	mhtml "github.com/tdewolff/minify/v2/html"
	"github.com/tdewolff/minify/v2/js"

	"github.com/vango-dev/packscripts/internal/errors"
)

// defaultTemplate is used when the project has no HTML template.
const defaultTemplate = `<!DOCTYPE html>
<html lang="en">
  <head>
    <meta charset="utf-8" />
    <meta name="viewport" content="width=device-width, initial-scale=1" />
    <title>{{.DOCUMENT_TITLE}}</title>
  </head>
  <body>
    <div id="root"></div>
  </body>
</html>
`

// HTMLData is exposed to the HTML template.
type HTMLData struct {
	PUBLIC_URL     string
	DOCUMENT_TITLE string
	NODE_ENV       string
}

// HTMLEmitter renders index.html from the project template and injects
// stylesheet and script tags for the entry outputs.
type HTMLEmitter struct{}

// HTMLFile is the name of the generated document.
const HTMLFile = "index.html"

func (HTMLEmitter) Name() string { return "html" }

func (HTMLEmitter) Emit(_ context.Context, c *Compilation) error {
	cfg := c.Config

	source := defaultTemplate
	if data, err := afero.ReadFile(c.Source, cfg.TemplatePath()); err == nil {
		source = string(data)
	}

	tmpl, err := template.New(path.Base(cfg.HTML.Template)).Parse(source)
	if err != nil {
		return errors.New("E142").
			WithDetail("Parsing " + cfg.HTML.Template).
			Wrap(err)
	}

	var buf bytes.Buffer
	err = tmpl.Execute(&buf, HTMLData{
		PUBLIC_URL:     cfg.PublicURL(),
		DOCUMENT_TITLE: html.EscapeString(cfg.HTML.Title),
		NODE_ENV:       string(cfg.Mode),
	})
	if err != nil {
		return errors.New("E142").
			WithDetail("Rendering " + cfg.HTML.Template).
			Wrap(err)
	}

	var head, body strings.Builder
	seen := make(map[string]bool)
	link := func(name string) {
		if seen[name] {
			return
		}
		seen[name] = true
		href := html.EscapeString(publicURL(cfg.Output.PublicPath, name))
		if path.Ext(name) == ".css" {
			fmt.Fprintf(&head, `<link href="%s" rel="stylesheet">`, href)
			return
		}
		fmt.Fprintf(&head, `<script defer src="%s"></script>`, href)
	}
	for _, out := range c.Outputs {
		if out.EntryPoint == "" {
			continue
		}
		switch path.Ext(out.Name) {
		case ".css":
			link(out.Name)
		case ".js":
			if out.CSSBundle != "" {
				link(out.CSSBundle)
			}
			link(out.Name)
		}
	}
	for _, script := range c.Scripts {
		body.WriteString(script)
	}

	doc := injectBefore(buf.String(), "</head>", head.String())
	doc = injectBefore(doc, "</body>", body.String())
	if cfg.HTML.Minify {
		if doc, err = minifyHTML(doc); err != nil {
			return errors.New("E142").
				WithDetail("Minifying " + HTMLFile).
				Wrap(err)
		}
	}

	if err := c.WriteFile(HTMLFile, []byte(doc)); err != nil {
		return errors.New("E142").Wrap(err)
	}
	return nil
}

// publicURL joins the public path and an output name.
func publicURL(publicPath, name string) string {
	return strings.TrimSuffix(publicPath, "/") + "/" + strings.TrimPrefix(name, "/")
}

// injectBefore inserts s before the last occurrence of tag, or appends it
// when the tag is missing.
func injectBefore(doc, tag, s string) string {
	if s == "" {
		return doc
	}
	i := strings.LastIndex(strings.ToLower(doc), tag)
	if i < 0 {
		return doc + s
	}
	return doc[:i] + s + doc[i:]
}

var htmlMinifier = newHTMLMinifier()

func newHTMLMinifier() *minify.M {
	m := minify.New()
	m.Add("text/html", &mhtml.Minifier{
		KeepDocumentTags: true,
		KeepEndTags:      true,
		KeepQuotes:       true,
	})
	m.AddFunc("text/css", css.Minify)
	m.AddFuncRegexp(regexp.MustCompile("^(application|text)/(x-)?(java|ecma)script$"), js.Minify)
	return m
}

// minifyHTML strips comments and collapses whitespace. Inline scripts and
// styles are minified too; preformatted text is left alone.
func minifyHTML(doc string) (string, error) {
	return htmlMinifier.String("text/html", doc)
}
