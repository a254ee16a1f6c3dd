// Package templates holds the prompt catalog, keyed by locale and template
// name. Prompt text lives in locales/<locale>.yaml.
package templates

import (
	"embed"
	"fmt"
	"path"
	"sort"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

const (
	Rewrite              = "rewrite"
	RewriteCrossLanguage = "rewrite_cross_language"
	RAGSystem            = "rag_system"
	RAGDocument          = "rag_document"
	RAGFooter            = "rag_footer"
	RAGNoDocuments       = "rag_no_documents"
	ImageDescription     = "image_description"
)

//go:embed locales/*.yaml
var localeFS embed.FS

// Formatter renders one template with the given variables.
type Formatter func(vars map[string]any) (string, error)

type Catalog struct {
	defaultLocale string
	locales       map[string]map[string]*template.Template
}

// Load parses every embedded locale. defaultLocale must be one of them.
func Load(defaultLocale string) (*Catalog, error) {
	entries, err := localeFS.ReadDir("locales")
	if err != nil {
		return nil, fmt.Errorf("failed to list locales: %w", err)
	}

	c := &Catalog{defaultLocale: defaultLocale, locales: make(map[string]map[string]*template.Template)}
	for _, e := range entries {
		locale := strings.TrimSuffix(e.Name(), path.Ext(e.Name()))
		data, err := localeFS.ReadFile("locales/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read locale %s: %w", locale, err)
		}
		if err := c.add(locale, data); err != nil {
			return nil, err
		}
	}

	if _, ok := c.locales[defaultLocale]; !ok {
		return nil, fmt.Errorf("default locale %q has no templates", defaultLocale)
	}
	return c, nil
}

func (c *Catalog) add(locale string, data []byte) error {
	var raw map[string]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse locale %s: %w", locale, err)
	}

	set := make(map[string]*template.Template, len(raw))
	for name, text := range raw {
		t, err := template.New(locale + "/" + name).Option("missingkey=error").Parse(strings.TrimRight(text, "\n"))
		if err != nil {
			return fmt.Errorf("failed to parse template %s/%s: %w", locale, name, err)
		}
		set[name] = t
	}
	c.locales[locale] = set
	return nil
}

// Lookup returns the formatter for (locale, name), falling back to the
// default locale when the locale or the template is missing.
func (c *Catalog) Lookup(locale, name string) (Formatter, error) {
	t, ok := c.locales[locale][name]
	if !ok {
		t, ok = c.locales[c.defaultLocale][name]
	}
	if !ok {
		return nil, fmt.Errorf("template %q not found", name)
	}

	return func(vars map[string]any) (string, error) {
		var b strings.Builder
		if err := t.Execute(&b, vars); err != nil {
			return "", fmt.Errorf("failed to render %s: %w", t.Name(), err)
		}
		return b.String(), nil
	}, nil
}

// Render is Lookup followed by a call to the formatter.
func (c *Catalog) Render(locale, name string, vars map[string]any) (string, error) {
	f, err := c.Lookup(locale, name)
	if err != nil {
		return "", err
	}
	return f(vars)
}

func (c *Catalog) Locales() []string {
	out := make([]string, 0, len(c.locales))
	for l := range c.locales {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}
