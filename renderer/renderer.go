// Package renderer turns a job's template_name and template_context
// into a subject/HTML/text triple using the Liquid template language,
// falling back to a plain-text dump when the named template is
// missing. Rendering is best-effort non-fatal per spec §4.5 step c and
// §7 kind 3: a missing template never fails a job, it degrades the
// body.
package renderer

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/osteele/liquid"
)

// Rendered is the subject/body triple handed to a provider driver.
type Rendered struct {
	Subject string
	HTML    string
	Text    string
}

// Template is a named Liquid template with separate subject/HTML/text
// source bodies, any of which may be empty.
type Template struct {
	Name    string
	Subject string
	HTML    string
	Text    string
}

// Renderer compiles and caches Liquid templates registered ahead of
// time, keyed by name.
type Renderer struct {
	engine *liquid.Engine

	mu        sync.RWMutex
	templates map[string]Template
}

// New builds a Renderer with an empty template set.
func New() *Renderer {
	engine := liquid.NewEngine()
	registerFilters(engine)
	return &Renderer{
		engine:    engine,
		templates: make(map[string]Template),
	}
}

// registerFilters adds the small set of Liquid filters transactional
// email templates tend to need beyond the built-ins.
func registerFilters(engine *liquid.Engine) {
	engine.RegisterFilter("default", func(value any, defaultVal string) any {
		if value == nil || fmt.Sprintf("%v", value) == "" {
			return defaultVal
		}
		return value
	})
	engine.RegisterFilter("currency", func(value any) string {
		switch v := value.(type) {
		case float64:
			return fmt.Sprintf("$%.2f", v)
		case int:
			return fmt.Sprintf("$%.2f", float64(v))
		default:
			return fmt.Sprintf("%v", value)
		}
	})
}

// Register adds or replaces a named template.
func (r *Renderer) Register(t Template) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[t.Name] = t
}

// Render renders templateName against context. A missing template is
// not an error: the caller receives the fallback body described in
// spec §4.5c (subject = the job's own subject or "(no subject)", body
// = a plain-text dump of context) and found=false so the worker can
// log the degradation without failing the job.
func (r *Renderer) Render(templateName string, context map[string]any, jobSubject string) (Rendered, bool) {
	r.mu.RLock()
	tpl, ok := r.templates[templateName]
	r.mu.RUnlock()

	if !ok {
		return fallback(jobSubject, context), false
	}

	out := Rendered{}

	if tpl.Subject != "" {
		subject, err := r.engine.ParseAndRenderString(tpl.Subject, context)
		if err != nil {
			out.Subject = jobSubject
		} else {
			out.Subject = subject
		}
	} else {
		out.Subject = jobSubject
	}
	if out.Subject == "" {
		out.Subject = "(no subject)"
	}

	if tpl.HTML != "" {
		if html, err := r.engine.ParseAndRenderString(tpl.HTML, context); err == nil {
			out.HTML = html
		}
	}
	if tpl.Text != "" {
		if text, err := r.engine.ParseAndRenderString(tpl.Text, context); err == nil {
			out.Text = text
		}
	}

	if out.HTML == "" && out.Text == "" {
		out.Text = dumpContext(context)
	}

	return out, true
}

// fallback builds the degraded body spec §4.5c mandates when
// templateName isn't registered.
func fallback(jobSubject string, context map[string]any) Rendered {
	subject := jobSubject
	if subject == "" {
		subject = "(no subject)"
	}
	return Rendered{Subject: subject, Text: dumpContext(context)}
}

// dumpContext renders context as a deterministic "key: value" listing,
// one pair per line, sorted by key.
func dumpContext(context map[string]any) string {
	if len(context) == 0 {
		return ""
	}
	keys := make([]string, 0, len(context))
	for k := range context {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, context[k])
	}
	return b.String()
}
