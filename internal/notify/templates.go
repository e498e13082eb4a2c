package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"text/template"

	"github.com/akmatori/alertflow/internal/database"
	"github.com/akmatori/alertflow/internal/events"
	"github.com/akmatori/alertflow/internal/utils"
)

// Template is the pair of channel-scoped templates for one channel
type Template struct {
	Subject string `yaml:"subject"`
	Body    string `yaml:"body"`
}

// View is what templates render
type View struct {
	Event    events.Event
	Kind     events.Kind
	Type     events.Type
	TargetID string
	Severity database.Severity
	Title    string
	Actor    string
	Data     map[string]interface{}
}

func viewOf(e events.Event) View {
	data := e.Data
	if data == nil {
		data = map[string]interface{}{}
	}
	return View{
		Event:    e,
		Kind:     e.Kind,
		Type:     e.Type,
		TargetID: e.TargetID,
		Severity: e.Severity,
		Title:    titleOf(e),
		Actor:    e.Actor,
		Data:     data,
	}
}

func titleOf(e events.Event) string {
	if t, ok := e.Data["title"].(string); ok && t != "" {
		return t
	}
	rule, _ := e.Data["rule_id"].(string)
	source, _ := e.Data["source"].(string)
	if rule != "" && source != "" {
		return rule + " on " + source
	}
	return string(e.Kind) + " " + e.TargetID
}

// DefaultTemplates returns the built-in templates of every channel
func DefaultTemplates() map[database.Channel]Template {
	return map[database.Channel]Template{
		database.ChannelRealtime: {
			Subject: `{{.Kind}}.{{.Type}}`,
			Body:    `{"stream":"notification","event":{{json .Event}}}`,
		},
		database.ChannelEmail: {
			Subject: `[{{.Severity}}] {{.Kind}} {{.Type}}: {{.Title}}`,
			Body: `{{.Title}}

Event:    {{.Kind}} {{.Type}}
Target:   {{.TargetID}}
Severity: {{.Severity}}
{{- with .Data.state}}
State:    {{.}}{{end}}
{{- with .Data.escalation_level}}
Level:    {{.}}{{end}}
{{- with .Actor}}
Actor:    {{.}}{{end}}
`,
		},
		database.ChannelWebhook: {
			Subject: `{{.Kind}}.{{.Type}}`,
			Body:    `{"stream":"notification","event":{{json .Event}}}`,
		},
		database.ChannelChat: {
			Subject: `{{.Title}}`,
			Body:    `{{emoji .Severity}} *{{upper (print .Type)}}* {{.Kind}}: {{truncate .Title 150}} ({{.Severity}}){{with .Data.escalation_level}} level {{.}}{{end}}`,
		},
	}
}

var funcs = template.FuncMap{
	"json": func(v interface{}) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},
	"upper":    strings.ToUpper,
	"emoji":    severityEmoji,
	"truncate": func(s string, n int) string { return utils.TruncateText(s, n) },
	"duration": utils.FormatDuration,
}

// severityEmoji returns the chat emoji for a severity
func severityEmoji(s database.Severity) string {
	switch s {
	case database.SeverityCritical:
		return "🔴"
	case database.SeverityHigh:
		return "🟠"
	case database.SeverityMedium:
		return "🟡"
	default:
		return "🔵"
	}
}

type compiled struct {
	subject *template.Template
	body    *template.Template
	err     error
}

// Renderer renders channel-scoped templates. A channel whose templates do
// not parse fails every render without affecting the others.
type Renderer struct {
	channels map[database.Channel]compiled
}

// NewRenderer compiles the given templates, falling back to the defaults for
// channels without one
func NewRenderer(overrides map[database.Channel]Template) *Renderer {
	all := DefaultTemplates()
	for ch, t := range overrides {
		all[ch] = t
	}
	r := &Renderer{channels: make(map[database.Channel]compiled, len(all))}
	for ch, t := range all {
		c := compiled{}
		c.subject, c.err = template.New(string(ch) + ".subject").Funcs(funcs).Parse(t.Subject)
		if c.err == nil {
			c.body, c.err = template.New(string(ch) + ".body").Funcs(funcs).Parse(t.Body)
		}
		if c.err != nil {
			log.Printf("Warning: Notifier: templates of channel %s do not parse: %v", ch, c.err)
		}
		r.channels[ch] = c
	}
	return r
}

// Render produces the subject and body of e for one channel
func (r *Renderer) Render(ch database.Channel, e events.Event) (string, string, error) {
	c, ok := r.channels[ch]
	if !ok {
		return "", "", fmt.Errorf("no template for channel %s", ch)
	}
	if c.err != nil {
		return "", "", c.err
	}
	view := viewOf(e)
	var subject, body bytes.Buffer
	if err := c.subject.Execute(&subject, view); err != nil {
		return "", "", fmt.Errorf("render %s subject: %w", ch, err)
	}
	if err := c.body.Execute(&body, view); err != nil {
		return "", "", fmt.Errorf("render %s body: %w", ch, err)
	}
	return strings.TrimSpace(subject.String()), body.String(), nil
}
