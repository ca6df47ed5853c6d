package notify

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"text/template"
)

// Kind selects a message template.
type Kind string

const (
	KindOverdue  Kind = "overdue"
	KindUpcoming Kind = "upcoming"
	KindTaskDue  Kind = "task_due"
)

// Message is a rendered notification for every channel.
type Message struct {
	Subject string
	Body    string
	SMS     string
}

// TemplateSet holds the raw templates of one kind.
type TemplateSet struct {
	Subject string `yaml:"subject"`
	Body    string `yaml:"body"`
	SMS     string `yaml:"sms"`
}

// TemplateData provides fields for rendering notification content.
type TemplateData struct {
	RecipientName string
	Amount        string
	DueDate       string
	DaysOverdue   int
	Level         int
	DaysUntilDue  int
	TaskTitle     string
}

var DefaultTemplates = map[Kind]TemplateSet{
	KindOverdue: {
		Subject: `Payment overdue: {{.Amount}} due {{.DueDate}}`,
		Body: `Dear {{.RecipientName}},

Your membership payment of {{.Amount}} was due on {{.DueDate}} and is now {{.DaysOverdue}} days overdue.
{{- if ge .Level 3}}
This is our final reminder. Please contact the office.
{{- else}}
Please update your payment method or contact the office.
{{- end}}
`,
		SMS: `Reminder: your payment of {{.Amount}} due {{.DueDate}} is {{.DaysOverdue}} days overdue.`,
	},
	KindUpcoming: {
		Subject: `Upcoming payment of {{.Amount}} on {{.DueDate}}`,
		Body: `Dear {{.RecipientName}},

Your membership payment of {{.Amount}} will be collected in {{.DaysUntilDue}} day(s), on {{.DueDate}}.
`,
		SMS: `Your payment of {{.Amount}} will be collected on {{.DueDate}}.`,
	},
	KindTaskDue: {
		Subject: `Task due: {{.TaskTitle}}`,
		Body: `Hi {{.RecipientName}},

The task "{{.TaskTitle}}" is due on {{.DueDate}}.
`,
		SMS: `Task "{{.TaskTitle}}" is due {{.DueDate}}.`,
	},
}

type compiled struct {
	subject *template.Template
	body    *template.Template
	sms     *template.Template
}

// Templates renders notification content per kind.
type Templates struct {
	sets map[Kind]compiled
}

// NewTemplates parses DefaultTemplates with overrides applied on top.
// Empty fields in an override keep the default.
func NewTemplates(overrides map[Kind]TemplateSet) (*Templates, error) {
	t := &Templates{sets: make(map[Kind]compiled)}
	for kind, def := range DefaultTemplates {
		set := def
		if o, ok := overrides[kind]; ok {
			if o.Subject != "" {
				set.Subject = o.Subject
			}
			if o.Body != "" {
				set.Body = o.Body
			}
			if o.SMS != "" {
				set.SMS = o.SMS
			}
		}
		c, err := compile(kind, set)
		if err != nil {
			return nil, err
		}
		t.sets[kind] = c
	}
	return t, nil
}

// MustTemplates is NewTemplates(nil) for callers that use the defaults.
func MustTemplates() *Templates {
	t, err := NewTemplates(nil)
	if err != nil {
		panic(err)
	}
	return t
}

func compile(kind Kind, set TemplateSet) (compiled, error) {
	var c compiled
	var err error
	if c.subject, err = template.New(string(kind) + "-subject").Parse(set.Subject); err != nil {
		return c, fmt.Errorf("parse %s subject template: %w", kind, err)
	}
	if c.body, err = template.New(string(kind) + "-body").Parse(set.Body); err != nil {
		return c, fmt.Errorf("parse %s body template: %w", kind, err)
	}
	if c.sms, err = template.New(string(kind) + "-sms").Parse(set.SMS); err != nil {
		return c, fmt.Errorf("parse %s sms template: %w", kind, err)
	}
	return c, nil
}

// Render applies the kind's templates to data.
func (t *Templates) Render(kind Kind, data TemplateData) (Message, error) {
	if t == nil {
		return Message{}, errors.New("notify templates: nil")
	}
	c, ok := t.sets[kind]
	if !ok {
		return Message{}, fmt.Errorf("notify templates: unknown kind %q", kind)
	}
	var msg Message
	var err error
	if msg.Subject, err = execute(c.subject, data); err != nil {
		return Message{}, err
	}
	if msg.Body, err = execute(c.body, data); err != nil {
		return Message{}, err
	}
	if msg.SMS, err = execute(c.sms, data); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func execute(tpl *template.Template, data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}
