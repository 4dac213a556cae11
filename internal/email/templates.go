package email

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"strings"
	texttemplate "text/template"
)

const (
	TemplateOrderConfirmation = "order_confirmation"
	TemplateAdoptionApproved  = "adoption_approved"
	TemplateAdoptionRejected  = "adoption_rejected"
)

// Message carries the fields any notification template may use.
type Message struct {
	To         string
	OrderID    string
	Total      string
	Items      []MessageItem
	PetName    string
	AdminNotes string
}

type MessageItem struct {
	Name  string
	Price string
}

type messageTemplate struct {
	subject string
	text    string
	html    string
}

var messageTemplates = map[string]messageTemplate{
	TemplateOrderConfirmation: {
		subject: "Your PawMarket order {{.OrderID}} is confirmed",
		text: `Thank you for your order!

Order: {{.OrderID}}
{{range .Items}}- {{.Name}}: {{.Price}}
{{end}}Total: {{.Total}}
`,
		html: `<h1>Thank you for your order!</h1>
<p>Order <strong>{{.OrderID}}</strong></p>
<ul>{{range .Items}}<li>{{.Name}}: {{.Price}}</li>{{end}}</ul>
<p>Total: <strong>{{.Total}}</strong></p>`,
	},
	TemplateAdoptionApproved: {
		subject: "Your adoption application for {{.PetName}} was approved",
		text: `Good news! Your application to adopt {{.PetName}} was approved.
{{if .AdminNotes}}
Notes from the shelter: {{.AdminNotes}}
{{end}}`,
		html: `<h1>Good news!</h1>
<p>Your application to adopt <strong>{{.PetName}}</strong> was approved.</p>
{{if .AdminNotes}}<p>Notes from the shelter: {{.AdminNotes}}</p>{{end}}`,
	},
	TemplateAdoptionRejected: {
		subject: "Update on your adoption application for {{.PetName}}",
		text: `Unfortunately your application to adopt {{.PetName}} was not approved.
{{if .AdminNotes}}
Notes from the shelter: {{.AdminNotes}}
{{end}}`,
		html: `<p>Unfortunately your application to adopt <strong>{{.PetName}}</strong> was not approved.</p>
{{if .AdminNotes}}<p>Notes from the shelter: {{.AdminNotes}}</p>{{end}}`,
	},
}

// Render builds the e-mail for a named template. HTML output is escaped.
func Render(name string, msg *Message) (*Email, error) {
	tmpl, ok := messageTemplates[name]
	if !ok {
		return nil, fmt.Errorf("unknown email template %q", name)
	}
	if msg == nil || msg.To == "" {
		return nil, fmt.Errorf("email recipient is required")
	}

	subject, err := executeText(name+"_subject", tmpl.subject, msg)
	if err != nil {
		return nil, err
	}
	text, err := executeText(name+"_text", tmpl.text, msg)
	if err != nil {
		return nil, err
	}

	htmlTmpl, err := template.New(name + "_html").Parse(tmpl.html)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML template %s: %w", name, err)
	}
	var htmlBuf bytes.Buffer
	if err := htmlTmpl.Execute(&htmlBuf, msg); err != nil {
		return nil, fmt.Errorf("failed to render HTML template %s: %w", name, err)
	}

	return &Email{To: msg.To, Subject: subject, Text: text, HTML: htmlBuf.String()}, nil
}

func executeText(name, body string, msg *Message) (string, error) {
	tmpl, err := texttemplate.New(name).Parse(body)
	if err != nil {
		return "", fmt.Errorf("failed to parse template %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, msg); err != nil {
		return "", fmt.Errorf("failed to render template %s: %w", name, err)
	}
	return buf.String(), nil
}

// FormatCents renders an integer amount of minor units, e.g. 5000 usd -> "$50.00".
func FormatCents(cents int64, currency string) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	amount := fmt.Sprintf("%d.%02d", cents/100, cents%100)
	if currency == "" || currency == "usd" {
		return sign + "$" + amount
	}
	return sign + amount + " " + strings.ToUpper(currency)
}

// Send renders and delivers a template. A nil provider is a no-op.
func Send(ctx context.Context, p Provider, name string, msg *Message) error {
	if p == nil {
		return nil
	}
	mail, err := Render(name, msg)
	if err != nil {
		return err
	}
	return p.SendEmail(ctx, mail)
}
