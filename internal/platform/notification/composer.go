package notification

import (
	"fmt"
	"html"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

const defaultAdminEmail = "easygo@easygopharm.com"

// summaryExcluded never appear in the details list of an e-mail.
var summaryExcluded = map[string]bool{
	"prescription":       true,
	"attachment":         true,
	"agreedToTerms":      true,
	"requesterTypeOther": true,
}

// Composer renders messages into envelopes.
type Composer struct {
	AdminEmail string
	now        func() time.Time
}

func NewComposer(adminEmail string) *Composer {
	if adminEmail == "" {
		adminEmail = defaultAdminEmail
	}
	return &Composer{AdminEmail: adminEmail, now: time.Now}
}

func submissionLabel(t SubmissionType) string {
	if t == TypeRequest {
		return "Rare Drug Sourcing Request"
	}
	return "Medical Consultation Booking"
}

// Compose validates msg and renders recipient, subject and HTML body.
func (c *Composer) Compose(msg Message) (*Envelope, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	env := &Envelope{
		ID:               uuid.NewString(),
		NotificationType: msg.NotificationType,
		Type:             msg.Type,
		CreatedAt:        c.now().UTC(),
	}

	label := submissionLabel(msg.Type)
	switch msg.NotificationType {
	case UserConfirmation:
		name := msg.Name
		if name == "" {
			name = "Valued Patient"
		}
		env.To = msg.Email
		env.Subject = fmt.Sprintf("Confirmed: %s Received", label)
		env.HTML = layout(
			fmt.Sprintf("Hello %s,", html.EscapeString(name)),
			fmt.Sprintf("We have successfully received your <strong>%s</strong>.", label),
			summary(msg.Data),
		)
	case AdminAlert:
		env.To = c.AdminEmail
		env.Subject = fmt.Sprintf("[ALERT] New %s Submission", label)
		env.HTML = layout(
			"System Alert: New Submission",
			fmt.Sprintf("A new <strong>%s</strong> has been logged.", label),
			summary(msg.Data),
		)
	case PasswordReset:
		token := fmt.Sprint(msg.Data["token"])
		env.To = msg.Email
		env.Subject = "Password Reset Request"
		env.HTML = layout(
			fmt.Sprintf("Hello %s,", html.EscapeString(msg.Name)),
			"A password reset was requested for your staff account. Use the code below within 30 minutes. "+
				"If you did not request this, you can ignore this e-mail.",
			fmt.Sprintf(`<li><strong>reset code:</strong> <code>%s</code></li>`, html.EscapeString(token)),
		)
	}
	return env, nil
}

func layout(heading, lead, items string) string {
	return `<div style="font-family: sans-serif; color: #334155; max-width: 600px; margin: 0 auto; border: 1px solid #e2e8f0; border-radius: 12px; overflow: hidden;">` +
		`<div style="background-color: #0f172a; padding: 24px; text-align: center;"><h1 style="color: #ffffff; margin: 0; font-size: 24px;">EasygoPharm</h1></div>` +
		`<div style="padding: 32px;"><h2 style="color: #0f172a; margin-top: 0;">` + heading + `</h2><p>` + lead + `</p>` +
		`<div style="background-color: #f8fafc; padding: 20px; border-radius: 8px; margin: 24px 0;">` +
		`<ul style="list-style: none; padding: 0; margin: 0; font-size: 14px; line-height: 1.6;">` + items + `</ul>` +
		`</div></div></div>`
}

// summary lists data as "<li>label: value</li>" in key order, skipping
// attachments and consent flags.
func summary(data map[string]any) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		if !summaryExcluded[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		v := data[k]
		if v == nil {
			v = ""
		}
		fmt.Fprintf(&b, "<li><strong>%s:</strong> %s</li>",
			html.EscapeString(fieldLabel(k)), html.EscapeString(fmt.Sprint(v)))
	}
	return b.String()
}

// fieldLabel turns "contactEmail" into "contact email".
func fieldLabel(key string) string {
	var b strings.Builder
	for _, r := range key {
		if unicode.IsUpper(r) {
			b.WriteRune(' ')
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}
