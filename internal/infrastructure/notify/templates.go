package notify

import (
	"bytes"
	"fmt"
	"html/template"
	texttemplate "text/template"

	"creditsync/internal/model"
)

type emailTemplate struct {
	subject string
	body    *template.Template
}

var templates = map[string]emailTemplate{
	model.EmailTemplateSubscriptionWelcome: {
		subject: "Welcome to {{.PlanName}}",
		body: template.Must(template.New("subscription-welcome").Parse(`<!doctype html>
<html><body>
<h1>Your {{.PlanName}} subscription is active</h1>
<p>Thanks for subscribing ({{.Price}}). We added <strong>{{.Credits}}</strong> credits to your account.</p>
<p>Current balance: <strong>{{.Balance}}</strong> credits.</p>
</body></html>`)),
	},
	model.EmailTemplateCreditPurchase: {
		subject: "{{.Credits}} credits added to your account",
		body: template.Must(template.New("credit-purchase").Parse(`<!doctype html>
<html><body>
<h1>Purchase confirmed</h1>
<p>We added <strong>{{.Credits}}</strong> credits to your account{{if .Price}} ({{.Price}}){{end}}.</p>
<p>Current balance: <strong>{{.Balance}}</strong> credits.</p>
</body></html>`)),
	},
}

// Render 渲染邮件主题和 HTML 正文
func Render(n *model.EmailNotification) (string, string, error) {
	tpl, ok := templates[n.Template]
	if !ok {
		return "", "", fmt.Errorf("未知邮件模板: %s", n.Template)
	}

	// 主题不是 HTML，使用 text/template 避免实体转义
	subjectTpl, err := texttemplate.New("subject").Parse(tpl.subject)
	if err != nil {
		return "", "", err
	}
	var subject, body bytes.Buffer
	if err := subjectTpl.Execute(&subject, n); err != nil {
		return "", "", err
	}
	if err := tpl.body.Execute(&body, n); err != nil {
		return "", "", err
	}
	return subject.String(), body.String(), nil
}
