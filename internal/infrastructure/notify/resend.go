package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"creditsync/internal/config"
	"creditsync/internal/model"

	"github.com/resend/resend-go/v2"
)

// ResendMailer 通过 Resend 发送事务邮件
type ResendMailer struct {
	client *resend.Client
	from   string
}

func NewResendMailer(cfg *config.EmailConfig) (*ResendMailer, error) {
	client := resend.NewCustomClient(&http.Client{Timeout: 10 * time.Second}, cfg.ResendAPIKey)
	if base := strings.TrimRight(cfg.BaseURL, "/"); base != "" {
		// SDK 按相对路径拼接请求地址，BaseURL 必须以 / 结尾
		u, err := url.Parse(base + "/")
		if err != nil {
			return nil, fmt.Errorf("email.base_url 非法: %w", err)
		}
		client.BaseURL = u
	}
	return &ResendMailer{client: client, from: cfg.From}, nil
}

// Send 渲染模板并发送
func (m *ResendMailer) Send(ctx context.Context, n *model.EmailNotification) error {
	if strings.TrimSpace(n.To) == "" {
		return errors.New("收件人为空")
	}
	subject, html, err := Render(n)
	if err != nil {
		return err
	}

	_, err = m.client.Emails.SendWithContext(ctx, &resend.SendEmailRequest{
		From:    m.from,
		To:      []string{n.To},
		Subject: subject,
		Html:    html,
	})
	if err != nil {
		return fmt.Errorf("调用 Resend 失败: %w", err)
	}
	return nil
}

// Deliver 投递一条邮件类 outbox 消息
func (m *ResendMailer) Deliver(ctx context.Context, msg *model.OutboxMessage) error {
	var n model.EmailNotification
	if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
		return fmt.Errorf("解析邮件载荷失败: %w", err)
	}
	return m.Send(ctx, &n)
}
