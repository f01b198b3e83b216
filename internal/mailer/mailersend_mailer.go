package mailer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mailersend/mailersend-go"
)

type MailerSendClient struct {
	client     *mailersend.Mailersend
	from       mailersend.From
	appName    string
	schoolName string
	enabled    bool
}

func NewMailerSend(apiKey, fromName, fromEmail, appName, schoolName string) *MailerSendClient {
	m := &MailerSendClient{
		enabled:    apiKey != "" && fromEmail != "",
		appName:    appName,
		schoolName: schoolName,
		from: mailersend.From{
			Name:  fromName,
			Email: fromEmail,
		},
	}

	if m.enabled {
		m.client = mailersend.NewMailersend(apiKey)
	}

	return m
}

func (m *MailerSendClient) SendOTPEmail(toEmail, code, otpType string) error {
	if !m.enabled {
		return fmt.Errorf("MailerSend not configured")
	}

	subject := otpSubject(m.schoolName, otpType)
	text := otpText(m.appName, m.schoolName, code, otpType)
	html := otpHTML(m.appName, m.schoolName, code, otpType)

	return m.sendEmail(toEmail, subject, text, html)
}

func (m *MailerSendClient) sendEmail(toEmail, subject, text, html string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	msg := m.client.Email.NewMessage()
	msg.SetFrom(m.from)
	msg.SetRecipients([]mailersend.Recipient{{Email: toEmail}})
	msg.SetSubject(subject)

	if strings.TrimSpace(text) != "" {
		msg.SetText(text)
	}
	if strings.TrimSpace(html) != "" {
		msg.SetHTML(html)
	}

	_, err := m.client.Email.Send(ctx, msg)
	return err
}
