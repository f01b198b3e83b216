package mailer

import (
	"fmt"

	"github.com/BytePhi0/edulearn/pkg/logger"
)

// DevMailer prints codes to the console instead of sending mail.
type DevMailer struct{}

func NewDevMailer() *DevMailer {
	return &DevMailer{}
}

func (d *DevMailer) SendOTPEmail(toEmail, code, otpType string) error {
	logger.Info("📧 [DEV MAIL] OTP Email",
		"to", toEmail,
		"code", code,
		"type", otpType,
	)

	fmt.Printf("\n"+
		"━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n"+
		"📧 OTP EMAIL (DEV MODE)\n"+
		"━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n"+
		"To: %s\n"+
		"Type: %s\n"+
		"\n"+
		"Verification Code: %s\n"+
		"━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n",
		toEmail, otpType, code)

	return nil
}
