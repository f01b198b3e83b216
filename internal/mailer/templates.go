package mailer

import (
	"fmt"
	"strings"

	"github.com/BytePhi0/edulearn/internal/domain"
)

func otpSubject(schoolName, otpType string) string {
	if otpType == domain.OTPTypeRegistration {
		return fmt.Sprintf("%s • Confirm your registration", schoolName)
	}
	return fmt.Sprintf("%s • Your one-time password", schoolName)
}

func otpPurpose(appName, otpType string) string {
	if otpType == domain.OTPTypeRegistration {
		return fmt.Sprintf("Use the code below to finish creating your %s account.", appName)
	}
	return fmt.Sprintf("Use the code below to sign in to your %s account.", appName)
}

func otpText(appName, schoolName, code, otpType string) string {
	return strings.Join([]string{
		"Dear Student,",
		"",
		otpPurpose(appName, otpType),
		"",
		"OTP: " + code,
		"",
		"The code expires in 10 minutes.",
		"",
		"If you did not request this, you can ignore this email.",
		"",
		"— The " + schoolName + " Team",
	}, "\n")
}

func otpHTML(appName, schoolName, code, otpType string) string {
	return fmt.Sprintf(`
		<h2>%s</h2>
		<p>Dear Student,</p>
		<p>%s</p>
		<p><strong style="font-size: 28px; letter-spacing: 6px; color: #21808d;">%s</strong></p>
		<p>This code will expire in 10 minutes for your security.</p>
		<p>If you didn't request this, you can safely ignore this email.</p>
		<p>— The %s Team</p>
	`, otpSubject(schoolName, otpType), otpPurpose(appName, otpType), code, schoolName)
}
