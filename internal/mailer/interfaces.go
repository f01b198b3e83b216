package mailer

type Service interface {
	SendOTPEmail(toEmail, code, otpType string) error
}
