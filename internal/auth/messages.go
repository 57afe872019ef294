package auth

import (
	"fmt"
	"time"
)

type message struct {
	subject string
	body    string
}

func verificationMessage(name, link string) message {
	return message{
		subject: "Verify your email address",
		body: fmt.Sprintf("Hello %s,\n\n"+
			"Confirm your email address to activate your account:\n\n%s\n\n"+
			"If you did not sign up, ignore this message.\n", greeting(name), link),
	}
}

func memberWelcomeMessage(name, email, tempPassword, link string) message {
	return message{
		subject: "Your field operations account",
		body: fmt.Sprintf("Hello %s,\n\n"+
			"An administrator created an account for you.\n\n"+
			"Email: %s\nTemporary password: %s\n\n"+
			"Verify your email address first:\n\n%s\n\n"+
			"You will be asked to choose a new password after your first login.\n",
			greeting(name), email, tempPassword, link),
	}
}

func otpMessage(otp string, ttl time.Duration) message {
	return message{
		subject: "Password reset code",
		body: fmt.Sprintf("Your password reset code is %s.\n\n"+
			"It expires in %d minutes. If you did not ask to reset your password, ignore this message.\n",
			otp, int(ttl.Minutes())),
	}
}

func greeting(name string) string {
	if name == "" {
		return "there"
	}
	return name
}
