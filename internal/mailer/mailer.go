// Package mailer delivers verification emails.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// Verification is the content of a verification email.
type Verification struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Code     string `json:"code"`
}

// Sender delivers verification emails.
type Sender interface {
	SendVerification(ctx context.Context, v Verification) error
}

// EmailJSConfig holds the EmailJS REST credentials.
type EmailJSConfig struct {
	Endpoint   string
	ServiceID  string
	TemplateID string
	PrivateKey string
	Origin     string
	Timeout    time.Duration
}

// EmailJS sends mail through the EmailJS REST API.
type EmailJS struct {
	cfg EmailJSConfig
	log *logrus.Entry
}

// NewEmailJS returns an EmailJS sender.
func NewEmailJS(cfg EmailJSConfig, log *logrus.Entry) *EmailJS {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &EmailJS{cfg: cfg, log: log}
}

type emailJSPayload struct {
	ServiceID      string            `json:"service_id"`
	TemplateID     string            `json:"template_id"`
	UserID         string            `json:"user_id"`
	TemplateParams map[string]string `json:"template_params"`
}

// SendVerification posts the code to EmailJS. Any non-2xx answer is an error.
func (e *EmailJS) SendVerification(ctx context.Context, v Verification) error {
	timeout := e.cfg.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if timeout <= 0 {
		return context.DeadlineExceeded
	}

	agent := fiber.Post(e.cfg.Endpoint).
		JSON(emailJSPayload{
			ServiceID:  e.cfg.ServiceID,
			TemplateID: e.cfg.TemplateID,
			UserID:     e.cfg.PrivateKey,
			TemplateParams: map[string]string{
				"to_email": v.Email,
				"username": v.Username,
				"otp":      v.Code,
			},
		}).
		Set("origin", e.cfg.Origin).
		Timeout(timeout)
	if err := agent.Parse(); err != nil {
		return fmt.Errorf("emailjs request: %w", err)
	}

	code, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return fmt.Errorf("emailjs request: %w", errors.Join(errs...))
	}
	if code < 200 || code > 299 {
		return fmt.Errorf("emailjs responded %d: %s", code, body)
	}

	e.log.WithField("username", v.Username).Info("verification email sent")
	return nil
}
