package notify

import (
	"context"
	"fmt"
	"log"

	"clientportal/internal/config"
)

type Kind string

const (
	KindPasswordReset     Kind = "password_reset"
	KindAccountNotFound   Kind = "account_not_found"
	KindEmailVerification Kind = "email_verification"
	KindWelcome           Kind = "welcome"
	KindAccountInactive   Kind = "account_inactive"
)

// Message is a transactional mail request. Token is the raw one-time token
// for reset and verification mails and empty otherwise.
type Message struct {
	Kind  Kind
	To    string
	Name  string
	Token string
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// LogSender writes mails to the process log instead of delivering them.
type LogSender struct {
	composer Composer
}

func NewLogSender(c Composer) LogSender {
	return LogSender{composer: c}
}

func (s LogSender) Send(ctx context.Context, msg Message) error {
	_ = ctx
	out, err := s.composer.Compose(msg)
	if err != nil {
		return err
	}
	log.Printf("mail kind=%s to=%s subject=%q link=%s", msg.Kind, msg.To, out.Subject, out.Link)
	return nil
}

// NewSender builds the transport selected by MAIL_SENDER.
func NewSender(cfg config.Config) (Sender, error) {
	composer := NewComposer(cfg.FrontendBaseURL)
	switch cfg.MailSender {
	case "", "log":
		return NewLogSender(composer), nil
	case "smtp":
		return NewSMTPSender(SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.MailFrom,
			TLS:      cfg.SMTPTLS,
			StartTLS: cfg.SMTPStartTLS,
		}, composer), nil
	case "amqp":
		return NewAMQPSender(cfg.AMQPURL, cfg.AMQPQueue, cfg.MailFrom, composer), nil
	default:
		return nil, fmt.Errorf("unsupported mail sender %q", cfg.MailSender)
	}
}
