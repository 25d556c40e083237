package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"github.com/emersion/go-message/mail"
)

const defaultDialTimeout = 10 * time.Second

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	TLS      bool
	StartTLS bool
}

type SMTPSender struct {
	cfg      SMTPConfig
	composer Composer
	now      func() time.Time
}

func NewSMTPSender(cfg SMTPConfig, c Composer) *SMTPSender {
	return &SMTPSender{cfg: cfg, composer: c, now: time.Now}
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	out, err := s.composer.Compose(msg)
	if err != nil {
		return err
	}
	raw, err := buildMessage(s.cfg.From, msg, out, s.now())
	if err != nil {
		return err
	}
	return s.deliver(ctx, msg.To, raw)
}

func (s *SMTPSender) deliver(ctx context.Context, rcpt string, raw []byte) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	tlsConfig := &tls.Config{ServerName: s.cfg.Host}

	dialer := &net.Dialer{Timeout: defaultDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if s.cfg.TLS {
		conn = tls.Client(conn, tlsConfig)
	}

	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer client.Close()

	if s.cfg.StartTLS && !s.cfg.TLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				return err
			}
		}
	}
	if s.cfg.Username != "" {
		if ok, _ := client.Extension("AUTH"); ok {
			if err := client.Auth(smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)); err != nil {
				return err
			}
		}
	}

	if err := client.Mail(s.cfg.From); err != nil {
		return err
	}
	if err := client.Rcpt(rcpt); err != nil {
		return err
	}
	wc, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := wc.Write(raw); err != nil {
		return err
	}
	if err := wc.Close(); err != nil {
		return err
	}
	return client.Quit()
}

func buildMessage(from string, msg Message, out Composed, now time.Time) ([]byte, error) {
	var h mail.Header
	h.SetDate(now.UTC())
	h.SetAddressList("From", []*mail.Address{{Name: "Client Portal", Address: from}})
	h.SetAddressList("To", []*mail.Address{{Name: msg.Name, Address: msg.To}})
	h.SetSubject(out.Subject)
	if err := h.GenerateMessageID(); err != nil {
		return nil, err
	}
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")
	h.Set("X-Portal-Mail-Kind", string(msg.Kind))

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write([]byte(out.Body)); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
