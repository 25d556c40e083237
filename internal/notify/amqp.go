package notify

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// MailJob is the payload consumed by the mail relay listening on the queue.
type MailJob struct {
	Kind      Kind      `json:"kind"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Name      string    `json:"name,omitempty"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// AMQPSender publishes rendered mails as persistent JSON messages to a durable
// queue. The connection is opened lazily and reopened after it drops.
type AMQPSender struct {
	url      string
	queue    string
	from     string
	composer Composer
	now      func() time.Time

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewAMQPSender(url, queue, from string, c Composer) *AMQPSender {
	return &AMQPSender{url: url, queue: queue, from: from, composer: c, now: time.Now}
}

func (s *AMQPSender) Send(ctx context.Context, msg Message) error {
	out, err := s.composer.Compose(msg)
	if err != nil {
		return err
	}
	body, err := json.Marshal(s.job(msg, out))
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ch, err := s.channel()
	if err != nil {
		log.Printf("rabbitmq: connect failed: %v", err)
		return err
	}
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    s.now().UTC(),
		Type:         string(msg.Kind),
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx, "", s.queue, false, false, pub); err != nil {
		log.Printf("rabbitmq: publish failed: %v", err)
		s.reset()
		return err
	}
	return nil
}

func (s *AMQPSender) job(msg Message, out Composed) MailJob {
	return MailJob{
		Kind:      msg.Kind,
		From:      s.from,
		To:        msg.To,
		Name:      msg.Name,
		Subject:   out.Subject,
		Body:      out.Body,
		CreatedAt: s.now().UTC(),
	}
}

func (s *AMQPSender) channel() (*amqp.Channel, error) {
	if s.conn != nil && !s.conn.IsClosed() && s.ch != nil && !s.ch.IsClosed() {
		return s.ch, nil
	}
	s.reset()
	conn, err := amqp.Dial(s.url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if _, err := ch.QueueDeclare(s.queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	s.conn, s.ch = conn, ch
	return ch, nil
}

func (s *AMQPSender) reset() {
	if s.ch != nil {
		_ = s.ch.Close()
		s.ch = nil
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

func (s *AMQPSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	return nil
}
