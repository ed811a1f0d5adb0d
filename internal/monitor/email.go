package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	gomail "github.com/wneessen/go-mail"

	"github.com/JakeFAU/property-pipeline/internal/ingest"
)

const defaultSMTPTimeout = 15 * time.Second

// EmailConfig holds SMTP delivery settings.
type EmailConfig struct {
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	FromName string        `mapstructure:"from_name"`
	From     string        `mapstructure:"from"`
	To       []string      `mapstructure:"to"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// EmailNotifier mails each alert to a fixed recipient list.
type EmailNotifier struct {
	cfg EmailConfig
}

// NewEmailNotifier validates cfg and builds an EmailNotifier.
func NewEmailNotifier(cfg EmailConfig) (*EmailNotifier, error) {
	if strings.TrimSpace(cfg.Host) == "" || cfg.From == "" || len(cfg.To) == 0 {
		return nil, errors.New("email notifier requires host, from and at least one recipient")
	}
	if cfg.Port <= 0 {
		cfg.Port = 587
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultSMTPTimeout
	}
	return &EmailNotifier{cfg: cfg}, nil
}

// Name implements Notifier.
func (*EmailNotifier) Name() string { return "email" }

// Notify implements Notifier.
func (n *EmailNotifier) Notify(ctx context.Context, a ingest.Alert) error {
	msg, err := n.message(a)
	if err != nil {
		return err
	}
	opts := []gomail.Option{
		gomail.WithPort(n.cfg.Port),
		gomail.WithTLSPolicy(gomail.TLSOpportunistic),
		gomail.WithTimeout(n.cfg.Timeout),
	}
	if n.cfg.Username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(n.cfg.Username),
			gomail.WithPassword(n.cfg.Password),
		)
	}
	client, err := gomail.NewClient(n.cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

func (n *EmailNotifier) message(a ingest.Alert) (*gomail.Msg, error) {
	msg := gomail.NewMsg()
	from := n.cfg.FromName
	if from == "" {
		from = "property-pipeline"
	}
	if err := msg.FromFormat(from, n.cfg.From); err != nil {
		return nil, fmt.Errorf("smtp from: %w", err)
	}
	if err := msg.To(n.cfg.To...); err != nil {
		return nil, fmt.Errorf("smtp to: %w", err)
	}
	msg.Subject(fmt.Sprintf("[%s] %s: %s", a.Severity, a.Type, a.Subject))

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", a.Message)
	fmt.Fprintf(&b, "Alert:     %s\n", a.ID)
	fmt.Fprintf(&b, "Type:      %s\n", a.Type)
	fmt.Fprintf(&b, "Subject:   %s\n", a.Subject)
	fmt.Fprintf(&b, "Severity:  %s\n", a.Severity)
	fmt.Fprintf(&b, "Value:     %.1f (threshold %.1f)\n", a.Value, a.Threshold)
	fmt.Fprintf(&b, "Raised at: %s\n", a.CreatedAt.UTC().Format(time.RFC3339))
	msg.SetBodyString(gomail.TypeTextPlain, b.String())
	return msg, nil
}
