package monitor

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gomail "github.com/wneessen/go-mail"
)

func TestEmailNotifier_Message(t *testing.T) {
	t.Parallel()
	n, err := NewEmailNotifier(EmailConfig{
		Host: "smtp.example.com",
		From: "alerts@example.com",
		To:   []string{"ops@example.com", "oncall@example.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, "email", n.Name())
	assert.Equal(t, 587, n.cfg.Port)

	msg, err := n.message(sampleAlert())
	require.NoError(t, err)
	assert.Equal(t, []string{"[warning] api_quota: acme"}, msg.GetGenHeader(gomail.HeaderSubject))
	rcpts, err := msg.GetRecipients()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"ops@example.com", "oncall@example.com"}, rcpts)
}

func TestEmailNotifier_Validation(t *testing.T) {
	t.Parallel()
	_, err := NewEmailNotifier(EmailConfig{From: "a@example.com", To: []string{"b@example.com"}})
	require.Error(t, err)
	_, err = NewEmailNotifier(EmailConfig{Host: "smtp.example.com", To: []string{"b@example.com"}})
	require.Error(t, err)
	_, err = NewEmailNotifier(EmailConfig{Host: "smtp.example.com", From: "a@example.com"})
	require.Error(t, err)

	n, err := NewEmailNotifier(EmailConfig{Host: "smtp.example.com", From: "a@example.com", To: []string{"not an address"}})
	require.NoError(t, err)
	_, err = n.message(sampleAlert())
	require.Error(t, err)
}

func TestEmailNotifier_UnreachableServer(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	n, err := NewEmailNotifier(EmailConfig{
		Host:    "127.0.0.1",
		Port:    port,
		From:    "alerts@example.com",
		To:      []string{"ops@example.com"},
		Timeout: 2 * time.Second,
	})
	require.NoError(t, err)
	require.Error(t, n.Notify(context.Background(), sampleAlert()))
}
