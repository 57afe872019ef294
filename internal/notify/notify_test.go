package notify

import (
	"context"
	"errors"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// startFakeSMTP accepts one session and forwards the DATA payload.
func startFakeSMTP(t *testing.T) (string, int, <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	got := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		tp := textproto.NewConn(conn)
		_ = tp.PrintfLine("220 fake ESMTP")
		for {
			line, err := tp.ReadLine()
			if err != nil {
				return
			}
			switch strings.ToUpper(strings.Fields(line)[0]) {
			case "EHLO", "HELO":
				_ = tp.PrintfLine("250 fake")
			case "MAIL", "RCPT":
				_ = tp.PrintfLine("250 ok")
			case "DATA":
				_ = tp.PrintfLine("354 go ahead")
				data, err := tp.ReadDotBytes()
				if err != nil {
					return
				}
				got <- string(data)
				_ = tp.PrintfLine("250 queued")
			case "QUIT":
				_ = tp.PrintfLine("221 bye")
				return
			default:
				_ = tp.PrintfLine("502 unsupported")
			}
		}
	}()

	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return host, p, got
}

func TestSMTPMailerSend(t *testing.T) {
	host, port, got := startFakeSMTP(t)
	mailer, err := NewSMTPMailer(SMTPConfig{
		Host:        host,
		Port:        port,
		FromAddress: "noreply@example.org",
		Timeout:     5 * time.Second,
	}, zap.NewNop())
	require.NoError(t, err)

	err = mailer.Send(context.Background(), "w1@example.org", "Password reset code", "Your code is 123456.\n")
	require.NoError(t, err)

	select {
	case data := <-got:
		require.Contains(t, data, "To: w1@example.org")
		require.Contains(t, data, "Subject: Password reset code")
		require.Contains(t, data, "From: Field Operations <noreply@example.org>")
		require.Contains(t, data, "Your code is 123456.")
	case <-time.After(5 * time.Second):
		t.Fatal("fake server received no message")
	}
}

func TestSMTPMailerRequiresHost(t *testing.T) {
	_, err := NewSMTPMailer(SMTPConfig{FromAddress: "a@example.org"}, nil)
	require.Error(t, err)
	_, err = NewSMTPMailer(SMTPConfig{Host: "smtp.example.org"}, nil)
	require.Error(t, err)
}

func TestSMTPMailerHonoursContext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	require.NoError(t, ln.Close())

	mailer, err := NewSMTPMailer(SMTPConfig{Host: "127.0.0.1", Port: addr.Port, FromAddress: "a@example.org", RetryAttempts: 3}, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, mailer.Send(ctx, "b@example.org", "s", "b"))
}

func TestLogMailer(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	m := NewLogMailer(zap.New(core))
	require.NoError(t, m.Send(context.Background(), "a@example.org", "Verify", "link"))
	require.Equal(t, 1, logs.FilterMessage("outbound mail").Len())
}

type fakeResolver struct {
	answers map[string][]*net.MX
	calls   int
}

func (f *fakeResolver) LookupMX(_ context.Context, name string) ([]*net.MX, error) {
	f.calls++
	if name == "broken.test" {
		return nil, errors.New("server misbehaving")
	}
	mx, ok := f.answers[name]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: name, IsNotFound: true}
	}
	return mx, nil
}

func TestMXChecker(t *testing.T) {
	r := &fakeResolver{answers: map[string][]*net.MX{
		"example.org": {{Host: "mx1.example.org.", Pref: 10}},
		"nullmx.test": {{Host: ".", Pref: 0}},
	}}
	c := newMXChecker(r, 16, time.Minute)
	ctx := context.Background()

	ok, err := c.HasMailExchange(ctx, "Example.org.")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = c.HasMailExchange(ctx, "example.org")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, r.calls, "second lookup should be cached")

	ok, err = c.HasMailExchange(ctx, "nullmx.test")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = c.HasMailExchange(ctx, "missing.test")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = c.HasMailExchange(ctx, "broken.test")
	require.Error(t, err)
}
