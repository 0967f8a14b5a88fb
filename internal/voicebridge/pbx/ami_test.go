package pbx

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/textproto"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAMI plays the PBX side of one manager session
type fakeAMI struct {
	listener net.Listener
	actions  chan textproto.MIMEHeader
}

func newFakeAMI(t *testing.T, respond func(action textproto.MIMEHeader) string) *fakeAMI {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &fakeAMI{listener: l, actions: make(chan textproto.MIMEHeader, 8)}
	t.Cleanup(func() { l.Close() })

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		fmt.Fprint(conn, "Asterisk Call Manager/5.0.1\r\n")

		r := textproto.NewReader(bufio.NewReader(conn))
		for {
			h, err := r.ReadMIMEHeader()
			if err != nil {
				return
			}
			f.actions <- h
			fmt.Fprint(conn, respond(h))
		}
	}()
	return f
}

func (f *fakeAMI) port() int {
	return f.listener.Addr().(*net.TCPAddr).Port
}

func response(h textproto.MIMEHeader, status, message string) string {
	return fmt.Sprintf("Response: %s\r\nActionID: %s\r\nMessage: %s\r\n\r\n", status, h.Get("ActionID"), message)
}

func TestChannelTemplate(t *testing.T) {
	o := NewAMIOriginator(AMIConfig{ChannelTemplate: "SIP/%s@45656"})
	assert.Equal(t, "SIP/4915112345@45656", o.Channel("+4915112345"))

	fixed := NewAMIOriginator(AMIConfig{ChannelTemplate: "Local/100@agents"})
	assert.Equal(t, "Local/100@agents", fixed.Channel("123"))
}

func TestOriginateSuccess(t *testing.T) {
	ami := newFakeAMI(t, func(h textproto.MIMEHeader) string {
		switch h.Get("Action") {
		case "Login":
			return response(h, "Success", "Authentication accepted")
		case "Originate":
			// an unrelated event arrives before the response
			return "Event: Newchannel\r\nChannel: SIP/1-0001\r\n\r\n" + response(h, "Success", "Originate successfully queued")
		default:
			return response(h, "Goodbye", "Thanks for all the fish.")
		}
	})

	o := NewAMIOriginator(AMIConfig{
		Host:            "127.0.0.1",
		Port:            ami.port(),
		Username:        "admin",
		Secret:          "secret",
		ChannelTemplate: "SIP/%s@45656",
		CallerID:        "4921612963110 <4921612963110>",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := o.Originate(ctx, OriginateRequest{Number: "+491701234", CorrelationID: "abc-123", Host: "10.0.0.5", Port: 15052})
	require.NoError(t, err)

	login := <-ami.actions
	assert.Equal(t, "Login", login.Get("Action"))
	assert.Equal(t, "admin", login.Get("Username"))
	assert.Equal(t, "secret", login.Get("Secret"))

	orig := <-ami.actions
	assert.Equal(t, "Originate", orig.Get("Action"))
	assert.Equal(t, "SIP/491701234@45656", orig.Get("Channel"))
	assert.Equal(t, "AudioSocket", orig.Get("Application"))
	assert.Equal(t, "abc-123,10.0.0.5:15052", orig.Get("Data"))
	assert.Equal(t, "4921612963110 <4921612963110>", orig.Get("Callerid"))
}

func TestOriginateRejected(t *testing.T) {
	ami := newFakeAMI(t, func(h textproto.MIMEHeader) string {
		if h.Get("Action") == "Login" {
			return response(h, "Success", "Authentication accepted")
		}
		if h.Get("Action") == "Originate" {
			return response(h, "Error", "Originate failed")
		}
		return response(h, "Goodbye", "bye")
	})

	o := NewAMIOriginator(AMIConfig{Host: "127.0.0.1", Port: ami.port(), ChannelTemplate: "SIP/%s"})
	err := o.Originate(context.Background(), OriginateRequest{Number: "1", CorrelationID: "x", Host: "h", Port: 1})
	assert.ErrorIs(t, err, ErrOriginateFailed)
	assert.ErrorContains(t, err, "Originate failed")
}

func TestLoginRejected(t *testing.T) {
	ami := newFakeAMI(t, func(h textproto.MIMEHeader) string {
		return response(h, "Error", "Authentication failed")
	})

	o := NewAMIOriginator(AMIConfig{Host: "127.0.0.1", Port: ami.port()})
	err := o.Originate(context.Background(), OriginateRequest{Number: "1"})
	assert.ErrorIs(t, err, ErrLoginFailed)
	assert.ErrorContains(t, err, "Authentication failed")
}

func TestOriginateUnreachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	o := NewAMIOriginator(AMIConfig{Host: "127.0.0.1", Port: port, DialTimeout: time.Second})
	assert.Error(t, o.Originate(context.Background(), OriginateRequest{Number: "1"}))
}

func TestOriginateRefusesLineBreaks(t *testing.T) {
	ami := newFakeAMI(t, func(h textproto.MIMEHeader) string {
		return response(h, "Success", "ok")
	})

	o := NewAMIOriginator(AMIConfig{Host: "127.0.0.1", Port: ami.port(), ChannelTemplate: "SIP/%s@45656"})
	err := o.Originate(context.Background(), OriginateRequest{
		Number:        "123\r\n\r\nAction: Command\r\nCommand: core stop now",
		CorrelationID: "abc-123",
		Host:          "10.0.0.5",
		Port:          15052,
	})
	assert.ErrorIs(t, err, ErrInvalidField)

	select {
	case h := <-ami.actions:
		t.Fatalf("unexpected action %q reached the PBX", h.Get("Action"))
	case <-time.After(100 * time.Millisecond):
	}
}

func TestActionRefusesLineBreaks(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	o := NewAMIOriginator(AMIConfig{})
	tp := textproto.NewConn(client)

	_, err := o.action(tp, "Originate", [][2]string{{"Channel", "SIP/1\nAction: Command"}})
	assert.ErrorIs(t, err, ErrInvalidField)
	_, err = o.action(tp, "Originate", [][2]string{{"Variable\r\nAction", "x"}})
	assert.ErrorIs(t, err, ErrInvalidField)
}
