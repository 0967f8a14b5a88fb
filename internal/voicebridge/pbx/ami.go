package pbx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

const (
	defaultDialTimeout      = 5 * time.Second
	defaultOriginateTimeout = 45 * time.Second
)

var (
	// ErrLoginFailed is returned when the manager interface rejects the credentials
	ErrLoginFailed = errors.New("ami login failed")
	// ErrOriginateFailed is returned when the PBX could not place the call
	ErrOriginateFailed = errors.New("originate failed")
	// ErrInvalidField is returned for action values that would break the
	// line-based action framing
	ErrInvalidField = errors.New("invalid ami field value")
)

// OriginateRequest asks the PBX to dial Number and connect the answered
// channel to the audio socket at Host:Port
type OriginateRequest struct {
	Number        string
	CorrelationID string
	Host          string
	Port          int
}

// Originator places outbound calls
type Originator interface {
	Originate(ctx context.Context, req OriginateRequest) error
}

// AMIConfig holds the manager interface settings
type AMIConfig struct {
	Host     string
	Port     int
	Username string
	Secret   string
	// ChannelTemplate is a dial string with one %s for the number
	ChannelTemplate string
	CallerID        string
	DialTimeout     time.Duration
	// OriginateTimeout bounds one originate exchange when ctx has no deadline
	OriginateTimeout time.Duration
}

// AMIOriginator originates calls over the PBX manager interface, one
// manager connection per call.
type AMIOriginator struct {
	cfg      AMIConfig
	actionID atomic.Uint64
}

// NewAMIOriginator creates an originator
func NewAMIOriginator(cfg AMIConfig) *AMIOriginator {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.OriginateTimeout <= 0 {
		cfg.OriginateTimeout = defaultOriginateTimeout
	}
	if cfg.ChannelTemplate == "" {
		cfg.ChannelTemplate = "%s"
	}
	return &AMIOriginator{cfg: cfg}
}

// Channel builds the dial string for number
func (o *AMIOriginator) Channel(number string) string {
	number = strings.TrimPrefix(strings.TrimSpace(number), "+")
	if !strings.Contains(o.cfg.ChannelTemplate, "%s") {
		return o.cfg.ChannelTemplate
	}
	return fmt.Sprintf(o.cfg.ChannelTemplate, number)
}

// Originate dials req.Number and starts the AudioSocket application on the
// answered channel. It returns once the PBX has answered the action.
func (o *AMIOriginator) Originate(ctx context.Context, req OriginateRequest) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.OriginateTimeout)
		defer cancel()
	}

	fields := [][2]string{
		{"Channel", o.Channel(req.Number)},
		{"Application", "AudioSocket"},
		{"Data", fmt.Sprintf("%s,%s:%d", req.CorrelationID, req.Host, req.Port)},
	}
	if o.cfg.CallerID != "" {
		fields = append(fields, [2]string{"CallerID", o.cfg.CallerID})
	}
	if err := checkFields(fields); err != nil {
		return err
	}

	addr := net.JoinHostPort(o.cfg.Host, strconv.Itoa(o.cfg.Port))
	dialer := net.Dialer{Timeout: o.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connect to ami %s: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	tp := textproto.NewConn(conn)
	greeting, err := tp.ReadLine()
	if err != nil {
		return fmt.Errorf("read ami greeting: %w", err)
	}
	slog.Debug("[AMI] Connected", "addr", addr, "greeting", greeting)

	login, err := o.action(tp, "Login", [][2]string{
		{"Username", o.cfg.Username},
		{"Secret", o.cfg.Secret},
		{"Events", "off"},
	})
	if err != nil {
		return err
	}
	if !isSuccess(login) {
		return fmt.Errorf("%w: %s", ErrLoginFailed, login.Get("Message"))
	}
	defer o.action(tp, "Logoff", nil)

	slog.Info("[AMI] Originating call",
		"channel", fields[0][1],
		"correlation_id", req.CorrelationID,
		"audio_socket", fmt.Sprintf("%s:%d", req.Host, req.Port))

	resp, err := o.action(tp, "Originate", fields)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrOriginateFailed, ctx.Err())
		}
		return err
	}
	if !isSuccess(resp) {
		return fmt.Errorf("%w: %s", ErrOriginateFailed, resp.Get("Message"))
	}

	slog.Info("[AMI] Call originated", "correlation_id", req.CorrelationID, "message", resp.Get("Message"))
	return nil
}

// action writes one action block and waits for its response, skipping events
func (o *AMIOriginator) action(tp *textproto.Conn, name string, fields [][2]string) (textproto.MIMEHeader, error) {
	if err := checkFields(append([][2]string{{"Action", name}}, fields...)); err != nil {
		return nil, err
	}
	id := strconv.FormatUint(o.actionID.Add(1), 10)

	var b strings.Builder
	b.WriteString("Action: " + name + "\r\n")
	b.WriteString("ActionID: " + id + "\r\n")
	for _, f := range fields {
		b.WriteString(f[0] + ": " + f[1] + "\r\n")
	}
	b.WriteString("\r\n")

	if _, err := tp.W.WriteString(b.String()); err != nil {
		return nil, fmt.Errorf("write ami %s: %w", name, err)
	}
	if err := tp.W.Flush(); err != nil {
		return nil, fmt.Errorf("write ami %s: %w", name, err)
	}

	for {
		h, err := tp.ReadMIMEHeader()
		if err != nil {
			return nil, fmt.Errorf("read ami %s response: %w", name, err)
		}
		if h.Get("Response") == "" {
			continue
		}
		if got := h.Get("ActionID"); got != "" && got != id {
			continue
		}
		return h, nil
	}
}

// checkFields refuses line breaks in any key or value
func checkFields(fields [][2]string) error {
	for _, f := range fields {
		if strings.ContainsAny(f[0], "\r\n:") || strings.ContainsAny(f[1], "\r\n") {
			return fmt.Errorf("%w: %q", ErrInvalidField, f[0])
		}
	}
	return nil
}

func isSuccess(h textproto.MIMEHeader) bool {
	return strings.EqualFold(h.Get("Response"), "Success")
}
