// Package notify emails a contact for every identity present in an
// attendance verdict.
package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/mail"
	"net/smtp"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/andresmejia3/rollcall/internal/gallery"
	"github.com/andresmejia3/rollcall/internal/types"
)

// Subject is the subject line of every notification.
const Subject = "Attendance Notification"

// Skip reasons.
const (
	ReasonNotOnRoster  = "not on roster"
	ReasonNoEmail      = "no email"
	ReasonInvalidEmail = "invalid email"
	ReasonSendFailed   = "send failed"
)

// Student is one roster row.
type Student struct {
	Name  string
	UIN   string
	Email string
}

// Roster maps canonical identity names to contact details.
type Roster map[string]Student

// LoadRoster reads a roster CSV from disk.
func LoadRoster(path string) (Roster, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open roster: %w", err)
	}
	defer f.Close()
	return ReadRoster(f)
}

// ReadRoster parses a CSV with a header naming at least the name and email
// columns. "uin" is optional and "parent_email" is accepted for "email".
func ReadRoster(r io.Reader) (Roster, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read roster header: %w", err)
	}
	col := map[string]int{}
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	nameCol, ok := col["name"]
	if !ok {
		return nil, errors.New("roster has no name column")
	}
	emailCol, ok := col["email"]
	if !ok {
		if emailCol, ok = col["parent_email"]; !ok {
			return nil, errors.New("roster has no email column")
		}
	}
	uinCol, hasUIN := col["uin"]

	field := func(rec []string, i int) string {
		if i < len(rec) {
			return strings.TrimSpace(rec[i])
		}
		return ""
	}

	roster := Roster{}
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read roster: %w", err)
		}
		name := gallery.CanonicalName(field(rec, nameCol))
		if name == "" {
			continue
		}
		s := Student{Name: name, Email: field(rec, emailCol)}
		if hasUIN {
			s.UIN = field(rec, uinCol)
		}
		roster[name] = s
	}
	return roster, nil
}

// Message is one plain-text email.
type Message struct {
	From    string
	To      string
	Subject string
	Body    string
}

// Bytes renders the message with RFC 5322 headers.
func (m Message) Bytes() []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", m.From)
	fmt.Fprintf(&b, "To: %s\r\n", m.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", m.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(m.Body, "\n", "\r\n"))
	return b.Bytes()
}

// Sender delivers messages.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// DefaultSMTPTimeout bounds one delivery when SMTPSender.Timeout is unset.
const DefaultSMTPTimeout = 30 * time.Second

// SMTPSender sends through an SMTP relay, upgrading with STARTTLS when the
// server offers it. Each Send is bounded by ctx and Timeout.
type SMTPSender struct {
	Host     string
	Port     int
	Username string
	Password string
	Timeout  time.Duration
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) (err error) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultSMTPTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addr := net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	// The timeout or a cancellation unblocks any pending read or write.
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()
	defer func() {
		if err != nil && ctx.Err() != nil {
			err = fmt.Errorf("%w: %v", ctx.Err(), err)
		}
	}()

	c, err := smtp.NewClient(conn, s.Host)
	if err != nil {
		conn.Close()
		return err
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: s.Host}); err != nil {
			return err
		}
	}
	if s.Username != "" {
		if ok, _ := c.Extension("AUTH"); !ok {
			return errors.New("smtp: server doesn't support AUTH")
		}
		if err := c.Auth(smtp.PlainAuth("", s.Username, s.Password, s.Host)); err != nil {
			return err
		}
	}
	if err := c.Mail(msg.From); err != nil {
		return err
	}
	if err := c.Rcpt(msg.To); err != nil {
		return err
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg.Bytes()); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

// Outcome records what happened for one identity.
type Outcome struct {
	Name   string `json:"name"`
	Email  string `json:"email,omitempty"`
	Reason string `json:"reason,omitempty"`
	Err    error  `json:"-"`
}

// Result summarises one Notify call.
type Result struct {
	Sent    []Outcome `json:"sent"`
	Skipped []Outcome `json:"skipped,omitempty"`
}

type Notifier struct {
	roster Roster
	sender Sender
	from   string
	logger *log.Logger
}

func New(roster Roster, sender Sender, from string, logger *log.Logger) *Notifier {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Notifier{roster: roster, sender: sender, from: from, logger: logger}
}

// Notify sends one email per identity in v, in name order. Identities without
// a usable address are skipped, and a failed send is recorded and does not
// stop the others. Only cancellation of ctx ends it early.
func (n *Notifier) Notify(ctx context.Context, v types.Verdict, subject string, classTime time.Time) (Result, error) {
	var res Result
	for _, name := range v.Names() {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		student, ok := n.roster[gallery.CanonicalName(name)]
		if !ok {
			res.Skipped = append(res.Skipped, Outcome{Name: name, Reason: ReasonNotOnRoster})
			continue
		}
		if student.Email == "" {
			res.Skipped = append(res.Skipped, Outcome{Name: name, Reason: ReasonNoEmail})
			continue
		}
		addr, err := mail.ParseAddress(student.Email)
		if err != nil {
			res.Skipped = append(res.Skipped, Outcome{Name: name, Email: student.Email, Reason: ReasonInvalidEmail, Err: err})
			continue
		}

		msg := Message{
			From:    n.from,
			To:      addr.Address,
			Subject: Subject,
			Body:    Body(student, subject, classTime),
		}
		if err := n.sender.Send(ctx, msg); err != nil {
			n.logger.Printf("failed to send attendance email to %s: %v", addr.Address, err)
			res.Skipped = append(res.Skipped, Outcome{Name: name, Email: addr.Address, Reason: ReasonSendFailed, Err: err})
			continue
		}
		n.logger.Printf("attendance email sent to %s", addr.Address)
		res.Sent = append(res.Sent, Outcome{Name: name, Email: addr.Address})
	}
	return res, nil
}

// Body is the plain-text notification for one student.
func Body(s Student, subject string, classTime time.Time) string {
	uin := s.UIN
	if uin == "" {
		uin = "n/a"
	}
	return fmt.Sprintf("Dear Parent,\n\nYour student %s (UIN: %s) was present in class.\nSubject: %s\nTime: %s\n\nRegards,\nAttendance System\n",
		s.Name, uin, subject, classTime.Format("2006-01-02 15:04"))
}
