package email

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net"
	"net/mail"
	"net/smtp"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"donna/internal/config"
	"donna/internal/observability"
)

const (
	// maxMessageBytes bounds a single decoded body part. Longer parts
	// are truncated, not rejected; a giant newsletter still yields a
	// prompt.
	maxMessageBytes = 1 << 20

	smtpDialTimeout = 15 * time.Second
	maxPartDepth    = 4
)

// Mailer is the bundled MailClient. Inbound mail is read from a
// locally synced maildir (mbsync, fetchmail, or an LDA own the IMAP
// side); outbound replies go over plain SMTP. Swapping the wire
// protocol means implementing MailClient, nothing else.
type Mailer struct {
	dir      string
	smtpAddr string
	smtpUser string
	smtpPass string
	from     string
	logger   *observability.Logger
}

// NewMailer builds the maildir consumer and SMTP sender from config.
// The SMTP password travels separately because it lives in the
// secrets file.
func NewMailer(cfg config.EmailConfig, smtpPass string, logger *observability.Logger) *Mailer {
	user := cfg.SMTPUser
	if user == "" {
		user = cfg.From
	}
	return &Mailer{
		dir:      cfg.Maildir,
		smtpAddr: cfg.SMTPAddr,
		smtpUser: user,
		smtpPass: smtpPass,
		from:     cfg.From,
		logger:   observability.OrNop(logger),
	}
}

// FetchUnseen parses every message in new/ and moves it to cur/ with
// the seen flag, the maildir way. Unparsable files are moved aside
// too so a poison message cannot wedge the poll loop.
func (m *Mailer) FetchUnseen(ctx context.Context) ([]Inbound, error) {
	newDir := filepath.Join(m.dir, "new")
	entries, err := os.ReadDir(newDir)
	if err != nil {
		return nil, fmt.Errorf("read maildir: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}
	curDir := filepath.Join(m.dir, "cur")
	if err := os.MkdirAll(curDir, 0o755); err != nil {
		return nil, fmt.Errorf("maildir cur: %w", err)
	}
	var msgs []Inbound
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return msgs, err
		}
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		in, perr := readMessageFile(filepath.Join(newDir, e.Name()))
		if perr != nil {
			m.logger.WarnContext(ctx, "unparsable message moved aside",
				"file", e.Name(), "error", perr)
		}
		seen := filepath.Join(curDir, e.Name()+":2,S")
		if rerr := os.Rename(filepath.Join(newDir, e.Name()), seen); rerr != nil {
			// The file stays in new/ and will be re-read next poll;
			// the processed-emails table keeps that harmless.
			m.logger.WarnContext(ctx, "message not moved to cur",
				"file", e.Name(), "error", rerr)
		}
		if perr == nil {
			msgs = append(msgs, in)
		}
	}
	return msgs, nil
}

// Send delivers one reply over SMTP, with STARTTLS and AUTH when the
// server offers them.
func (m *Mailer) Send(ctx context.Context, msg Outbound) error {
	if msg.To == "" {
		return errors.New("send mail: empty recipient")
	}
	host, _, err := net.SplitHostPort(m.smtpAddr)
	if err != nil {
		return fmt.Errorf("send mail: bad smtp address %q: %w", m.smtpAddr, err)
	}
	d := net.Dialer{Timeout: smtpDialTimeout}
	conn, err := d.DialContext(ctx, "tcp", m.smtpAddr)
	if err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	c, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("send mail: %w", err)
	}
	defer c.Close()
	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return fmt.Errorf("send mail: starttls: %w", err)
		}
	}
	if m.smtpPass != "" {
		if err := c.Auth(smtp.PlainAuth("", m.smtpUser, m.smtpPass, host)); err != nil {
			return fmt.Errorf("send mail: auth: %w", err)
		}
	}
	if err := c.Mail(m.from); err != nil {
		return fmt.Errorf("send mail: from: %w", err)
	}
	if err := c.Rcpt(msg.To); err != nil {
		return fmt.Errorf("send mail: rcpt: %w", err)
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	if _, err := w.Write(encodeMessage(m.from, msg)); err != nil {
		w.Close()
		return fmt.Errorf("send mail: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return c.Quit()
}

// encodeMessage renders the RFC 5322 wire form with CRLF line endings
// and the threading headers the reader in email.go composed.
func encodeMessage(from string, msg Outbound) []byte {
	var b strings.Builder
	header := func(k, v string) {
		if v != "" {
			b.WriteString(k)
			b.WriteString(": ")
			b.WriteString(v)
			b.WriteString("\r\n")
		}
	}
	header("From", from)
	header("To", msg.To)
	header("Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	header("Date", time.Now().Format(time.RFC1123Z))
	header("In-Reply-To", angle(msg.InReplyTo))
	if len(msg.References) > 0 {
		refs := make([]string, len(msg.References))
		for i, r := range msg.References {
			refs[i] = angle(r)
		}
		header("References", strings.Join(refs, " "))
	}
	header("MIME-Version", "1.0")
	contentType := "text/plain; charset=utf-8"
	if msg.HTML {
		contentType = "text/html; charset=utf-8"
	}
	header("Content-Type", contentType)
	header("Content-Transfer-Encoding", "8bit")
	b.WriteString("\r\n")
	body := strings.ReplaceAll(strings.ReplaceAll(msg.Body, "\r\n", "\n"), "\n", "\r\n")
	b.WriteString(body)
	if !strings.HasSuffix(body, "\r\n") {
		b.WriteString("\r\n")
	}
	return []byte(b.String())
}

func angle(id string) string {
	if id == "" {
		return ""
	}
	return "<" + id + ">"
}

func readMessageFile(path string) (Inbound, error) {
	f, err := os.Open(path)
	if err != nil {
		return Inbound{}, err
	}
	defer f.Close()
	return parseMessage(bufio.NewReader(f))
}

// parseMessage reads headers and walks the MIME tree for the first
// text/plain and text/html bodies. Charsets other than UTF-8 pass
// through undecoded; the prompt builder tolerates that.
func parseMessage(r io.Reader) (Inbound, error) {
	msg, err := mail.ReadMessage(r)
	if err != nil {
		return Inbound{}, fmt.Errorf("parse message: %w", err)
	}
	in := Inbound{
		MessageID:  trimAngle(msg.Header.Get("Message-Id")),
		Subject:    decodeHeader(msg.Header.Get("Subject")),
		References: splitMessageIDs(msg.Header.Get("References")),
	}
	if addr, err := mail.ParseAddress(msg.Header.Get("From")); err == nil {
		in.From = addr.Address
	} else {
		in.From = strings.TrimSpace(msg.Header.Get("From"))
	}
	if irt := trimAngle(msg.Header.Get("In-Reply-To")); irt != "" && !slices.Contains(in.References, irt) {
		in.References = append(in.References, irt)
	}
	err = readPart(&in, msg.Header.Get("Content-Type"),
		msg.Header.Get("Content-Transfer-Encoding"), msg.Body, 0)
	return in, err
}

func readPart(in *Inbound, contentType, encoding string, r io.Reader, depth int) error {
	if depth > maxPartDepth {
		return nil
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType == "" {
		mediaType = "text/plain"
	}
	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return errors.New("multipart without boundary")
		}
		mr := multipart.NewReader(r, boundary)
		for {
			part, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			perr := readPart(in, part.Header.Get("Content-Type"),
				part.Header.Get("Content-Transfer-Encoding"), part, depth+1)
			part.Close()
			if perr != nil {
				return perr
			}
		}
	}
	data, err := io.ReadAll(io.LimitReader(decodeTransfer(r, encoding), maxMessageBytes))
	if err != nil {
		return err
	}
	switch {
	case mediaType == "text/plain" && in.TextBody == "":
		in.TextBody = string(data)
	case mediaType == "text/html" && in.HTMLBody == "":
		in.HTMLBody = string(data)
	}
	return nil
}

func decodeTransfer(r io.Reader, encoding string) io.Reader {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "quoted-printable":
		return quotedprintable.NewReader(r)
	case "base64":
		return base64.NewDecoder(base64.StdEncoding, r)
	default:
		return r
	}
}

func decodeHeader(s string) string {
	dec := new(mime.WordDecoder)
	out, err := dec.DecodeHeader(s)
	if err != nil {
		return s
	}
	return out
}

func splitMessageIDs(s string) []string {
	var ids []string
	for _, f := range strings.Fields(s) {
		if id := trimAngle(f); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func trimAngle(s string) string {
	return strings.Trim(strings.TrimSpace(s), "<>")
}
