package delivery

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
)

// Fingerprint is a stable content hash used to correlate sends across runs.
func Fingerprint(m Message) string {
	sum := sha256.Sum256([]byte(m.Subject + "\n" + m.Body))
	return hex.EncodeToString(sum[:])[:12]
}

// Compose renders a plain-text RFC 5322 message.
//
// A single recipient is named in To; a batch is addressed to the sender so
// recipients do not see each other, and the envelope carries the real list.
func Compose(from string, rcpts []string, m Message, at time.Time, corrID string) ([]byte, error) {
	var h mail.Header
	h.SetDate(at)
	h.SetSubject(m.Subject)
	h.SetAddressList("From", []*mail.Address{{Address: from}})
	if len(rcpts) == 1 {
		h.SetAddressList("To", []*mail.Address{{Address: rcpts[0]}})
	} else {
		h.SetAddressList("To", []*mail.Address{{Address: from}})
	}
	h.SetMessageID(uuid.NewString() + "@" + domainOf(from))
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")
	if corrID != "" {
		h.Set("X-Correlation-Id", corrID)
	}

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(w, normalizeNewlines(m.Body)); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func domainOf(addr string) string {
	if i := strings.LastIndexByte(addr, '@'); i >= 0 && i < len(addr)-1 {
		return addr[i+1:]
	}
	return "localhost"
}

func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", "\r\n")
}
