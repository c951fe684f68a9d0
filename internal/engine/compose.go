package engine

import (
	"fmt"
	"strings"

	"chaser/internal/delivery"
	"chaser/internal/model"
)

// Templates is the fixed plain-text wording of the three message kinds.
type Templates struct {
	InitialSubject string
	ChaseSubject   string
	ManagerSubject string
	ActionURL      string
	Signature      string
}

const dateLayout = "2 January 2006"

// Initial composes the first notice for c.
func (t Templates) Initial(c model.Candidate) delivery.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Hello %s,\n\n", c.Recipient.DisplayName())
	fmt.Fprintf(&b, "You are recorded as the owner of %s that %s a decision.\n", plural(c.PendingItemCount, "file", "files"), verb(c.PendingItemCount))
	b.WriteString("Please label each file, delete it, or name its correct owner.\n")
	t.footer(&b)
	return delivery.Message{Subject: t.InitialSubject, Body: b.String()}
}

// Chase composes a reminder for c.
func (t Templates) Chase(c model.Candidate) delivery.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Hello %s,\n\n", c.Recipient.DisplayName())
	if !c.LastSuccessfulInitial.IsZero() {
		fmt.Fprintf(&b, "On %s we asked you to review files you own.\n", c.LastSuccessfulInitial.Format(dateLayout))
	}
	fmt.Fprintf(&b, "%s still %s a decision.\n", capitalize(plural(c.PendingItemCount, "file", "files")), verb(c.PendingItemCount))
	if c.TotalChaseCount > 0 {
		fmt.Fprintf(&b, "This is reminder number %d.\n", c.TotalChaseCount+1)
	}
	t.footer(&b)
	return delivery.Message{Subject: t.ChaseSubject, Body: b.String()}
}

// Manager composes the escalation about c for its manager.
func (t Templates) Manager(c model.Candidate, items int, chases int) delivery.Message {
	var b strings.Builder
	b.WriteString("Hello,\n\n")
	fmt.Fprintf(&b, "%s <%s> has not acted on %s after %d reminders.\n",
		c.Recipient.DisplayName(), c.Recipient.ContactAddress(), plural(items, "file", "files"), chases)
	b.WriteString("Please follow up with them.\n")
	t.footer(&b)
	return delivery.Message{Subject: t.ManagerSubject, Body: b.String()}
}

func (t Templates) footer(b *strings.Builder) {
	if u := strings.TrimSpace(t.ActionURL); u != "" {
		fmt.Fprintf(b, "\nReview them at %s\n", u)
	}
	if s := strings.TrimSpace(t.Signature); s != "" {
		fmt.Fprintf(b, "\n%s\n", s)
	}
}

func plural(n int, one, many string) string {
	if n == 1 {
		return "1 " + one
	}
	return fmt.Sprintf("%d %s", n, many)
}

func verb(n int) string {
	if n == 1 {
		return "needs"
	}
	return "need"
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
