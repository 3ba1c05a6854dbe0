package policy

import (
	"fmt"
	"strings"
)

// Action is a response to a policy request.
type Action struct {
	Name string // E.g. DUNNO, REJECT, DEFER_IF_PERMIT.
	Text string // Optional explanation, sent after the name.
}

// Dunno means no decision, the mail server continues with its other checks.
func Dunno() Action {
	return Action{Name: "DUNNO"}
}

// Reject rejects the message with a permanent error.
func Reject(text string) Action {
	return Action{Name: "REJECT", Text: text}
}

// DeferIfPermit makes the mail server respond with a temporary error, unless a
// later check rejects the message.
func DeferIfPermit(text string) Action {
	return Action{Name: "DEFER_IF_PERMIT", Text: text}
}

func (a Action) String() string {
	if a.Text == "" {
		return a.Name
	}
	return a.Name + " " + a.Text
}

// Encode returns the response line in wire format, including the terminating
// empty line. Newlines in the text are replaced with spaces so the response
// stays a single line.
func (a Action) Encode() []byte {
	s := strings.NewReplacer("\r", " ", "\n", " ").Replace(a.String())
	return []byte(fmt.Sprintf("action=%s\n\n", s))
}
