package pop3

import (
	"bytes"
	"strconv"
	"strings"
)

// Response is a parsed status line.
type Response struct {
	// OK indicates success (+OK) or failure (-ERR).
	OK bool

	// Code is the extended response code (RFC 2449), e.g. "IN-USE",
	// without brackets. Empty when absent.
	Code string

	// Message is the text after the status indicator, including any
	// response code.
	Message string
}

// String formats the response as it appeared on the wire.
func (r Response) String() string {
	var sb strings.Builder
	if r.OK {
		sb.WriteString("+OK")
	} else {
		sb.WriteString("-ERR")
	}
	if r.Message != "" {
		sb.WriteString(" ")
		sb.WriteString(r.Message)
	}
	return sb.String()
}

// ParseResponse parses a "+OK ..." or "-ERR ..." status line.
func ParseResponse(line []byte) (Response, error) {
	text := string(trimEOL(line))
	var r Response
	switch {
	case hasStatus(text, "+OK"):
		r.OK = true
		r.Message = strings.TrimLeft(text[3:], " ")
	case hasStatus(text, "-ERR"):
		r.Message = strings.TrimLeft(text[4:], " ")
	default:
		return Response{}, &ProtocolError{Line: text, Reason: "invalid status indicator"}
	}
	if strings.HasPrefix(r.Message, "[") {
		if end := strings.IndexByte(r.Message, ']'); end > 0 {
			r.Code = r.Message[1:end]
		}
	}
	return r, nil
}

func hasStatus(text, status string) bool {
	if !strings.HasPrefix(strings.ToUpper(text), status) {
		return false
	}
	return len(text) == len(status) || text[len(status)] == ' '
}

// trimEOL removes a trailing LF or CRLF.
func trimEOL(line []byte) []byte {
	line = bytes.TrimSuffix(line, []byte("\n"))
	return bytes.TrimSuffix(line, []byte("\r"))
}

// cursor walks a response line and rejects reads past its end.
type cursor struct {
	b   []byte
	pos int
}

func newCursor(b []byte) *cursor { return &cursor{b: trimEOL(b)} }

func (c *cursor) skipSpace() {
	for c.pos < len(c.b) && (c.b[c.pos] == ' ' || c.b[c.pos] == '\t') {
		c.pos++
	}
}

func (c *cursor) done() bool { return c.pos >= len(c.b) }

func (c *cursor) token() []byte {
	c.skipSpace()
	start := c.pos
	for c.pos < len(c.b) && c.b[c.pos] != ' ' && c.b[c.pos] != '\t' {
		c.pos++
	}
	return c.b[start:c.pos]
}

func (c *cursor) number(what string) (int64, error) {
	tok := c.token()
	if len(tok) == 0 {
		return 0, &ProtocolError{Line: string(c.b), Reason: "missing " + what}
	}
	n, err := strconv.ParseInt(string(tok), 10, 64)
	if err != nil || n < 0 {
		return 0, &ProtocolError{Line: string(c.b), Reason: "invalid " + what}
	}
	return n, nil
}

// rest returns the remaining text after leading blanks.
func (c *cursor) rest() []byte {
	c.skipSpace()
	r := c.b[c.pos:]
	c.pos = len(c.b)
	return r
}

// Stat is the reply to STAT.
type Stat struct {
	Count int
	Size  int64
}

func parseStat(msg string) (Stat, error) {
	c := newCursor([]byte(msg))
	count, err := c.number("message count")
	if err != nil {
		return Stat{}, err
	}
	size, err := c.number("mailbox size")
	if err != nil {
		return Stat{}, err
	}
	return Stat{Count: int(count), Size: size}, nil
}

// ScanListing is one line of a LIST reply.
type ScanListing struct {
	Seq  int
	Size int64
}

func parseScanListing(line []byte) (ScanListing, error) {
	c := newCursor(line)
	seq, err := c.number("message number")
	if err != nil {
		return ScanListing{}, err
	}
	size, err := c.number("message size")
	if err != nil {
		return ScanListing{}, err
	}
	return ScanListing{Seq: int(seq), Size: size}, nil
}

// UIDListing is one line of a UIDL reply. The identifier is the rest of
// the line.
type UIDListing struct {
	Seq int
	UID string
}

func parseUIDListing(line []byte) (UIDListing, error) {
	c := newCursor(line)
	seq, err := c.number("message number")
	if err != nil {
		return UIDListing{}, err
	}
	uid := c.rest()
	if len(uid) == 0 {
		return UIDListing{}, &ProtocolError{Line: string(c.b), Reason: "missing unique id"}
	}
	return UIDListing{Seq: int(seq), UID: string(uid)}, nil
}

// Capabilities maps upper-case capability names to their arguments.
type Capabilities map[string][]string

// Has reports whether the capability name is advertised.
func (c Capabilities) Has(name string) bool {
	_, ok := c[strings.ToUpper(name)]
	return ok
}

// SASL reports whether the SASL capability lists mech.
func (c Capabilities) SASL(mech string) bool {
	for _, m := range c["SASL"] {
		if strings.EqualFold(m, mech) {
			return true
		}
	}
	return false
}

func parseCapability(line []byte) (string, []string) {
	fields := strings.Fields(string(trimEOL(line)))
	if len(fields) == 0 {
		return "", nil
	}
	return strings.ToUpper(fields[0]), fields[1:]
}

// apopTimestamp extracts the "<...@...>" banner timestamp used by APOP.
func apopTimestamp(greeting string) string {
	start := strings.IndexByte(greeting, '<')
	if start < 0 {
		return ""
	}
	end := strings.IndexByte(greeting[start:], '>')
	if end < 0 {
		return ""
	}
	ts := greeting[start : start+end+1]
	if !strings.Contains(ts, "@") {
		return ""
	}
	return ts
}
