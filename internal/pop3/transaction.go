package pop3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/infodancer/pop3fetch/internal/logging"
	"github.com/infodancer/pop3fetch/internal/uidstore"
)

// topAll is the line count passed to TOP to read a whole message without
// marking it seen.
const topAll = 2147483647

// RangeOptions steers how new messages are determined.
type RangeOptions struct {
	// FetchAll retrieves every message, old or new, with RETR.
	FetchAll bool

	// Flush deletes old messages, which requires knowing every identifier.
	Flush bool

	// FastUIDL enables the binary search for the first new message.
	FastUIDL bool

	// FastUIDLMin is the mailbox size at or below which the full UIDL
	// listing is used even when FastUIDL is set.
	FastUIDLMin int
}

// DetermineRange queries the mailbox size and decides which messages are
// new, using UIDL when available, LAST otherwise. It also fixes, for the
// whole poll, whether messages are read with TOP or RETR.
func (c *Client) DetermineRange(ctx context.Context, opts RangeOptions) (Range, error) {
	if c.sess.State != StateAuthenticating || c.sess.AuthMethod == "" {
		return Range{}, ErrInvalidState
	}
	logger := logging.FromContext(ctx)

	r, err := c.cmd(ctx, "STAT")
	if err != nil {
		return Range{}, err
	}
	if !r.OK {
		return Range{}, &ProtocolError{Command: "STAT", Line: r.String(), Reason: "STAT refused"}
	}
	st, err := parseStat(r.Message)
	if err != nil {
		var pe *ProtocolError
		if errors.As(err, &pe) {
			pe.Command = "STAT"
		}
		return Range{}, err
	}
	c.sess.Count = st.Count
	c.sess.Size = st.Size

	mode, err := c.classify(ctx, st.Count, opts)
	if err != nil {
		return Range{}, err
	}
	c.sess.Mode = mode
	c.sess.Watermark = c.mailbox.Watermark()
	c.sess.Peek = !opts.FetchAll && c.capaSupported && c.caps.Has("TOP")

	rng := Range{Count: st.Count, Size: st.Size, Mode: mode, FirstNew: st.Count + 1}
	for seq := 1; seq <= st.Count; seq++ {
		if opts.FetchAll || !c.mailbox.IsOld(seq) {
			if rng.New == 0 {
				rng.FirstNew = seq
			}
			rng.New++
		}
	}
	c.sess.FirstNew = rng.FirstNew
	c.sess.State = StateRangeDetermined

	logger.Info("mailbox scanned", "host", c.host, "messages", st.Count, "octets", st.Size,
		"new", rng.New, "mode", mode.String(), "peek", c.sess.Peek)
	return rng, nil
}

// classify starts the mailbox poll in the right mode and gathers what that
// mode needs from the server.
func (c *Client) classify(ctx context.Context, count int, opts RangeOptions) (uidstore.Mode, error) {
	if count == 0 {
		c.mailbox.BeginPoll(uidstore.ModeNone)
		return uidstore.ModeNone, nil
	}

	uidl := c.caps.Has("UIDL") || !c.capaSupported
	linear := opts.FetchAll || opts.Flush || !opts.FastUIDL || count <= opts.FastUIDLMin
	if uidl && !linear && !c.capaSupported {
		var err error
		if uidl, err = c.checkUIDL(ctx); err != nil {
			return 0, err
		}
	}

	if uidl {
		if !linear {
			c.mailbox.BeginPoll(uidstore.ModeFast)
			first, err := c.mailbox.FastUnseenSearch(count, func(seq int) (string, error) {
				return c.UIDAt(ctx, seq)
			})
			if err != nil {
				return 0, err
			}
			logging.FromContext(ctx).Debug("fast uidl search", "host", c.host, "first_new", first)
			return uidstore.ModeFast, nil
		}

		ok, err := c.listUIDs(ctx)
		if err != nil {
			return 0, err
		}
		if ok {
			return uidstore.ModeLinear, nil
		}
	}

	r, err := c.cmd(ctx, "LAST")
	if err != nil {
		return 0, err
	}
	if r.OK {
		n, perr := newCursor([]byte(r.Message)).number("last message")
		if perr == nil {
			c.mailbox.BeginPoll(uidstore.ModeWatermark)
			c.mailbox.SetWatermark(min(int(n), count))
			return uidstore.ModeWatermark, nil
		}
		logging.FromContext(ctx).Warn("malformed LAST reply", "host", c.host, "status", r.Message)
	}
	c.mailbox.BeginPoll(uidstore.ModeNone)
	return uidstore.ModeNone, nil
}

// checkUIDL asks for the first identifier to learn whether a server that
// does not answer CAPA supports UIDL.
func (c *Client) checkUIDL(ctx context.Context) (bool, error) {
	r, err := c.cmd(ctx, "UIDL 1")
	if err != nil {
		return false, err
	}
	if !r.OK {
		logging.FromContext(ctx).Debug("UIDL not supported", "host", c.host, "status", r.Message)
	}
	return r.OK, nil
}

// listUIDs fetches the full UIDL listing. It reports false when the server
// refuses UIDL.
func (c *Client) listUIDs(ctx context.Context) (bool, error) {
	r, err := c.cmd(ctx, "UIDL")
	if err != nil {
		return false, err
	}
	if !r.OK {
		if c.capaSupported {
			return false, &ProtocolError{Command: "UIDL", Line: r.String(), Reason: "advertised UIDL refused"}
		}
		return false, nil
	}

	logger := logging.FromContext(ctx)
	c.mailbox.BeginPoll(uidstore.ModeLinear)
	err = c.readMultiline(ctx, "UIDL", func(line []byte) error {
		u, err := parseUIDListing(line)
		if err != nil {
			logger.Warn("skipping malformed UIDL line", "host", c.host, "error", err)
			return nil
		}
		if u.Seq < 1 || u.Seq > c.sess.Count {
			logger.Warn("skipping UIDL line out of range", "host", c.host, "msg_num", u.Seq)
			return nil
		}
		_, err = c.mailbox.ObserveUID(u.Seq, u.UID)
		return err
	})
	return true, err
}

// UIDAt returns the unique identifier of message seq using "UIDL seq".
func (c *Client) UIDAt(ctx context.Context, seq int) (string, error) {
	cmd := "UIDL " + strconv.Itoa(seq)
	r, err := c.cmd(ctx, cmd)
	if err != nil {
		return "", err
	}
	if !r.OK {
		return "", &ProtocolError{Command: "UIDL", Line: r.String(), Reason: "UIDL refused"}
	}
	u, err := parseUIDListing([]byte(r.Message))
	if err != nil {
		return "", err
	}
	if u.Seq != seq {
		return "", &ProtocolError{Command: "UIDL", Line: r.String(), Reason: fmt.Sprintf("answer for message %d", u.Seq)}
	}
	return u.UID, nil
}

// uid returns the identifier of message seq, asking the server in fast
// mode when the search did not probe it. It is empty when the server has
// no identifiers.
func (c *Client) uid(ctx context.Context, seq int) (string, error) {
	if id, ok := c.mailbox.UID(seq); ok {
		return id, nil
	}
	if c.sess.Mode != uidstore.ModeFast {
		return "", nil
	}
	id, err := c.UIDAt(ctx, seq)
	if err != nil {
		return "", err
	}
	if _, err := c.mailbox.ObserveUID(seq, id); err != nil {
		return "", err
	}
	return id, nil
}

// IsNew reports whether message seq should be retrieved in this poll.
func (c *Client) IsNew(ctx context.Context, seq int, fetchAll bool) (bool, error) {
	if fetchAll {
		return true, nil
	}
	if seq < c.sess.FirstNew {
		return false, nil
	}
	if c.sess.Mode == uidstore.ModeFast {
		if _, err := c.uid(ctx, seq); err != nil {
			return false, err
		}
	}
	return !c.mailbox.IsOld(seq), nil
}

// Sizes returns the size of every message from LIST. Malformed lines are
// logged and skipped.
func (c *Client) Sizes(ctx context.Context) (map[int]int64, error) {
	if c.sess.State != StateRangeDetermined && c.sess.State != StateTransacting {
		return nil, ErrInvalidState
	}
	sizes := make(map[int]int64, c.sess.Count)
	if c.sess.Count == 0 {
		c.sess.State = StateTransacting
		return sizes, nil
	}

	r, err := c.cmd(ctx, "LIST")
	if err != nil {
		return nil, err
	}
	if !r.OK {
		return nil, &ProtocolError{Command: "LIST", Line: r.String(), Reason: "LIST refused"}
	}
	logger := logging.FromContext(ctx)
	err = c.readMultiline(ctx, "LIST", func(line []byte) error {
		s, err := parseScanListing(line)
		if err != nil {
			logger.Warn("skipping malformed LIST line", "host", c.host, "error", err)
			return nil
		}
		sizes[s.Seq] = s.Size
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.sess.State = StateTransacting
	return sizes, nil
}

// Fetch retrieves message seq into w with dot-unstuffing and returns the
// number of bytes written. A refusal of this one message is a
// *MessageError.
func (c *Client) Fetch(ctx context.Context, seq int, w io.Writer) (int64, error) {
	if err := c.transacting(); err != nil {
		return 0, err
	}
	if seq < 1 || seq > c.sess.Count {
		return 0, &MessageError{Seq: seq, Command: "RETR", Message: "no such message"}
	}

	name := "RETR"
	line := "RETR " + strconv.Itoa(seq)
	if c.sess.Peek {
		name = "TOP"
		line = fmt.Sprintf("TOP %d %d", seq, topAll)
	}
	r, err := c.cmd(ctx, line)
	if err != nil {
		return 0, err
	}
	if !r.OK {
		return 0, &MessageError{Seq: seq, Command: name, Message: r.Message}
	}
	c.sess.Cursor = seq

	n, err := c.readBody(ctx, w)
	if err != nil {
		return n, err
	}
	c.metrics.MessageFetched(c.host, n)
	return n, nil
}

// MarkSeen records message seq as retrieved. POP3 has no seen flag on the
// wire, so only the identifier state changes.
func (c *Client) MarkSeen(ctx context.Context, seq int) error {
	if err := c.transacting(); err != nil {
		return err
	}
	id, err := c.uid(ctx, seq)
	if err != nil {
		return err
	}
	return c.mailbox.RecordSeen(id, seq)
}

// Delete marks message seq for deletion. The deletion only becomes final
// once Logout succeeds.
func (c *Client) Delete(ctx context.Context, seq int) error {
	if err := c.transacting(); err != nil {
		return err
	}
	id, err := c.uid(ctx, seq)
	if err != nil {
		return err
	}
	r, err := c.cmd(ctx, "DELE "+strconv.Itoa(seq))
	if err != nil {
		return err
	}
	if !r.OK {
		return &MessageError{Seq: seq, Command: "DELE", Message: r.Message}
	}
	c.metrics.MessageDeleted(c.host)
	return c.mailbox.RecordDeleted(id, seq)
}

// Logout ends the session with QUIT. Only an acknowledged QUIT confirms
// pending deletions. Deletions are never rolled back with RSET.
func (c *Client) Logout(ctx context.Context) error {
	switch c.sess.State {
	case StateAuthenticating, StateRangeDetermined, StateTransacting:
	default:
		return ErrInvalidState
	}
	c.sess.State = StateLoggingOut

	r, err := c.cmd(ctx, "QUIT")
	if err != nil {
		return err
	}
	if !r.OK {
		return &ProtocolError{Command: "QUIT", Line: r.String(), Reason: "QUIT refused, deletions not confirmed"}
	}
	if c.mailbox.Polling() {
		if err := c.mailbox.RecordExpungeConfirmedAll(); err != nil {
			return err
		}
	}
	c.sess.State = StateClosed
	if err := c.conn.Close(); err != nil {
		logging.FromContext(ctx).Debug("close after QUIT", "host", c.host, "error", err)
	}
	return nil
}

func (c *Client) transacting() error {
	if c.sess.State != StateTransacting {
		return ErrInvalidState
	}
	return nil
}
