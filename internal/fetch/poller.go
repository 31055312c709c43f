// Package fetch runs mailbox polls: it connects, logs in, retrieves new
// messages into a delivery sink and keeps the identifier file current.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/infodancer/pop3fetch/internal/logging"
	"github.com/infodancer/pop3fetch/internal/metrics"
	"github.com/infodancer/pop3fetch/internal/pop3"
	"github.com/infodancer/pop3fetch/internal/transport"
	"github.com/infodancer/pop3fetch/internal/uidstore"
)

// Mailbox describes one remote mailbox to poll.
type Mailbox struct {
	Host    string
	Service string
	Plugin  string

	User     string
	Password string
	Token    string
	Method   pop3.Method

	TLS        pop3.TLSPolicy
	TLSOptions transport.TLSOptions

	// Keep leaves retrieved messages on the server.
	Keep bool

	// FetchAll retrieves old messages too.
	FetchAll bool

	// Flush deletes old messages.
	Flush bool

	FastUIDL    bool
	FastUIDLMin int

	// Limit skips messages larger than this many octets. Zero is no limit.
	Limit int64

	// FetchLimit caps the messages retrieved per poll. Zero is no cap.
	FetchLimit int

	ConnectTimeout time.Duration
	Timeout        time.Duration
}

// Key returns the identifier file key of the mailbox.
func (m Mailbox) Key() uidstore.Key {
	return uidstore.Key{User: m.User, Host: m.Host}
}

func (m Mailbox) service() string {
	if m.Service != "" {
		return m.Service
	}
	if m.TLS == pop3.TLSImplicit {
		return "pop3s"
	}
	return "pop3"
}

func (m Mailbox) credentials() pop3.Credentials {
	return pop3.Credentials{
		User:       m.User,
		Password:   m.Password,
		Token:      m.Token,
		Method:     m.Method,
		TLS:        m.TLS,
		ClientCert: m.TLSOptions.CertFile != "",
	}
}

// Stats counts what happened during one poll.
type Stats struct {
	Messages  int
	New       int
	Retrieved int
	Deleted   int
	Skipped   int
	Deferred  int
}

// Outcome is the result of polling one mailbox.
type Outcome struct {
	Mailbox uidstore.Key
	Stats   Stats
	Err     error
	Result  Result
}

// Poller polls mailboxes into a sink. One Poller may poll several
// mailboxes concurrently as long as each mailbox is polled by one
// goroutine at a time.
type Poller struct {
	store   *uidstore.Store
	sink    Sink
	metrics metrics.Collector
	idFile  string
}

// PollerOptions configures a Poller.
type PollerOptions struct {
	// IDFile is where identifier state is saved after each cycle. Empty
	// keeps state in memory only.
	IDFile  string
	Metrics metrics.Collector
}

// NewPoller returns a poller keeping identifier state in store.
func NewPoller(store *uidstore.Store, sink Sink, opts PollerOptions) *Poller {
	m := opts.Metrics
	if m == nil {
		m = &metrics.NoopCollector{}
	}
	return &Poller{store: store, sink: sink, metrics: m, idFile: opts.IDFile}
}

// Cycle polls every mailbox, at most parallel at a time, then saves the
// identifier file. It returns the per-mailbox outcomes in input order.
// Each user@host may appear only once.
func (p *Poller) Cycle(ctx context.Context, mailboxes []Mailbox, parallel int) ([]Outcome, error) {
	seen := make(map[uidstore.Key]bool, len(mailboxes))
	for _, mb := range mailboxes {
		if seen[mb.Key()] {
			return nil, &ConfigError{Mailbox: mb.Key().String(), Err: ErrDuplicateMailbox}
		}
		seen[mb.Key()] = true
	}

	outcomes := make([]Outcome, len(mailboxes))

	var g errgroup.Group
	g.SetLimit(max(parallel, 1))
	for i, mb := range mailboxes {
		g.Go(func() error {
			stats, err := p.Poll(ctx, mb)
			outcomes[i] = Outcome{Mailbox: mb.Key(), Stats: stats, Err: err, Result: result(stats, err)}
			return nil
		})
	}
	_ = g.Wait()

	return outcomes, p.Save()
}

// Save writes the identifier file.
func (p *Poller) Save() error {
	if p.idFile == "" {
		return nil
	}
	if err := uidstore.SaveFile(p.idFile, p.store); err != nil {
		return &StateError{Path: p.idFile, Err: err}
	}
	return nil
}

func result(stats Stats, err error) Result {
	if err != nil {
		return Classify(err)
	}
	if stats.Retrieved == 0 {
		return NoMail
	}
	return Success
}

// Poll runs one poll of mb. When an opportunistic STLS breaks the session
// it reconnects once without TLS, restricted to password login.
func (p *Poller) Poll(ctx context.Context, mb Mailbox) (Stats, error) {
	logger := logging.FromContext(ctx).With("poll_id", uuid.NewString(), "user", mb.User)
	ctx = logging.NewContext(ctx, logger)

	cred := mb.credentials()
	stats, err := p.pollOnce(ctx, mb, cred)

	var repoll *pop3.RepollError
	if errors.As(err, &repoll) {
		logger.Warn("TLS negotiation failed, reconnecting", "host", mb.Host, "error", repoll.Err)
		if repoll.DisableTLS {
			mb.TLS = pop3.TLSNone
			cred.TLS = pop3.TLSNone
		}
		cred.PasswordOnly = repoll.PasswordOnly
		stats, err = p.pollOnce(ctx, mb, cred)
	}

	res := result(stats, err)
	p.metrics.PollCompleted(mb.Host, res.String())
	if err != nil {
		logger.Error("poll failed", "host", mb.Host, "result", res.String(), "error", err)
	} else {
		logger.Info("poll complete", "host", mb.Host, "messages", stats.Messages,
			"retrieved", stats.Retrieved, "deleted", stats.Deleted, "skipped", stats.Skipped)
	}
	return stats, err
}

func (p *Poller) pollOnce(ctx context.Context, mb Mailbox, cred pop3.Credentials) (Stats, error) {
	var stats Stats

	ch, err := transport.Open(ctx, mb.Host, mb.service(), transport.Options{
		Plugin:         mb.Plugin,
		ConnectTimeout: mb.ConnectTimeout,
		Timeout:        mb.Timeout,
	})
	if err != nil {
		return stats, err
	}
	p.metrics.ConnectionOpened()
	defer p.metrics.ConnectionClosed()

	if mb.TLS == pop3.TLSImplicit {
		if err := ch.UpgradeToTLS(ctx, mb.TLSOptions); err != nil {
			ch.Abort()
			return stats, err
		}
		p.metrics.TLSConnectionEstablished()
	}

	mailbox := p.store.Mailbox(mb.User, mb.Host)
	client := pop3.NewClient(ch, mailbox, pop3.Options{
		Host:    mb.Host,
		TLS:     mb.TLSOptions,
		Metrics: p.metrics,
	})

	run := &pollRun{}
	if err := p.session(ctx, client, mb, cred, run); err != nil {
		client.Abort()
		return run.stats, err
	}
	mailbox.EndPoll()
	return run.stats, run.deliveryErr
}

// pollRun is the state of one session.
type pollRun struct {
	stats Stats

	// deliveryErr stops retrieval but still ends the session cleanly, so
	// messages delivered before it are committed.
	deliveryErr error
}

// session runs the protocol from greeting to logout. An error means the
// session must be aborted.
func (p *Poller) session(ctx context.Context, c *pop3.Client, mb Mailbox, cred pop3.Credentials, run *pollRun) error {
	logger := logging.FromContext(ctx)
	stats := &run.stats

	if _, err := c.Greeting(ctx); err != nil {
		return err
	}
	if err := c.Authenticate(ctx, cred); err != nil {
		return err
	}
	rng, err := c.DetermineRange(ctx, pop3.RangeOptions{
		FetchAll:    mb.FetchAll,
		Flush:       mb.Flush,
		FastUIDL:    mb.FastUIDL,
		FastUIDLMin: mb.FastUIDLMin,
	})
	if err != nil {
		return err
	}
	stats.Messages = rng.Count
	stats.New = rng.New
	if rng.Count == 0 || (rng.New == 0 && !(mb.Flush && !mb.Keep)) {
		return c.Logout(ctx)
	}

	sizes, err := c.Sizes(ctx)
	if err != nil {
		return err
	}

	for seq := 1; seq <= rng.Count && run.deliveryErr == nil; seq++ {
		isNew, err := c.IsNew(ctx, seq, mb.FetchAll)
		if err != nil {
			return err
		}
		if !isNew {
			if mb.Flush && !mb.Keep {
				if err := p.remove(ctx, c, seq, stats); err != nil {
					return err
				}
			}
			continue
		}
		if mb.FetchLimit > 0 && stats.Retrieved >= mb.FetchLimit {
			stats.Deferred++
			continue
		}
		if size, ok := sizes[seq]; ok && mb.Limit > 0 && size > mb.Limit {
			logger.Info("skipping oversized message", "host", mb.Host, "msg_num", seq, "octets", size, "limit", mb.Limit)
			stats.Skipped++
			continue
		}

		err = p.retrieve(ctx, c, mb, seq, stats)
		var me *pop3.MessageError
		switch {
		case err == nil:
		case errors.As(err, &me):
			logger.Warn("skipping message", "host", mb.Host, "msg_num", seq, "error", err)
			stats.Skipped++
		case errors.As(err, new(*DeliveryError)):
			run.deliveryErr = err
		default:
			return err
		}
	}
	if stats.Deferred > 0 {
		logger.Info("fetch limit reached", "host", mb.Host, "deferred", stats.Deferred)
	}

	return c.Logout(ctx)
}

// retrieve fetches message seq and delivers it. Only a delivered message
// is marked seen and, unless kept, deleted.
func (p *Poller) retrieve(ctx context.Context, c *pop3.Client, mb Mailbox, seq int, stats *Stats) error {
	logger := logging.FromContext(ctx)

	var buf bytes.Buffer
	n, err := c.Fetch(ctx, seq, &buf)
	if err != nil {
		return err
	}
	uid, _ := c.Mailbox().UID(seq)
	summary := summarize(buf.Bytes())

	msg := Message{
		Mailbox: mb.Key().String(),
		Seq:     seq,
		UID:     uid,
		Body:    buf.Bytes(),
		Summary: summary,
	}
	if err := p.sink.Deliver(ctx, msg); err != nil {
		return &DeliveryError{Seq: seq, Err: err}
	}
	if err := c.MarkSeen(ctx, seq); err != nil {
		return err
	}
	stats.Retrieved++
	logger.Info("message retrieved", "host", mb.Host, "msg_num", seq, "uid", uid, "octets", n,
		"subject", summary.Subject, "message_id", summary.MessageID)

	if mb.Keep {
		return nil
	}
	return p.remove(ctx, c, seq, stats)
}

func (p *Poller) remove(ctx context.Context, c *pop3.Client, seq int, stats *Stats) error {
	err := c.Delete(ctx, seq)
	var me *pop3.MessageError
	if errors.As(err, &me) {
		logging.FromContext(ctx).Warn("delete refused", "msg_num", seq, "error", err)
		return nil
	}
	if err == nil {
		stats.Deleted++
	}
	return err
}
