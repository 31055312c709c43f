package pop3

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/emersion/go-sasl"

	"github.com/infodancer/pop3fetch/internal/logging"
	"github.com/infodancer/pop3fetch/internal/transport"
)

// TLSPolicy says whether and how the session is encrypted.
type TLSPolicy int

const (
	// TLSNone never upgrades the session.
	TLSNone TLSPolicy = iota

	// TLSOpportunistic upgrades with STLS when the server offers it.
	TLSOpportunistic

	// TLSRequired fails the login unless STLS succeeds.
	TLSRequired

	// TLSImplicit expects the connection to be TLS from the first byte.
	TLSImplicit
)

// String returns the configuration name of the policy.
func (p TLSPolicy) String() string {
	switch p {
	case TLSNone:
		return "none"
	case TLSOpportunistic:
		return "opportunistic"
	case TLSRequired:
		return "required"
	case TLSImplicit:
		return "implicit"
	default:
		return "unknown"
	}
}

// ParseTLSPolicy parses a policy name. The empty string is opportunistic.
func ParseTLSPolicy(s string) (TLSPolicy, error) {
	switch strings.ToLower(s) {
	case "", "opportunistic":
		return TLSOpportunistic, nil
	case "none":
		return TLSNone, nil
	case "required":
		return TLSRequired, nil
	case "implicit":
		return TLSImplicit, nil
	default:
		return TLSNone, fmt.Errorf("invalid tls policy %q", s)
	}
}

// Method restricts which login mechanism is used.
type Method string

const (
	MethodAny         Method = "any"
	MethodPassword    Method = "password"
	MethodPlain       Method = "plain"
	MethodAPOP        Method = "apop"
	MethodCRAMMD5     Method = "cram-md5"
	MethodExternal    Method = "external"
	MethodOAuthBearer Method = "oauthbearer"
)

// ParseMethod parses a method name. The empty string is MethodAny.
func ParseMethod(s string) (Method, error) {
	m := Method(strings.ToLower(s))
	switch m {
	case "":
		return MethodAny, nil
	case MethodAny, MethodPassword, MethodPlain, MethodAPOP, MethodCRAMMD5, MethodExternal, MethodOAuthBearer:
		return m, nil
	default:
		return MethodAny, fmt.Errorf("invalid auth method %q", s)
	}
}

// Credentials and policy for one login.
type Credentials struct {
	User     string
	Password string

	// Token is an OAuth 2.0 bearer token for OAUTHBEARER.
	Token string

	Method Method
	TLS    TLSPolicy

	// ClientCert is set when a TLS client certificate is configured, which
	// makes SASL EXTERNAL usable under MethodAny.
	ClientCert bool

	// PasswordOnly skips the challenge-response and token mechanisms. It
	// is set when reconnecting after a RepollError.
	PasswordOnly bool
}

type mechanism struct {
	name string
	run  func(ctx context.Context) (Response, error)
}

// Authenticate logs in. It probes capabilities, applies the TLS policy,
// then tries the permitted mechanisms in order of strength: EXTERNAL,
// OAUTHBEARER, CRAM-MD5, APOP, and finally a plain password.
func (c *Client) Authenticate(ctx context.Context, cred Credentials) error {
	if c.sess.State != StateAuthenticating || c.sess.AuthMethod != "" {
		return ErrInvalidState
	}
	logger := logging.FromContext(ctx)

	caps, err := c.Capabilities(ctx)
	if err != nil {
		return err
	}
	if err := c.negotiateTLS(ctx, cred, caps); err != nil {
		return err
	}

	mechs := c.mechanisms(cred, c.caps)
	if len(mechs) == 0 {
		return &AuthError{Mechanism: string(cred.Method), Err: ErrNoMechanism}
	}

	var last error
	for _, m := range mechs {
		r, err := m.run(ctx)
		if err != nil {
			var pe *ProtocolError
			var ioe *transport.IOError
			if errors.As(err, &pe) || errors.As(err, &ioe) {
				return err
			}
			return &AuthError{Mechanism: m.name, Err: err}
		}
		c.metrics.AuthAttempt(c.host, r.OK)
		if r.OK {
			c.sess.AuthMethod = m.name
			logger.Info("logged in", "host", c.host, "user", cred.User, "mechanism", m.name, "tls", c.conn.IsTLS())
			return nil
		}
		if isLockBusy(r) {
			return &AuthError{Mechanism: m.name, Message: r.Message, Err: ErrLockBusy}
		}
		logger.Debug("login mechanism rejected", "host", c.host, "mechanism", m.name, "status", r.Message)
		last = &AuthError{Mechanism: m.name, Message: r.Message, Err: ErrAuthFailed}
		if cred.Method != MethodAny {
			break
		}
	}
	return last
}

func (c *Client) negotiateTLS(ctx context.Context, cred Credentials, caps Capabilities) error {
	if c.conn.IsTLS() {
		return nil
	}
	logger := logging.FromContext(ctx)

	switch cred.TLS {
	case TLSNone:
		return nil
	case TLSImplicit:
		return &AuthError{Mechanism: "TLS", Err: ErrTLSUnavailable}
	case TLSOpportunistic:
		if !caps.Has("STLS") {
			logger.Debug("server does not offer STLS", "host", c.host)
			return nil
		}
	case TLSRequired:
		if !caps.Has("STLS") {
			return &AuthError{Mechanism: "STLS", Err: ErrTLSUnavailable}
		}
	}

	r, err := c.cmd(ctx, "STLS")
	if err != nil {
		return err
	}
	if !r.OK {
		if cred.TLS == TLSRequired {
			return &AuthError{Mechanism: "STLS", Message: r.Message, Err: ErrTLSUnavailable}
		}
		logger.Info("STLS refused, continuing without TLS", "host", c.host, "status", r.Message)
		return nil
	}

	if err := c.conn.UpgradeToTLS(ctx, c.tlsOpts); err != nil {
		if cred.TLS == TLSOpportunistic {
			return &RepollError{DisableTLS: true, PasswordOnly: true, Err: err}
		}
		return err
	}
	c.metrics.TLSConnectionEstablished()
	logger.Debug("session upgraded to TLS", "host", c.host)

	c.capaProbed = false
	_, err = c.Capabilities(ctx)
	return err
}

// mechanisms lists the login attempts permitted by cred and offered by
// the server, strongest first.
func (c *Client) mechanisms(cred Credentials, caps Capabilities) []mechanism {
	allow := func(m Method) bool { return cred.Method == MethodAny || cred.Method == m }
	var out []mechanism

	if !cred.PasswordOnly {
		if allow(MethodExternal) && caps.SASL(sasl.External) && c.conn.IsTLS() &&
			(cred.ClientCert || cred.Method == MethodExternal) {
			out = append(out, c.saslMechanism(sasl.External, sasl.NewExternalClient("")))
		}
		if allow(MethodOAuthBearer) && cred.Token != "" && caps.SASL(sasl.OAuthBearer) {
			client := sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{Username: cred.User, Token: cred.Token})
			out = append(out, c.saslMechanism(sasl.OAuthBearer, client))
		}
		if allow(MethodCRAMMD5) && cred.Password != "" && caps.SASL(CRAMMD5) {
			out = append(out, c.saslMechanism(CRAMMD5, NewCRAMMD5Client(cred.User, cred.Password)))
		}
		if allow(MethodAPOP) && cred.Password != "" && c.timestamp != "" {
			out = append(out, mechanism{name: "APOP", run: func(ctx context.Context) (Response, error) {
				return c.apop(ctx, cred)
			}})
		}
	}

	if cred.Password == "" {
		return out
	}
	userAllowed := !c.capaSupported || caps.Has("USER")
	plainOffered := !c.capaSupported || caps.SASL(sasl.Plain)
	if cred.Method == MethodPlain || (cred.Method == MethodAny && !userAllowed && plainOffered) {
		if plainOffered {
			out = append(out, c.saslMechanism(sasl.Plain, sasl.NewPlainClient("", cred.User, cred.Password)))
		}
	}
	if cred.Method == MethodAny || cred.Method == MethodPassword {
		out = append(out, mechanism{name: "USER", run: func(ctx context.Context) (Response, error) {
			return c.userPass(ctx, cred)
		}})
	}
	return out
}

func (c *Client) saslMechanism(name string, client sasl.Client) mechanism {
	return mechanism{name: name, run: func(ctx context.Context) (Response, error) {
		return c.saslAuth(ctx, client)
	}}
}

func (c *Client) userPass(ctx context.Context, cred Credentials) (Response, error) {
	r, err := c.cmd(ctx, "USER "+cred.User)
	if err != nil || !r.OK {
		return r, err
	}
	if err := c.send(ctx, "PASS "+cred.Password, true); err != nil {
		return Response{}, err
	}
	return c.readResponse(ctx, "PASS")
}

func (c *Client) apop(ctx context.Context, cred Credentials) (Response, error) {
	line := "APOP " + cred.User + " " + apopDigest(c.timestamp, cred.Password)
	if err := c.send(ctx, line, true); err != nil {
		return Response{}, err
	}
	return c.readResponse(ctx, "APOP")
}
