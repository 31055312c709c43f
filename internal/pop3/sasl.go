package pop3

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/emersion/go-sasl"
)

// CRAMMD5 is the SASL CRAM-MD5 mechanism name (RFC 2195).
const CRAMMD5 = "CRAM-MD5"

// cramMD5Client implements sasl.Client for CRAM-MD5, which go-sasl does
// not ship.
type cramMD5Client struct {
	username string
	secret   string
}

// NewCRAMMD5Client returns a CRAM-MD5 client for username and secret.
func NewCRAMMD5Client(username, secret string) sasl.Client {
	return &cramMD5Client{username: username, secret: secret}
}

func (c *cramMD5Client) Start() (string, []byte, error) {
	return CRAMMD5, nil, nil
}

func (c *cramMD5Client) Next(challenge []byte) ([]byte, error) {
	if len(challenge) == 0 {
		return nil, errors.New("cram-md5: empty challenge")
	}
	mac := hmac.New(md5.New, []byte(c.secret))
	mac.Write(challenge)
	return []byte(c.username + " " + hex.EncodeToString(mac.Sum(nil))), nil
}

// apopDigest computes the APOP digest of timestamp and secret (RFC 1939).
func apopDigest(timestamp, secret string) string {
	sum := md5.Sum([]byte(timestamp + secret))
	return hex.EncodeToString(sum[:])
}

// encodeSASL encodes a client response. An empty response is "=" as an
// initial response (RFC 4954) and an empty line otherwise.
func encodeSASL(b []byte, initial bool) string {
	if len(b) == 0 {
		if initial {
			return "="
		}
		return ""
	}
	return base64.StdEncoding.EncodeToString(b)
}

// saslAuth runs an AUTH exchange (RFC 5034) and returns the final status.
func (c *Client) saslAuth(ctx context.Context, client sasl.Client) (Response, error) {
	mech, ir, err := client.Start()
	if err != nil {
		return Response{}, err
	}

	line := "AUTH " + mech
	if ir != nil {
		line += " " + encodeSASL(ir, true)
	}
	if err := c.send(ctx, line, ir != nil); err != nil {
		return Response{}, err
	}

	for {
		raw, err := c.readLine(ctx, "AUTH")
		if err != nil {
			return Response{}, err
		}
		text := string(trimEOL(raw))
		if text != "+" && !strings.HasPrefix(text, "+ ") {
			r, err := ParseResponse(raw)
			if err != nil {
				return Response{}, err
			}
			c.sess.LastStatus = r.String()
			return r, nil
		}

		challenge, err := base64.StdEncoding.DecodeString(strings.TrimSpace(strings.TrimPrefix(text, "+")))
		if err != nil {
			return c.cancelSASL(ctx, &ProtocolError{Command: "AUTH", Line: text, Reason: "invalid base64 challenge"})
		}
		resp, err := client.Next(challenge)
		if err != nil {
			return c.cancelSASL(ctx, err)
		}
		if err := c.sendContinuation(ctx, encodeSASL(resp, false)); err != nil {
			return Response{}, err
		}
	}
}

// cancelSASL aborts an exchange with "*" and waits for the server's
// negative reply so the session stays in sync.
func (c *Client) cancelSASL(ctx context.Context, cause error) (Response, error) {
	if err := c.sendContinuation(ctx, "*"); err != nil {
		return Response{}, err
	}
	if _, err := c.readResponse(ctx, "AUTH"); err != nil {
		return Response{}, err
	}
	return Response{}, cause
}
