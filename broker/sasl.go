package broker

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
)

func (s *Service) mechanismAllowed(mechanism string) bool {
	for _, m := range s.conf.SASLAllowedMechanisms {
		if m == mechanism {
			return true
		}
	}
	return false
}

func (c *conn) handleSASLHandshake(req *kmsg.SASLHandshakeRequest) kmsg.Response {
	resp := req.ResponseKind().(*kmsg.SASLHandshakeResponse)
	resp.SupportedMechanisms = append([]string(nil), c.svc.conf.SASLAllowedMechanisms...)
	if !c.svc.conf.AuthenticationEnabled {
		resp.ErrorCode = kerr.IllegalSaslState.Code
		return resp
	}
	if !c.svc.mechanismAllowed(req.Mechanism) {
		resp.ErrorCode = kerr.UnsupportedSaslMechanism.Code
		return resp
	}
	c.saslMechanism = req.Mechanism
	// v0 handshakes are followed by raw, unframed SASL tokens.
	c.saslRaw = req.Version == 0
	return resp
}

func (c *conn) handleSASLAuthenticate(req *kmsg.SASLAuthenticateRequest) kmsg.Response {
	resp := req.ResponseKind().(*kmsg.SASLAuthenticateResponse)
	if c.saslMechanism == "" || c.authenticated {
		resp.ErrorCode = kerr.IllegalSaslState.Code
		msg := "SASL authenticate received without a handshake"
		resp.ErrorMessage = &msg
		c.closeAfter = true
		return resp
	}
	user, err := c.svc.authenticatePlain(req.SASLAuthBytes)
	if err != nil {
		c.logger.Infof("Authentication failed: %s", err)
		resp.ErrorCode = kerr.SaslAuthenticationFailed.Code
		msg := err.Error()
		resp.ErrorMessage = &msg
		c.closeAfter = true
		return resp
	}
	c.authenticated = true
	c.principal = user
	c.logger.WithField("Principal", user).Debug("Authenticated")
	return resp
}

// handleRawSASL consumes the single raw PLAIN token that follows a v0 handshake. An empty frame
// acknowledges success; on failure the connection is closed.
func (c *conn) handleRawSASL(token []byte) error {
	c.saslRaw = false
	user, err := c.svc.authenticatePlain(token)
	if err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}
	c.authenticated = true
	c.principal = user
	var empty [4]byte
	binary.BigEndian.PutUint32(empty[:], 0)
	_, err = c.nc.Write(empty[:])
	return err
}

var errBadCredentials = errors.New("invalid username or password")

// authenticatePlain checks a PLAIN token of the form authzid NUL authcid NUL password.
func (s *Service) authenticatePlain(token []byte) (string, error) {
	parts := bytes.Split(token, []byte{0})
	if len(parts) != 3 {
		return "", errors.New("malformed PLAIN token")
	}
	user, password := string(parts[1]), string(parts[2])
	if authz := string(parts[0]); authz != "" && authz != user {
		return "", fmt.Errorf("user %q may not act as %q", user, authz)
	}
	expected, ok := s.conf.SuperUserCredentials[user]
	if !ok || expected != password {
		return "", errBadCredentials
	}
	return user, nil
}
