package session

import (
	"fmt"
	"strings"

	"github.com/codefionn/robust/internal/protocol"
	"github.com/codefionn/robust/internal/securemem"
)

// Authenticator produces the command that logs a session in. A nil command
// means there is nothing to send and the session waits for the server.
type Authenticator interface {
	AuthCommand() (protocol.Command, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func() (protocol.Command, error)

func (f AuthenticatorFunc) AuthCommand() (protocol.Command, error) {
	return f()
}

// ModeTwitter is the only login mode the chat server offers.
const ModeTwitter = "twitter"

// TwitterAuthenticator logs in with a stored OAuth key and secret. Without
// them it asks the server for a login challenge instead.
type TwitterAuthenticator struct {
	creds *securemem.Credentials
}

func NewTwitterAuthenticator(key, secret string) *TwitterAuthenticator {
	return &TwitterAuthenticator{creds: securemem.NewCredentials(key, secret)}
}

func (a *TwitterAuthenticator) AuthCommand() (protocol.Command, error) {
	if !a.creds.Complete() {
		return protocol.AuthCommand{Mode: ModeTwitter}, nil
	}
	return protocol.AuthCommand{
		Mode: ModeTwitter,
		Challenge: &protocol.Challenge{
			Key:    a.creds.Key.String(),
			Secret: a.creds.Secret.String(),
		},
	}, nil
}

// Destroy wipes the stored credentials.
func (a *TwitterAuthenticator) Destroy() {
	a.creds.Destroy()
}

// NewAuthenticator builds the authenticator for a configured mode.
func NewAuthenticator(mode, key, secret string) (Authenticator, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case ModeTwitter, "":
		return NewTwitterAuthenticator(key, secret), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", mode)
	}
}
