// Package protocol defines the commands exchanged with the chat server and
// the newline-delimited JSON codec that carries them.
package protocol

import (
	"sort"
	"strings"
)

// Type is the wire discriminator carried in the "type" field of every record.
type Type string

const (
	TypeAuth    Type = "auth"
	TypeMessage Type = "message"
	TypeBacklog Type = "backlog"
	TypeJoin    Type = "join"
	TypePart    Type = "part"
	TypeUser    Type = "user"
	TypeError   Type = "error"
	TypePing    Type = "ping"
	TypePong    Type = "pong"
)

// Command is one of the nine protocol variants. The set is closed: only the
// types in this package implement it.
type Command interface {
	Type() Type
	command()
}

// Challenge is returned by the server when credentials are missing or
// rejected. URL points at an interactive login page.
type Challenge struct {
	URL    string `json:"url,omitempty"`
	Key    string `json:"key,omitempty"`
	Secret string `json:"secret,omitempty"`
}

// AuthData carries credentials the client should persist for later logins.
type AuthData struct {
	Key    string `json:"key"`
	Secret string `json:"secret"`
}

// AuthCommand is sent with credentials and answered with the outcome, a
// login challenge or fresh credentials.
type AuthCommand struct {
	Mode      string     `json:"mode"`
	Success   *bool      `json:"success,omitempty"`
	Challenge *Challenge `json:"challenge,omitempty"`
	Data      *AuthData  `json:"data,omitempty"`
	User      *User      `json:"user,omitempty"`
}

// Succeeded reports whether the server accepted the credentials.
func (c AuthCommand) Succeeded() bool {
	return c.Success != nil && *c.Success
}

// Sender identifies the author of a message.
type Sender struct {
	ID     string `json:"id"`
	Handle string `json:"handle"`
	Name   string `json:"name"`
}

// MessageCommand is a single chat message. Timestamp is epoch milliseconds.
type MessageCommand struct {
	Subtype   string `json:"subtype,omitempty"`
	ID        string `json:"id"`
	Body      string `json:"body"`
	Target    string `json:"target"`
	Timestamp int64  `json:"ts"`
	From      Sender `json:"from"`
}

// Mentions reports whether the body contains handle.
func (c MessageCommand) Mentions(handle string) bool {
	return handle != "" && strings.Contains(c.Body, handle)
}

// BacklogCommand is both the request for and the response with historical
// messages of a target.
type BacklogCommand struct {
	Target   string           `json:"target,omitempty"`
	FromDate *int64           `json:"from_date,omitempty"`
	ToDate   *int64           `json:"to_date,omitempty"`
	Count    *int             `json:"count,omitempty"`
	Messages []MessageCommand `json:"messages"`
}

// Ranged reports whether at least one time bound is set.
func (c BacklogCommand) Ranged() bool {
	return c.FromDate != nil || c.ToDate != nil
}

// JoinCommand enters a channel.
type JoinCommand struct {
	Target string `json:"target"`
}

// PartCommand leaves a channel.
type PartCommand struct {
	Target string `json:"target"`
}

// UserCommand requests a user profile by id; the response carries User.
type UserCommand struct {
	ID   string `json:"id"`
	User *User  `json:"user,omitempty"`
}

// ErrorCommand reports a server-side failure.
type ErrorCommand struct {
	Subtype string `json:"subtype,omitempty"`
	Message string `json:"message"`
}

type PingCommand struct{}

type PongCommand struct{}

func (AuthCommand) Type() Type    { return TypeAuth }
func (MessageCommand) Type() Type { return TypeMessage }
func (BacklogCommand) Type() Type { return TypeBacklog }
func (JoinCommand) Type() Type    { return TypeJoin }
func (PartCommand) Type() Type    { return TypePart }
func (UserCommand) Type() Type    { return TypeUser }
func (ErrorCommand) Type() Type   { return TypeError }
func (PingCommand) Type() Type    { return TypePing }
func (PongCommand) Type() Type    { return TypePong }

func (AuthCommand) command()    {}
func (MessageCommand) command() {}
func (BacklogCommand) command() {}
func (JoinCommand) command()    {}
func (PartCommand) command()    {}
func (UserCommand) command()    {}
func (ErrorCommand) command()   {}
func (PingCommand) command()    {}
func (PongCommand) command()    {}

// BacklogSince requests messages of target newer than from.
func BacklogSince(target string, from int64) BacklogCommand {
	return BacklogCommand{Target: target, FromDate: &from}
}

// BacklogBefore requests up to count messages of target older than to.
func BacklogBefore(target string, to int64, count int) BacklogCommand {
	return BacklogCommand{Target: target, ToDate: &to, Count: &count}
}

// BacklogBetween requests messages of target in the window [from, to].
func BacklogBetween(target string, from, to int64) BacklogCommand {
	return BacklogCommand{Target: target, FromDate: &from, ToDate: &to}
}

// SortMessages orders messages by timestamp, keeping the relative order of
// equal timestamps.
func SortMessages(messages []MessageCommand) {
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Timestamp < messages[j].Timestamp
	})
}
