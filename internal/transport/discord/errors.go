package discord

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/bwmarrin/discordgo"
)

// Discord JSON error codes that mean the destination is unusable until a
// person fixes it.
const (
	codeUnknownChannel     = 10003
	codeUnknownGuild       = 10004
	codeUnknownUser        = 10013
	codeMissingAccess      = 50001
	codeCannotMessageUser  = 50007
	codeMissingPermissions = 50013
)

// DeliveryError wraps a failed send. Permanent failures are not retried and
// are reported to the watch owner.
type DeliveryError struct {
	Status    int
	Code      int
	permanent bool
	Err       error
}

func (e *DeliveryError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("discord: status %d code %d: %v", e.Status, e.Code, e.Err)
	}
	if e.Status != 0 {
		return fmt.Sprintf("discord: status %d: %v", e.Status, e.Err)
	}
	return "discord: " + e.Err.Error()
}

func (e *DeliveryError) Unwrap() error   { return e.Err }
func (e *DeliveryError) Permanent() bool { return e.permanent }

// classify maps a discordgo error onto DeliveryError. 429, 5xx and anything
// below HTTP stay transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var rest *discordgo.RESTError
	if !errors.As(err, &rest) {
		return &DeliveryError{Err: err}
	}
	de := &DeliveryError{Err: err}
	if rest.Response != nil {
		de.Status = rest.Response.StatusCode
	}
	if rest.Message != nil {
		de.Code = rest.Message.Code
	}
	switch de.Code {
	case codeUnknownChannel, codeUnknownGuild, codeUnknownUser,
		codeMissingAccess, codeCannotMessageUser, codeMissingPermissions:
		de.permanent = true
		return de
	}
	switch de.Status {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		de.permanent = true
	}
	return de
}

// Reason is the owner-facing text.
func (de *DeliveryError) Reason() string {
	switch de.Code {
	case codeUnknownChannel:
		return "the channel no longer exists"
	case codeUnknownGuild:
		return "the server is no longer reachable"
	case codeUnknownUser:
		return "the user no longer exists"
	case codeMissingAccess, codeMissingPermissions:
		return "the bot is missing permission to post there"
	case codeCannotMessageUser:
		return "the user does not accept direct messages"
	}
	switch de.Status {
	case http.StatusUnauthorized:
		return "the bot token was rejected"
	case http.StatusForbidden:
		return "the bot is not allowed to post there"
	case http.StatusNotFound:
		return "the destination was not found"
	}
	return de.Error()
}
