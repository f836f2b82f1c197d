// Package discord delivers rendered payloads over the Discord REST API.
package discord

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"modwatch/internal/model"
	"modwatch/internal/render"
	logx "modwatch/pkg/logx"
)

// restAPI is the part of *discordgo.Session the deliverer calls.
type restAPI interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
}

type Deliverer struct {
	api restAPI
	log logx.Logger

	mu sync.Mutex
	dm map[string]string // user id -> DM channel id
}

// New opens a REST-only session; no gateway connection is made.
func New(token string, log logx.Logger) (*Deliverer, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("discord token is empty")
	}
	if !strings.HasPrefix(token, "Bot ") {
		token = "Bot " + token
	}
	s, err := discordgo.New(token)
	if err != nil {
		return nil, err
	}
	// retries and 429 backoff belong to the dispatcher
	s.ShouldRetryOnRateLimit = false
	s.MaxRestRetries = 0
	s.Client.Timeout = 15 * time.Second
	return newDeliverer(s, log), nil
}

func newDeliverer(api restAPI, log logx.Logger) *Deliverer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Deliverer{api: api, log: log.With(logx.Component("discord")), dm: map[string]string{}}
}

func (d *Deliverer) Deliver(ctx context.Context, dest model.Destination, p render.Payload) error {
	channelID := dest.ChannelID
	if dest.Kind == model.KindDirectMessage {
		id, err := d.dmChannel(ctx, dest.UserID)
		if err != nil {
			return err
		}
		channelID = id
	}
	if channelID == "" {
		return &DeliveryError{Err: errors.New("destination has no channel"), permanent: true}
	}
	_, err := d.api.ChannelMessageSendComplex(channelID, messageOf(p), discordgo.WithContext(ctx))
	if err = classify(err); err != nil {
		var de *DeliveryError
		if dest.Kind == model.KindDirectMessage && errors.As(err, &de) && de.Code == codeUnknownChannel {
			d.forgetDM(dest.UserID)
		}
		return err
	}
	return nil
}

func (d *Deliverer) dmChannel(ctx context.Context, userID string) (string, error) {
	d.mu.Lock()
	id, ok := d.dm[userID]
	d.mu.Unlock()
	if ok {
		return id, nil
	}
	ch, err := d.api.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return "", classify(err)
	}
	d.mu.Lock()
	d.dm[userID] = ch.ID
	d.mu.Unlock()
	return ch.ID, nil
}

func (d *Deliverer) forgetDM(userID string) {
	d.mu.Lock()
	delete(d.dm, userID)
	d.mu.Unlock()
}

func messageOf(p render.Payload) *discordgo.MessageSend {
	m := &discordgo.MessageSend{
		Content: p.Content,
		AllowedMentions: &discordgo.MessageAllowedMentions{
			Parse: []discordgo.AllowedMentionType{},
			Roles: p.AllowedRoleIDs,
		},
	}
	if e := p.Embed; e != nil {
		me := &discordgo.MessageEmbed{
			Title:       e.Title,
			URL:         e.URL,
			Description: e.Description,
			Color:       e.Color,
		}
		for _, f := range e.Fields {
			me.Fields = append(me.Fields, &discordgo.MessageEmbedField{Name: f.Name, Value: f.Value, Inline: f.Inline})
		}
		if e.ThumbnailURL != "" {
			me.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: e.ThumbnailURL}
		}
		if e.Footer != "" {
			me.Footer = &discordgo.MessageEmbedFooter{Text: e.Footer}
		}
		if !e.Timestamp.IsZero() {
			me.Timestamp = e.Timestamp.UTC().Format(time.RFC3339)
		}
		m.Embeds = []*discordgo.MessageEmbed{me}
	}
	return m
}
