package model

import "encoding/json"

// DestinationKind selects how a notification is delivered.
type DestinationKind int

const (
	KindGuildChannel DestinationKind = iota + 1
	KindDirectMessage
)

func (k DestinationKind) String() string {
	switch k {
	case KindGuildChannel:
		return "guild_channel"
	case KindDirectMessage:
		return "direct_message"
	default:
		return "unknown"
	}
}

// Destination is a tagged variant over DestinationKind. Only the fields of
// the active kind are set.
type Destination struct {
	Kind DestinationKind `json:"kind"`

	GuildID   string `json:"guild_id,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
	RoleID    string `json:"role_id,omitempty"`

	UserID string `json:"user_id,omitempty"`
}

func GuildChannel(guildID, channelID, roleID string) Destination {
	return Destination{Kind: KindGuildChannel, GuildID: guildID, ChannelID: channelID, RoleID: roleID}
}

func DirectMessage(userID string) Destination {
	return Destination{Kind: KindDirectMessage, UserID: userID}
}

// Key identifies the physical destination. Two watches that resolve to the
// same channel share a key and therefore a delivery lane.
func (d Destination) Key() string {
	switch d.Kind {
	case KindGuildChannel:
		return "channel:" + d.ChannelID
	case KindDirectMessage:
		return "dm:" + d.UserID
	default:
		return "unknown:"
	}
}

func (s ProjectSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

func (s *ProjectSet) UnmarshalJSON(b []byte) error {
	var ids []ProjectID
	if err := json.Unmarshal(b, &ids); err != nil {
		return err
	}
	*s = NewProjectSet(ids...)
	return nil
}
