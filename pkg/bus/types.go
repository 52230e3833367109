package bus

import "time"

// Attachment is a file attached to a chat message.
type Attachment struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// MessageEvent is an inbound chat message as seen by the archiver.
type MessageEvent struct {
	Channel       string         `json:"channel"`
	GuildID       string         `json:"guild_id,omitempty"`
	ChannelID     string         `json:"channel_id"`
	EventID       string         `json:"event_id"`
	AuthorID      string         `json:"author_id"`
	AuthorName    string         `json:"author_name,omitempty"`
	AuthorIsBot   bool           `json:"author_is_bot"`
	CreatedAt     time.Time      `json:"created_at"`
	Content       string         `json:"content"`
	Attachments   []Attachment   `json:"attachments,omitempty"`
	Snapshots     [][]Attachment `json:"snapshots,omitempty"` // attachments of forwarded messages
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// AllAttachments returns direct attachments followed by snapshot attachments.
func (m MessageEvent) AllAttachments() []Attachment {
	out := make([]Attachment, 0, len(m.Attachments))
	out = append(out, m.Attachments...)
	for _, snap := range m.Snapshots {
		out = append(out, snap...)
	}
	return out
}

type ProfileKind string

const (
	ProfileAvatar ProfileKind = "avatars"
	ProfileIcon   ProfileKind = "icons"
)

// ProfileEvent reports a new avatar or guild icon for SubjectID.
type ProfileEvent struct {
	Kind          ProfileKind `json:"kind"`
	SubjectID     string      `json:"subject_id"`
	SubjectName   string      `json:"subject_name,omitempty"`
	URL           string      `json:"url"`
	ObservedAt    time.Time   `json:"observed_at"`
	CorrelationID string      `json:"correlation_id,omitempty"`
}
