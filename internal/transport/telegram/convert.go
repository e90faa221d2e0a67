package telegram

import (
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"modbot/internal/detect"
)

// toMessage converts a telebot message. Captions count as text so media
// posts with links are inspected like plain ones.
func toMessage(m *tele.Message) detect.Message {
	out := detect.Message{
		ID:          int64(m.ID),
		Text:        m.Text,
		Attachments: attachmentsOf(m),
		SentAt:      m.Time(),
		Links:       entityLinks(m),
		GroupID:     m.AlbumID,
	}
	if out.Text == "" {
		out.Text = m.Caption
	}
	if m.Chat != nil {
		out.ChannelID = m.Chat.ID
	}
	if m.Sender != nil {
		out.AuthorID = m.Sender.ID
		out.AuthorName = displayName(m.Sender)
	}
	if m.LastEdit != 0 {
		out.SentAt = m.LastEdited()
	}
	if out.SentAt.IsZero() {
		out.SentAt = time.Now()
	}
	return out
}

// entityLinks returns the links Telegram marked up in the text or caption.
// Hyperlinked words only carry their target here.
func entityLinks(m *tele.Message) []string {
	ents := m.Entities
	if m.Text == "" {
		ents = m.CaptionEntities
	}
	var out []string
	for _, e := range ents {
		switch e.Type {
		case tele.EntityURL:
			if u := m.EntityText(e); u != "" {
				out = append(out, u)
			}
		case tele.EntityTextLink:
			if e.URL != "" {
				out = append(out, e.URL)
			}
		}
	}
	return out
}

func attachmentsOf(m *tele.Message) []detect.Attachment {
	var out []detect.Attachment
	if m.Photo != nil {
		out = append(out, detect.Attachment{Name: m.Photo.UniqueID, Kind: "photo", Size: m.Photo.FileSize})
	}
	if m.Document != nil {
		out = append(out, detect.Attachment{Name: m.Document.FileName, Kind: "document", Size: m.Document.FileSize})
	}
	if m.Video != nil {
		out = append(out, detect.Attachment{Name: m.Video.FileName, Kind: "video", Size: m.Video.FileSize})
	}
	if m.Animation != nil {
		out = append(out, detect.Attachment{Name: m.Animation.FileName, Kind: "animation", Size: m.Animation.FileSize})
	}
	if m.Audio != nil {
		out = append(out, detect.Attachment{Name: m.Audio.FileName, Kind: "audio", Size: m.Audio.FileSize})
	}
	if m.Voice != nil {
		out = append(out, detect.Attachment{Name: m.Voice.UniqueID, Kind: "voice", Size: m.Voice.FileSize})
	}
	return out
}

func displayName(u *tele.User) string {
	if u == nil {
		return ""
	}
	if u.Username != "" {
		return "@" + u.Username
	}
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return "user"
	}
	return name
}

func isPrivate(m *tele.Message) bool {
	return m.Chat != nil && m.Chat.Type == tele.ChatPrivate
}
