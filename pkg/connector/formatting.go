// Copyright 2024-2026 Aiku AI

package connector

import (
	"fmt"
	"strings"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/format"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-gupshup/pkg/connector/matrixfmt"
	"github.com/aiku/mautrix-gupshup/pkg/connector/whatsappfmt"
	"github.com/aiku/mautrix-gupshup/pkg/gupshup"
)

// whatsappToMatrix converts WhatsApp markup to Matrix message content.
func whatsappToMatrix(msgType event.MessageType, text string) *event.MessageEventContent {
	parsed := whatsappfmt.Parse(text)
	return &event.MessageEventContent{
		MsgType:       msgType,
		Body:          parsed.Body,
		Format:        parsed.Format,
		FormattedBody: parsed.FormattedBody,
	}
}

// matrixToWhatsApp converts Matrix message content to WhatsApp markup.
func matrixToWhatsApp(content *event.MessageEventContent) string {
	text := matrixfmt.Parse(content)
	if content.MsgType == event.MsgEmote {
		text = "/me " + text
	}
	return text
}

// markdownContent renders markdown for messages the bridge writes itself,
// such as the room echo of templates and interactive messages.
func markdownContent(text string) *event.MessageEventContent {
	content := format.RenderMarkdown(text, true, false)
	return &content
}

func contactText(contact gupshup.Contact) string {
	var sb strings.Builder
	sb.WriteString("*Contact:* ")
	sb.WriteString(contact.Name.DisplayName())
	if len(contact.Phones) > 0 {
		sb.WriteString("\n*Phone:*")
		for _, phone := range contact.Phones {
			sb.WriteString(" ")
			sb.WriteString(phone.Phone)
		}
	}
	for _, email := range contact.Emails {
		sb.WriteString("\n*Email:* ")
		sb.WriteString(email.Email)
	}
	if contact.Org.Company != "" {
		sb.WriteString("\n*Company:* ")
		sb.WriteString(contact.Org.Company)
	}
	return sb.String()
}

func (c *Config) locationContent(loc *gupshup.LocationContent) *event.MessageEventContent {
	lat, long := float64(loc.Latitude), float64(loc.Longitude)
	body := strings.TrimSpace(loc.Name + " " + loc.Address)
	if body == "" {
		body = c.GoogleMapsLink(lat, long)
	}
	if body == "" {
		body = fmt.Sprintf("Location: %g, %g", lat, long)
	}
	return &event.MessageEventContent{
		MsgType: event.MsgLocation,
		Body:    body,
		GeoURI:  fmt.Sprintf("geo:%g,%g", lat, long),
	}
}

// selectedOption returns the text bridged for a button or list reply.
func (c *Config) selectedOption(content gupshup.Content) string {
	switch typed := content.(type) {
	case *gupshup.ButtonReplyContent:
		if c.QuickReply.SendOptionIndex {
			if fields := strings.Fields(typed.Reply); len(fields) > 0 {
				return fields[len(fields)-1]
			}
		}
		return typed.Title
	case *gupshup.ListReplyContent:
		if typed.PostbackText != "" {
			return typed.PostbackText
		}
		return typed.Title
	}
	return ""
}

// parseGeoURI reads the coordinates of a geo: URI.
func parseGeoURI(uri string) (lat, long float64, ok bool) {
	coords, found := strings.CutPrefix(uri, "geo:")
	if !found {
		return 0, 0, false
	}
	if idx := strings.IndexByte(coords, ';'); idx >= 0 {
		coords = coords[:idx]
	}
	if _, err := fmt.Sscanf(coords, "%g,%g", &lat, &long); err != nil {
		return 0, 0, false
	}
	return lat, long, true
}

// mediaDownloadURL turns an mxc:// URI into a public download link that
// Gupshup can fetch.
func (c *Config) mediaDownloadURL(uri id.ContentURIString) (string, error) {
	parsed, err := uri.Parse()
	if err != nil {
		return "", fmt.Errorf("invalid media URI %q: %w", uri, err)
	}
	base := strings.TrimSuffix(c.Homeserver.PublicAddress, "/")
	if base == "" {
		base = strings.TrimSuffix(c.Homeserver.Address, "/")
	}
	return fmt.Sprintf("%s/_matrix/media/v3/download/%s/%s", base, parsed.Homeserver, parsed.FileID), nil
}

var mediaMsgTypes = map[gupshup.MessageType]event.MessageType{
	gupshup.MessageImage: event.MsgImage,
	gupshup.MessageVideo: event.MsgVideo,
	gupshup.MessageAudio: event.MsgAudio,
	gupshup.MessageFile:  event.MsgFile,
}
