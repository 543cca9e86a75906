// Copyright 2024-2026 Aiku AI

package gupshup

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const (
	InteractiveQuickReply = "quick_reply"
	InteractiveList       = "list"
)

var ErrInvalidInteractive = errors.New("invalid interactive message")

// InteractiveMessage is a quick reply or list message as accepted by the
// Gupshup send API.
type InteractiveMessage struct {
	Type          string              `json:"type"`
	Content       *QuickReplyContent  `json:"content,omitempty"`
	Options       []InteractiveOption `json:"options,omitempty"`
	Title         string              `json:"title,omitempty"`
	Body          string              `json:"body,omitempty"`
	MsgID         string              `json:"msgid,omitempty"`
	GlobalButtons []GlobalButton      `json:"globalButtons,omitempty"`
	Items         []ListItem          `json:"items,omitempty"`
	replyContext
}

type QuickReplyContent struct {
	Type     string `json:"type"`
	Header   string `json:"header,omitempty"`
	Text     string `json:"text,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
	URL      string `json:"url,omitempty"`
}

type InteractiveOption struct {
	Type         string `json:"type,omitempty"`
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	PostbackText string `json:"postbackText,omitempty"`
}

type GlobalButton struct {
	Type  string `json:"type"`
	Title string `json:"title"`
}

type ListItem struct {
	Title    string              `json:"title"`
	Subtitle string              `json:"subtitle,omitempty"`
	Options  []InteractiveOption `json:"options"`
}

func (*InteractiveMessage) MessageKind() string { return "interactive" }

// Validate checks the fields each interactive type requires.
func (im *InteractiveMessage) Validate() error {
	switch im.Type {
	case InteractiveQuickReply:
		if im.Content == nil {
			return fmt.Errorf("%w: quick reply without content", ErrInvalidInteractive)
		}
		if len(im.Options) == 0 {
			return fmt.Errorf("%w: quick reply without options", ErrInvalidInteractive)
		}
	case InteractiveList:
		if len(im.Items) == 0 {
			return fmt.Errorf("%w: list without items", ErrInvalidInteractive)
		}
		if len(im.GlobalButtons) == 0 {
			return fmt.Errorf("%w: list without global buttons", ErrInvalidInteractive)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidInteractive, im.Type)
	}
	return nil
}

// EnsureID assigns a random msgid to list messages that don't have one.
func (im *InteractiveMessage) EnsureID() {
	if im.Type == InteractiveList && im.MsgID == "" {
		im.MsgID = uuid.NewString()
	}
}

// Text renders the message as plain text (with WhatsApp style markup) for the
// Matrix side of the conversation.
func (im *InteractiveMessage) Text() string {
	var sb strings.Builder
	switch im.Type {
	case InteractiveQuickReply:
		if im.Content != nil {
			if im.Content.Header != "" {
				sb.WriteString(im.Content.Header)
				sb.WriteByte('\n')
			}
			sb.WriteString(im.Content.Text)
		}
		for i, opt := range im.Options {
			sb.WriteString("\n" + strconv.Itoa(i+1) + ". " + opt.Title)
		}
	case InteractiveList:
		if im.Title != "" {
			sb.WriteString(im.Title)
			sb.WriteByte('\n')
		}
		sb.WriteString(im.Body)
		for _, item := range im.Items {
			for _, opt := range item.Options {
				sb.WriteString("\n" + opt.PostbackText + ". " + opt.Title)
			}
		}
	}
	return sb.String()
}
