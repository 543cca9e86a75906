// Copyright 2024-2026 Aiku AI

package connector

import (
	"fmt"
	"strings"

	"maunium.net/go/mautrix/id"
)

// MakeChatID builds the portal key of a conversation between a tenant and
// a WhatsApp phone number.
func MakeChatID(tenant, phone string) string {
	return tenant + "-" + phone
}

// ParseChatID splits a chat ID into the tenant name and the phone number.
// Tenant names may contain dashes, phone numbers never do.
func ParseChatID(chatID string) (tenant, phone string, ok bool) {
	idx := strings.LastIndexByte(chatID, '-')
	if idx <= 0 || idx == len(chatID)-1 {
		return "", "", false
	}
	return chatID[:idx], chatID[idx+1:], true
}

var phoneStripper = strings.NewReplacer(" ", "", ".", "", ",", "", "-", "", "(", "", ")", "")

// NormalizePhone validates a user-supplied phone number such as
// "+1 (555) 000-1234" and returns it in the stored form without the plus.
func NormalizePhone(raw string) (string, error) {
	phone := phoneStripper.Replace(strings.TrimSpace(raw))
	if !strings.HasPrefix(phone, "+") {
		return "", fmt.Errorf("%w: %q must start with +", ErrInvalidPhone, raw)
	}
	phone = phone[1:]
	if len(phone) == 0 || !isDigits(phone) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPhone, raw)
	}
	return phone, nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// PuppetUserID renders the ghost user ID for a phone number.
func (c *Config) PuppetUserID(phone string) id.UserID {
	return id.NewUserID(c.usernamePrefix+phone+c.usernameSuffix, c.Homeserver.Domain)
}

// ParsePuppetUserID is the inverse of PuppetUserID.
func (c *Config) ParsePuppetUserID(userID id.UserID) (string, bool) {
	localpart, server, err := userID.Parse()
	if err != nil || server != c.Homeserver.Domain {
		return "", false
	}
	if c.usernamePrefix == "" && c.usernameSuffix == "" {
		return "", false
	}
	if len(localpart) <= len(c.usernamePrefix)+len(c.usernameSuffix) ||
		!strings.HasPrefix(localpart, c.usernamePrefix) || !strings.HasSuffix(localpart, c.usernameSuffix) {
		return "", false
	}
	phone := localpart[len(c.usernamePrefix) : len(localpart)-len(c.usernameSuffix)]
	if !isDigits(phone) {
		return "", false
	}
	return phone, true
}
