// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"

	"github.com/aiku/mautrix-gupshup/pkg/database"
	"github.com/aiku/mautrix-gupshup/pkg/gupshup"
)

// RemoteAPI is the Gupshup API surface used by portals.
type RemoteAPI interface {
	SendMessage(ctx context.Context, creds gupshup.Credentials, destination string, msg gupshup.Message) (string, error)
	SendTemplate(ctx context.Context, creds gupshup.Credentials, destination, templateID string, params []string) (string, error)
	MarkRead(ctx context.Context, creds gupshup.Credentials, messageID string) error
	DownloadMedia(ctx context.Context, url string) ([]byte, string, error)
}

var _ RemoteAPI = (*gupshup.Client)(nil)

// credentials returns the API credentials of a tenant.
func credentials(t *database.Tenant) gupshup.Credentials {
	return gupshup.Credentials{
		AppName: t.Name,
		AppID:   t.AppID,
		APIKey:  t.APIKey,
		Source:  t.Phone,
	}
}
