// Copyright 2024-2026 Aiku AI

package connector

import "errors"

var (
	ErrTenantNotFound     = errors.New("tenant not found")
	ErrDuplicateOwner     = errors.New("owner already has a registered app")
	ErrDuplicatePhone     = errors.New("phone number is already bound to an app")
	ErrDuplicateName      = errors.New("app name is already registered")
	ErrPortalClosed       = errors.New("portal is closed")
	ErrInvalidPhone       = errors.New("invalid phone number")
	ErrNotAllowed         = errors.New("user is not allowed to use this portal")
	ErrNoRoom             = errors.New("portal has no room")
	ErrNotInRoom          = errors.New("user is not in the room")
	ErrUnsupportedContent = errors.New("unsupported content")
	ErrInvalidCredentials = errors.New("invalid Matrix credentials")
)
