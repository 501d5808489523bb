// Package credentials stores the externally-acquired tokens and member
// identity the chat client needs. It is pure storage: acquiring or
// refreshing a token is someone else's job.
package credentials

import (
	"context"
)

// Storage keys, mirroring the web client's localStorage entries so a
// migrated account keeps the same vocabulary.
const (
	KeyAccessToken    = "imean_access_token"
	KeyRefreshToken   = "imean_refresh_token"
	KeyMemberID       = "imean_member_id"
	KeyMemberCode     = "imean_member_code"
	KeyMemberNickname = "imean_member_nickname"
	KeyCoupleStatus   = "imean_couple_status"
)

// Store defines the credential storage interface. Getters return an empty
// string, not an error, when a value has never been set.
type Store interface {
	// AccessToken returns the bearer token embedded in the chat
	// connection URI.
	AccessToken(ctx context.Context) (string, error)
	SetAccessToken(ctx context.Context, token string) error

	RefreshToken(ctx context.Context) (string, error)
	SetRefreshToken(ctx context.Context, token string) error

	// MemberID is the logged-in member's id, stamped onto outbound frames.
	MemberID(ctx context.Context) (string, error)
	SetMemberID(ctx context.Context, id string) error

	MemberCode(ctx context.Context) (string, error)
	SetMemberCode(ctx context.Context, code string) error

	MemberNickname(ctx context.Context) (string, error)
	SetMemberNickname(ctx context.Context, nickname string) error

	CoupleStatus(ctx context.Context) (string, error)
	SetCoupleStatus(ctx context.Context, status string) error

	// Clear removes every stored value (logout).
	Clear(ctx context.Context) error

	// Ping verifies the backing storage is reachable.
	Ping(ctx context.Context) error

	// Close releases the backing storage.
	Close() error
}
