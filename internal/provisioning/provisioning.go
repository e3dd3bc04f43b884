// Package provisioning exposes the bridge's login API: REST flows for bot
// token and phone number auth, plus a WebSocket endpoint for QR login.
package provisioning

import (
	"context"
	"time"

	"github.com/mergechat/mautrix-max/pkg/maxapi"
)

// Session is one Matrix user's bridge session, as far as provisioning needs.
type Session interface {
	LoginBot(ctx context.Context, token string) error
	LoginUser(ctx context.Context, token string, maxUserID int64) error
	Logout(ctx context.Context) error
	IsLoggedIn() bool
	IsConnected() bool
	ConnectionMode() string
	MaxUserID() int64
}

// Sessions resolves Matrix user ids to bridge sessions.
type Sessions interface {
	Get(ctx context.Context, mxid string) (Session, error)
}

// AuthClient runs the interactive Max auth flows. Satisfied by
// *maxapi.UserClient.
type AuthClient interface {
	StartPhoneAuth(ctx context.Context, phone string) (*maxapi.PhoneAuthData, error)
	CheckAuthCode(ctx context.Context, code string) (*maxapi.MaxUser, error)
	StartQRAuth(ctx context.Context) (*maxapi.QRAuthData, error)
	PollQRAuth(ctx context.Context, timeout time.Duration) (*maxapi.MaxUser, error)
	AuthToken() string
	Disconnect() error
}

// AuthClientFactory creates a fresh unauthenticated client per login attempt.
type AuthClientFactory func() AuthClient
