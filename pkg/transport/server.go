package transport

import (
	"net/http"
	"strings"

	"github.com/docukit/syncd/pkg/syncerr"
	"github.com/gorilla/websocket"
)

// Identity is what a successful handshake authentication yields:
// spec.md §6.4's authenticate(token) -> { userId, context? }.
type Identity struct {
	UserID   string
	DeviceID string
	Context  any
}

// Authenticator validates the opaque token carried at handshake time.
// A false second return means rejection; an accepted token must come
// with a non-nil Identity. Token issuance itself is out of scope
// (spec.md §1).
type Authenticator func(token string) (*Identity, bool)

// Upgrader accepts incoming handshakes and authenticates them before
// upgrading to a websocket connection.
type Upgrader struct {
	upgrader       websocket.Upgrader
	authenticate   Authenticator
}

// NewUpgrader builds an Upgrader that authenticates every handshake
// with authenticate.
func NewUpgrader(authenticate Authenticator) *Upgrader {
	return &Upgrader{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		authenticate: authenticate,
	}
}

// Accept authenticates r and, on success, upgrades the connection.
// On rejection it writes a 401 and closes the HTTP response itself;
// callers never see a Conn in that case.
func (u *Upgrader) Accept(w http.ResponseWriter, r *http.Request) (Conn, *Identity, error) {
	token := bearerToken(r)
	deviceID := r.Header.Get("X-Device-Id")

	identity, ok := u.authenticate(token)
	if !ok {
		http.Error(w, "Authentication: invalid or missing token", http.StatusUnauthorized)
		return nil, nil, syncerr.Authentication("invalid or missing token", nil)
	}
	identity.DeviceID = deviceID

	ws, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, nil, syncerr.Network("upgrade failed", err)
	}
	return newConn(ws), identity, nil
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(h, prefix) {
		return strings.TrimPrefix(h, prefix)
	}
	return ""
}
