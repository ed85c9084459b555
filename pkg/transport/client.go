package transport

import (
	"fmt"
	"net/http"

	"github.com/docukit/syncd/pkg/syncerr"
	"github.com/gorilla/websocket"
)

// Dial opens the duplex channel to addr, carrying token and deviceID
// at handshake time (spec.md §4.3). A handshake rejection surfaces as
// a *syncerr.Error of kind AuthenticationError.
func Dial(addr, token, deviceID string) (Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	header.Set("X-Device-Id", deviceID)

	ws, resp, err := websocket.DefaultDialer.Dial(addr, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, syncerr.Authentication("handshake rejected", err)
		}
		return nil, syncerr.Network(fmt.Sprintf("dial %s", addr), err)
	}
	return newConn(ws), nil
}
