package api

import (
	"context"
	"crypto/tls"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/drover-project/drover/internal/types"
)

// wsReadyMessage is the handshake line rest_cherrypy waits for before it
// starts relaying the event bus over an established websocket.
const wsReadyMessage = "websocket client ready"

// WSStream is the websocket variant of the event feed. The backend exposes
// the event bus at /ws/<token>; frames arrive as "data: <json>" text
// messages, mirroring the push-event framing of GET /events.
type WSStream struct {
	conn *websocket.Conn
}

// Next blocks until the next event frame arrives
func (s *WSStream) Next() (*Event, error) {
	_, msg, err := s.conn.ReadMessage()
	if err != nil {
		return nil, types.WrapError(types.ErrTransport, err, "websocket read failed")
	}
	payload := strings.TrimPrefix(string(msg), "data: ")
	payload = strings.TrimRight(payload, "\n")
	return &Event{Data: payload}, nil
}

// Close tears down the websocket connection
func (s *WSStream) Close() error {
	return s.conn.Close()
}

// WebsocketEvents connects to the /ws/<token> event bus endpoint. A session
// token is mandatory here: the endpoint embeds the token in the URL, so
// neither anonymous nor kerberos sessions can use it.
func (a *API) WebsocketEvents(ctx context.Context) (*WSStream, error) {
	token := a.Token()
	if token == "" {
		return nil, types.NewError(types.ErrAuthenticationDenied,
			"the websocket event stream requires a session token; log in first")
	}

	wsURL, err := url.Parse(a.constructURL("ws/" + token))
	if err != nil {
		return nil, types.WrapError(types.ErrConfiguration, err, "failed to build websocket URL")
	}
	switch wsURL.Scheme {
	case "http":
		wsURL.Scheme = "ws"
	case "https":
		wsURL.Scheme = "wss"
	}

	dialer := websocket.Dialer{}
	if a.insecure {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	conn, resp, err := dialer.DialContext(ctx, wsURL.String(), nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, types.WrapError(types.ErrTransport, err, "websocket dial failed")
	}
	if resp != nil {
		resp.Body.Close()
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(wsReadyMessage)); err != nil {
		conn.Close()
		return nil, types.WrapError(types.ErrTransport, err, "websocket handshake failed")
	}

	if a.log != nil {
		a.log.Debug("websocket event stream connected")
	}

	return &WSStream{conn: conn}, nil
}
