package api

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drover-project/drover/internal/saltmock"
	"github.com/drover-project/drover/internal/types"
)

func TestWebsocketEvents(t *testing.T) {
	srv := saltmock.NewServer()
	defer srv.Close()
	srv.QueueEvent("salt/auth", `{"act":"accept"}`)
	srv.QueueEvent("", `{"second":true}`)

	a, err := New(&Config{BaseURL: srv.URL()})
	require.NoError(t, err)
	_, err = a.Login("admin", "saltdev", "pam")
	require.NoError(t, err)

	stream, err := a.WebsocketEvents(context.Background())
	require.NoError(t, err)
	defer stream.Close()

	ev, err := stream.Next()
	require.NoError(t, err)
	assert.Equal(t, `{"act":"accept"}`, ev.Data)

	ev, err = stream.Next()
	require.NoError(t, err)
	assert.Equal(t, `{"second":true}`, ev.Data)
}

func TestWebsocketEventsRequiresToken(t *testing.T) {
	srv := saltmock.NewServer()
	defer srv.Close()

	a, err := New(&Config{BaseURL: srv.URL()})
	require.NoError(t, err)

	stream, err := a.WebsocketEvents(context.Background())
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrAuthenticationDenied))
	assert.Nil(t, stream)
}
