package precache

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPort struct {
	posted []any
}

func (p *recordingPort) PostMessage(v any) error {
	p.posted = append(p.posted, v)
	return nil
}

func TestMessenger_GetVersion(t *testing.T) {
	storage := newMemoryStorage(t)
	lc, _ := activeLifecycle(t, storage, nil, "v-current")
	m := NewMessenger(lc, nil)

	port := &recordingPort{}
	require.NoError(t, m.Handle(context.Background(), Message{Type: MsgGetVersion}, port))

	require.Len(t, port.posted, 1)
	b, err := json.Marshal(port.posted[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":"v-current"}`, string(b))
}

func TestMessenger_GetVersionWithoutPort(t *testing.T) {
	storage := newMemoryStorage(t)
	lc, _ := activeLifecycle(t, storage, nil, "v-current")
	m := NewMessenger(lc, nil)

	assert.NoError(t, m.Handle(context.Background(), Message{Type: MsgGetVersion}, nil))
}

func TestMessenger_IgnoresUnknownMessages(t *testing.T) {
	storage := newMemoryStorage(t)
	lc, _ := activeLifecycle(t, storage, nil, "v-current")
	m := NewMessenger(lc, nil)

	port := &recordingPort{}
	for _, typ := range []string{"", "CLAIM", "get_version", "SKIP_WAITING_NOW"} {
		require.NoError(t, m.Handle(context.Background(), Message{Type: typ}, port))
	}
	assert.Empty(t, port.posted)
	assert.Equal(t, StateActivated, lc.State())
}

func TestMessenger_SkipWaiting(t *testing.T) {
	storage := newMemoryStorage(t)
	clients := NewClients(0)
	lc := NewLifecycle(storage, seededFetcher("/"), LifecycleOptions{Clients: clients})
	require.NoError(t, lc.Install(context.Background(), Release{Name: "v1", Seeds: []string{"/"}}))
	clients.Touch("tab", true, true)
	require.NoError(t, lc.Install(context.Background(), Release{Name: "v2", Seeds: []string{"/"}}))
	require.Equal(t, StateInstalled, lc.State())

	m := NewMessenger(lc, nil)
	require.NoError(t, m.Handle(context.Background(), Message{Type: MsgSkipWaiting}, nil))

	assert.Equal(t, StateActivated, lc.State())
	port := &recordingPort{}
	require.NoError(t, m.Handle(context.Background(), Message{Type: MsgGetVersion}, port))
	assert.Equal(t, []any{VersionReply{Version: "v2"}}, port.posted)
}
