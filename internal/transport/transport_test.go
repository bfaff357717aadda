package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/framelink/framelink/internal/config"
	"github.com/framelink/framelink/internal/protocol"
	"github.com/framelink/framelink/internal/serial"
)

func TestPipe(t *testing.T) {
	t.Run("delivers in FIFO order", func(t *testing.T) {
		a, b := Pipe()
		ctx := context.Background()

		for i := 0; i < 10; i++ {
			env := &protocol.Envelope{
				Type:      protocol.TypeAttributeChange,
				Attribute: "n",
				Value:     i,
			}
			require.NoError(t, a.Send(ctx, env, nil))
		}

		for i := 0; i < 10; i++ {
			inb := <-b.Recv()
			assert.Equal(t, i, inb.Env.Value)
		}
	})

	t.Run("blobs move by reference", func(t *testing.T) {
		a, b := Pipe()
		blob := serial.NewBlob([]byte{1, 2, 3})
		env := &protocol.Envelope{
			Type: protocol.TypeEvent,
			Name: "chunk",
			Data: blob,
		}

		require.NoError(t, a.Send(context.Background(), env, []*serial.Blob{blob}))

		inb := <-b.Recv()
		require.Len(t, inb.Blobs, 1)
		assert.Same(t, blob, inb.Blobs[0], "pipe must move the buffer, not copy it")
		assert.Same(t, blob, inb.Env.Data)
	})

	t.Run("close fails further sends from both ends", func(t *testing.T) {
		a, b := Pipe()
		require.NoError(t, a.Close())

		env := &protocol.Envelope{Type: protocol.TypeReady}
		assert.ErrorIs(t, a.Send(context.Background(), env, nil), ErrClosed)
		assert.ErrorIs(t, b.Send(context.Background(), env, nil), ErrClosed)

		select {
		case <-a.Done():
		default:
			t.Fatal("Done not signaled after close")
		}
	})

	t.Run("delivered envelopes stay readable after close", func(t *testing.T) {
		a, b := Pipe()
		env := &protocol.Envelope{Type: protocol.TypeReady}
		require.NoError(t, a.Send(context.Background(), env, nil))
		require.NoError(t, a.Close())

		inb := <-b.Recv()
		assert.Equal(t, protocol.TypeReady, inb.Env.Type)
	})
}

// wsPair dials a test server and returns both transport ends.
func wsPair(t *testing.T, cfg config.ProtocolConfig) (*WS, *WS) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	serverSide := make(chan *WS, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(rw, r, nil)
		require.NoError(t, err)
		serverSide <- NewWS(conn, cfg, nil)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	client := NewWS(conn, cfg, nil)
	server := <-serverSide
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func TestWS(t *testing.T) {
	cfg := config.DefaultProtocol()

	t.Run("envelope round trip", func(t *testing.T) {
		client, server := wsPair(t, cfg)

		env := &protocol.Envelope{
			Type:      protocol.TypeAttributeChange,
			Attribute: "theme",
			Value:     "dark",
		}
		require.NoError(t, client.Send(context.Background(), env, nil))

		select {
		case inb := <-server.Recv():
			assert.Equal(t, protocol.TypeAttributeChange, inb.Env.Type)
			assert.Equal(t, "theme", inb.Env.Attribute)
			assert.Equal(t, "dark", inb.Env.Value)
		case <-time.After(2 * time.Second):
			t.Fatal("envelope not delivered")
		}
	})

	t.Run("blobs cross as frame sections", func(t *testing.T) {
		client, server := wsPair(t, cfg)

		data := make([]byte, 1024)
		for i := range data {
			data[i] = byte(i)
		}
		blob := serial.NewBlob(data)
		env := &protocol.Envelope{Type: protocol.TypeEvent, Name: "chunk", Data: blob}

		require.NoError(t, client.Send(context.Background(), env, []*serial.Blob{blob}))

		select {
		case inb := <-server.Recv():
			require.Len(t, inb.Blobs, 1)
			assert.Equal(t, data, inb.Blobs[0].Data)
			got, ok := inb.Env.Data.(*serial.Blob)
			require.True(t, ok, "placeholder should be rehydrated into the payload")
			assert.Equal(t, data, got.Data)
		case <-time.After(2 * time.Second):
			t.Fatal("envelope not delivered")
		}
	})

	t.Run("compressed frames round trip", func(t *testing.T) {
		compressed := cfg
		compressed.Compression = true
		client, server := wsPair(t, compressed)

		env := &protocol.Envelope{
			Type: protocol.TypeEvent,
			Name: "bulk",
			Data: strings.Repeat("abcdef ", 500),
		}
		require.NoError(t, client.Send(context.Background(), env, nil))

		select {
		case inb := <-server.Recv():
			assert.Equal(t, env.Data, inb.Env.Data)
		case <-time.After(2 * time.Second):
			t.Fatal("envelope not delivered")
		}
	})

	t.Run("malformed frames are dropped not fatal", func(t *testing.T) {
		cfgNoLimit := cfg
		client, server := wsPair(t, cfgNoLimit)

		// Raw garbage straight onto the connection.
		client.writeMu.Lock()
		require.NoError(t, client.conn.WriteMessage(websocket.BinaryMessage, []byte{0xff, 0x00, 0x01}))
		client.writeMu.Unlock()

		// A valid envelope afterwards still arrives.
		env := &protocol.Envelope{Type: protocol.TypeReady}
		require.NoError(t, client.Send(context.Background(), env, nil))

		select {
		case inb := <-server.Recv():
			assert.Equal(t, protocol.TypeReady, inb.Env.Type)
		case <-time.After(2 * time.Second):
			t.Fatal("channel did not survive the malformed frame")
		}
	})

	t.Run("hostile blob count does not kill the connection", func(t *testing.T) {
		client, server := wsPair(t, cfg)

		// A tiny frame claiming 2^62 blob sections. The decoder must
		// reject the count before it sizes anything.
		body := []byte(`{"type":"ready"}`)
		frame := []byte{0x00}
		frame = binary.AppendUvarint(frame, uint64(len(body)))
		frame = append(frame, body...)
		frame = binary.AppendUvarint(frame, 1<<62)

		client.writeMu.Lock()
		require.NoError(t, client.conn.WriteMessage(websocket.BinaryMessage, frame))
		client.writeMu.Unlock()

		env := &protocol.Envelope{Type: protocol.TypeReady}
		require.NoError(t, client.Send(context.Background(), env, nil))

		select {
		case inb := <-server.Recv():
			assert.Equal(t, protocol.TypeReady, inb.Env.Type)
		case <-time.After(2 * time.Second):
			t.Fatal("channel did not survive the hostile frame")
		}
	})

	t.Run("close signals done", func(t *testing.T) {
		client, server := wsPair(t, cfg)
		require.NoError(t, client.Close())

		select {
		case <-server.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("peer close not observed")
		}

		err := client.Send(context.Background(), &protocol.Envelope{Type: protocol.TypeReady}, nil)
		assert.ErrorIs(t, err, ErrClosed)
	})

	t.Run("rate limit drops the excess", func(t *testing.T) {
		limited := cfg
		limited.RateLimitPerSecond = 5
		limited.RateLimitBurst = 5
		client, server := wsPair(t, limited)

		for i := 0; i < 50; i++ {
			env := &protocol.Envelope{Type: protocol.TypeEvent, Name: fmt.Sprintf("e%d", i)}
			require.NoError(t, client.Send(context.Background(), env, nil))
		}

		received := 0
	drain:
		for {
			select {
			case <-server.Recv():
				received++
			case <-time.After(300 * time.Millisecond):
				break drain
			}
		}
		assert.Less(t, received, 50, "limiter should have dropped some envelopes")
		assert.Greater(t, received, 0)
	})
}
