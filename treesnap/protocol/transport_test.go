package protocol

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipe(t *testing.T) {
	ctx := context.Background()

	t.Run("Ordered", func(t *testing.T) {
		a, b := NewPipe()
		defer a.Close()
		for i, id := range []string{"1", "2", "3"} {
			require.NoError(t, a.Send(ctx, Envelope{Type: TypeEvent, ID: id}), i)
		}
		for _, id := range []string{"1", "2", "3"} {
			env, err := b.Receive(ctx)
			require.NoError(t, err)
			assert.Equal(t, id, env.ID)
		}
	})

	t.Run("CloseDrainsThenFails", func(t *testing.T) {
		a, b := NewPipe()
		require.NoError(t, a.Send(ctx, Envelope{ID: "last"}))
		require.NoError(t, b.Close())

		env, err := b.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, "last", env.ID)

		_, err = b.Receive(ctx)
		assert.ErrorIs(t, err, ErrTransportClosed)
		assert.ErrorIs(t, a.Send(ctx, Envelope{}), ErrTransportClosed)
	})

	t.Run("ReceiveHonoursContext", func(t *testing.T) {
		_, b := NewPipe()
		defer b.Close()
		cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, err := b.Receive(cctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestStreamTransport(t *testing.T) {
	ctx := context.Background()

	t.Run("ReadsLines", func(t *testing.T) {
		in := strings.NewReader(
			`{"type":"request","id":"a","kind":"GetFileSystemTree"}` + "\n\n" +
				`not json` + "\n" +
				`{"type":"request","id":"b","kind":"RefreshFileSystemTree","payload":{}}`)
		tr := NewStreamTransport(in, io.Discard)
		defer tr.Close()

		env, err := tr.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, "a", env.ID)

		_, err = tr.Receive(ctx)
		var decodeErr *DecodeError
		require.ErrorAs(t, err, &decodeErr)
		assert.Equal(t, ErrorMalformedPayload, decodeErr.Kind)

		env, err = tr.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, "b", env.ID)
		assert.Equal(t, KindRefreshFileSystemTree, env.Kind)

		_, err = tr.Receive(ctx)
		assert.ErrorIs(t, err, ErrTransportClosed)
	})

	t.Run("WritesOneLinePerEnvelope", func(t *testing.T) {
		var out bytes.Buffer
		tr := NewStreamTransport(strings.NewReader(""), &out)
		defer tr.Close()

		ev, err := EncodeEvent(ProgressReportEvent{DisplayText: "Loading files", Completed: 1, Total: 2})
		require.NoError(t, err)
		require.NoError(t, tr.Send(ctx, ev))
		require.NoError(t, tr.Send(ctx, ev))

		lines := strings.Split(strings.TrimSpace(out.String()), "\n")
		require.Len(t, lines, 2)
		assert.JSONEq(t, `{"type":"event","kind":"ProgressReport","payload":{"displayText":"Loading files","completed":1,"total":2}}`, lines[0])
	})

	t.Run("SendAfterClose", func(t *testing.T) {
		tr := NewStreamTransport(strings.NewReader(""), io.Discard)
		require.NoError(t, tr.Close())
		assert.ErrorIs(t, tr.Send(ctx, Envelope{}), ErrTransportClosed)
	})
}
