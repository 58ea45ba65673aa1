/* SPDX-License-Identifier: MPL-2.0
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeServerEvent(t *testing.T) {
	t.Run("decodes a known event into its typed payload", func(t *testing.T) {
		payload, err := decodeServerEvent(evIncoming, json.RawMessage(
			`{"callId":"c1","callerId":"u1","callerName":"bob","isVideoCall":true}`))
		require.NoError(t, err)

		ev, ok := payload.(*IncomingCallEvent)
		require.True(t, ok)
		assert.Equal(t, "c1", ev.CallID)
		assert.Equal(t, "bob", ev.CallerName)
		assert.True(t, ev.IsVideoCall)
	})

	t.Run("decodes producer announcements", func(t *testing.T) {
		payload, err := decodeServerEvent(evNewProducer, json.RawMessage(
			`{"callId":"c1","producerId":"p1","producerUserId":"u1","kind":"audio"}`))
		require.NoError(t, err)

		ev, ok := payload.(*NewProducerEvent)
		require.True(t, ok)
		assert.Equal(t, "p1", ev.ProducerID)
		assert.Equal(t, "audio", ev.Kind)
	})

	t.Run("unknown events are skipped, not errors", func(t *testing.T) {
		payload, err := decodeServerEvent("call:somethingNew", json.RawMessage(`{}`))
		assert.NoError(t, err)
		assert.Nil(t, payload)
	})

	t.Run("malformed payloads are rejected", func(t *testing.T) {
		_, err := decodeServerEvent(evEnded, json.RawMessage(`{`))
		assert.Error(t, err)
	})
}
