package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	t.Run("parses a full message envelope", func(t *testing.T) {
		frame := []byte(`{"type":"message","token":"abc","recipient":"bob@example.com","content":"hello"}`)

		env, err := Decode(frame)

		require.NoError(t, err)
		assert.Equal(t, EventMessage, env.Type)
		assert.Equal(t, "abc", env.Token)
		assert.Equal(t, "bob@example.com", env.Recipient)
		assert.Equal(t, "hello", env.Content)
	})

	t.Run("rejects malformed JSON", func(t *testing.T) {
		_, err := Decode([]byte(`{"type":`))
		assert.ErrorContains(t, err, "malformed envelope")
	})

	t.Run("rejects envelope without a type", func(t *testing.T) {
		_, err := Decode([]byte(`{"token":"abc"}`))
		assert.ErrorContains(t, err, "missing type")
	})

	t.Run("ignores unknown fields", func(t *testing.T) {
		env, err := Decode([]byte(`{"type":"typing","unknown_field":42}`))
		require.NoError(t, err)
		assert.Equal(t, EventTyping, env.Type)
	})
}

func TestEncode(t *testing.T) {
	t.Run("appends the frame delimiter", func(t *testing.T) {
		data, err := Encode(Envelope{Type: EventConnect, Token: "abc"})

		require.NoError(t, err)
		require.NotEmpty(t, data)
		assert.Equal(t, byte('\n'), data[len(data)-1])
	})

	t.Run("omits empty fields", func(t *testing.T) {
		data, err := Encode(Envelope{Type: EventDisconnect})

		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"disconnect"}`, string(data))
	})

	t.Run("round-trips through decode", func(t *testing.T) {
		in := Envelope{
			Type:       EventUserStatus,
			Username:   "alice",
			UserStatus: "away",
			MessageID:  "01HYZ",
		}

		data, err := Encode(in)
		require.NoError(t, err)

		out, err := Decode(data[:len(data)-1])
		require.NoError(t, err)
		assert.Equal(t, in, out)
	})
}
