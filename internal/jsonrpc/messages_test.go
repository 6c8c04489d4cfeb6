package jsonrpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Run("response with string id", func(t *testing.T) {
		env, err := Parse([]byte(`{"jsonrpc":"2.0", "id":"req-1", "result":{"ok":true}}`))
		require.NoError(t, err)
		require.Equal(t, "req-1", env.ID.String())
		require.Equal(t, "response", env.Type())
		require.JSONEq(t, `{"jsonrpc":"2.0","id":"req-1","result":{"ok":true}}`, string(env.Raw))
	})

	t.Run("numeric id keys like its decimal string", func(t *testing.T) {
		env, err := Parse([]byte(`{"jsonrpc":"2.0","id":7,"result":{}}`))
		require.NoError(t, err)
		require.Equal(t, "7", env.ID.String())
	})

	t.Run("notification", func(t *testing.T) {
		env, err := Parse([]byte(`{"jsonrpc":"2.0","method":"notifications/message","params":{}}`))
		require.NoError(t, err)
		require.Nil(t, env.ID)
		require.Equal(t, "notification", env.Type())
	})

	t.Run("null id is absent", func(t *testing.T) {
		env, err := Parse([]byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"parse"}}`))
		require.NoError(t, err)
		require.Nil(t, env.ID)
	})

	t.Run("non-object JSON is forwarded", func(t *testing.T) {
		env, err := Parse([]byte(`42`))
		require.NoError(t, err)
		require.Equal(t, Message("42"), env.Raw)
		require.Equal(t, "unknown", env.Type())
	})

	t.Run("odd id type still forwards", func(t *testing.T) {
		env, err := Parse([]byte(`{"id":{"nested":true},"result":1}`))
		require.NoError(t, err)
		require.Nil(t, env.ID)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := Parse([]byte(`npm WARN deprecated something`))
		require.Error(t, err)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := Parse([]byte("  \r"))
		require.ErrorIs(t, err, ErrEmptyLine)
	})
}

func TestNewRequest_WireShape(t *testing.T) {
	req, err := NewRequest("tools/call", map[string]any{"name": "asana_get_task"})
	require.NoError(t, err)
	req.ID = NewRequestID("req-3")

	b, err := json.Marshal(req)
	require.NoError(t, err)
	require.Equal(t, `{"jsonrpc":"2.0","method":"tools/call","params":{"name":"asana_get_task"},"id":"req-3"}`, string(b))

	req.ID = nil
	b, err = json.Marshal(req)
	require.NoError(t, err)
	require.NotContains(t, string(b), `"id"`)
}

func TestResponse_Failed(t *testing.T) {
	cases := map[string]bool{
		`{"result":{}}`:                           false,
		`{"error":null,"result":1}`:               false,
		`{"error":""}`:                            false,
		`{"error":"Request timeout"}`:             true,
		`{"error":{"code":-32601,"message":"x"}}`: true,
		`[1,2]`: false,
	}
	for in, want := range cases {
		require.Equal(t, want, DecodeResponse(Message(in)).Failed(), in)
	}
}

func TestResponse_RPCError(t *testing.T) {
	res := DecodeResponse(Message(`{"jsonrpc":"2.0","id":"req-3","error":{"code":-32601,"message":"Unknown tool: asana_nope"}}`))
	rpcErr, ok := res.RPCError()
	require.True(t, ok)
	require.Equal(t, ErrorCodeMethodNotFound, rpcErr.Code)
	require.Equal(t, "Unknown tool: asana_nope", rpcErr.Message)
	require.EqualError(t, rpcErr, "jsonrpc error -32601: Unknown tool: asana_nope")

	_, ok = DecodeResponse(Message(`{"error":"Request timeout"}`)).RPCError()
	require.False(t, ok)

	_, ok = DecodeResponse(Message(`{"jsonrpc":"2.0","id":"req-4","result":{}}`)).RPCError()
	require.False(t, ok)
}
