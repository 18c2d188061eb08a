package signal

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	msgs := []Message{
		NewConfig("alice"),
		Text{Content: "hello there"},
		Text{Content: ""},
		CallRequest{CallerName: "alice", HasVideo: true},
		CallRequest{CallerName: "bob"},
		CallReject{Reason: "declined"},
		CallReject{Reason: "declined", Message: "call you later"},
		CallBusy{},
		Hold{IsOnHold: true},
		Hold{IsOnHold: false},
	}
	for _, m := range msgs {
		t.Run(string(m.Kind()), func(t *testing.T) {
			b, err := Encode(m)
			require.NoError(t, err)
			got, err := Decode(b)
			require.NoError(t, err)
			assert.Equal(t, m, got)
		})
	}
}

func TestWireFormat(t *testing.T) {
	tests := []struct {
		msg  Message
		want string
	}{
		{NewConfig("alice"), `{"type":"config","data":{"name":"alice","version":"1.0"}}`},
		{Text{Content: "hi"}, `{"type":"message","data":"hi"}`},
		{CallRequest{CallerName: "a", HasVideo: true}, `{"type":"call-request","data":{"callerName":"a","hasVideo":true}}`},
		{CallReject{Reason: "no"}, `{"type":"call-reject","data":{"reason":"no"}}`},
		{CallBusy{}, `{"type":"call-busy"}`},
		{Hold{IsOnHold: true}, `{"type":"hold","data":true}`},
	}
	for _, tt := range tests {
		b, err := Encode(tt.msg)
		require.NoError(t, err)
		assert.JSONEq(t, tt.want, string(b))
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := map[string]struct {
		payload   string
		malformed bool
	}{
		"not json":        {`{{`, true},
		"unknown type":    {`{"type":"file-offer","data":{}}`, false},
		"missing type":    {`{"data":"x"}`, false},
		"text not string": {`{"type":"message","data":42}`, true},
		"hold missing":    {`{"type":"hold"}`, true},
		"config null":     {`{"type":"config","data":null}`, true},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(tt.payload))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrUnknownMessageType))
			assert.Equal(t, tt.malformed, errors.Is(err, ErrMalformed))
			var pe *ProtocolError
			assert.True(t, errors.As(err, &pe))
		})
	}
}

func TestDecodeIgnoresUnknownFields(t *testing.T) {
	m, err := Decode([]byte(`{"type":"call-request","data":{"callerName":"c","hasVideo":false,"extra":1}}`))
	require.NoError(t, err)
	assert.Equal(t, CallRequest{CallerName: "c"}, m)
}

func TestEncodeNil(t *testing.T) {
	_, err := Encode(nil)
	assert.Error(t, err)
}
