package wire

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistration(t *testing.T) {
	body := RegistrationBody("lista")
	assert.Equal(t, "sinitlista", string(body))
	assert.True(t, IsRegistration(body))

	name, err := ParseRegistration(body)
	require.NoError(t, err)
	assert.Equal(t, "lista", name)

	_, err = ParseRegistration([]byte("sinit  "))
	assert.ErrorIs(t, err, ErrMalformedBody)

	_, err = ParseRegistration([]byte("listaget {}"))
	assert.ErrorIs(t, err, ErrMalformedBody)
}

func TestEncodeDecodeCall(t *testing.T) {
	body, err := EncodeCall("lista", "get_lista_espera", json.RawMessage(`{ "id": 1 }`))
	require.NoError(t, err)
	assert.Equal(t, `listaget_lista_espera {"id":1}`, string(body))

	call, err := DecodeCall(body)
	require.NoError(t, err)
	assert.Equal(t, "lista", call.Service)
	assert.Empty(t, call.Tag)
	assert.Equal(t, "get_lista_espera", call.Operation)
	assert.JSONEq(t, `{"id":1}`, string(call.Payload))
}

func TestEncodeCallPadsShortNames(t *testing.T) {
	body, err := EncodeCall("ab", "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, "ab   ping {}", string(body))

	call, err := DecodeCall(body)
	require.NoError(t, err)
	assert.Equal(t, "ab", call.Service)
	assert.JSONEq(t, `{}`, string(call.Payload))
}

func TestEncodeCallRejectsBadInput(t *testing.T) {
	_, err := EncodeCall("lista", "", nil)
	assert.ErrorIs(t, err, ErrMalformedBody)

	_, err = EncodeCall("lista", "two words", nil)
	assert.ErrorIs(t, err, ErrMalformedBody)

	_, err = EncodeCall("lista", "op", json.RawMessage(`{bad`))
	assert.ErrorIs(t, err, ErrMalformedBody)

	big := `{"x":"` + strings.Repeat("a", MaxBodyLen) + `"}`
	_, err = EncodeCall("lista", "op", json.RawMessage(big))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestDecodeCallWithoutPayload(t *testing.T) {
	call, err := DecodeCall([]byte("listaget_lista_espera"))
	require.NoError(t, err)
	assert.Equal(t, "get_lista_espera", call.Operation)
	assert.JSONEq(t, `{}`, string(call.Payload))

	_, err = DecodeCall([]byte("lista"))
	assert.ErrorIs(t, err, ErrMalformedBody)

	_, err = DecodeCall([]byte("listaop not-json"))
	assert.ErrorIs(t, err, ErrMalformedBody)
}

func TestTaggedCall(t *testing.T) {
	tag := NewTag()
	require.Len(t, tag, tagLen)

	body, err := EncodeTaggedCall("lista", tag, "get_lista_espera", json.RawMessage(`[]`))
	require.NoError(t, err)
	assert.Equal(t, "lista#"+tag+"get_lista_espera []", string(body))

	call, err := DecodeCall(body)
	require.NoError(t, err)
	assert.Equal(t, tag, call.Tag)
	assert.Equal(t, "get_lista_espera", call.Operation)
}

func TestEncodeDecodeResponse(t *testing.T) {
	body, err := EncodeResponse("lista", true, json.RawMessage(`{"items": []}`))
	require.NoError(t, err)
	assert.Equal(t, `listaOK{"items":[]}`, string(body))

	resp := DecodeResponse(body)
	assert.True(t, resp.Parsed)
	assert.True(t, resp.OK())
	assert.Equal(t, "lista", resp.Service)
	assert.False(t, resp.DuplicatedStatus)
	assert.JSONEq(t, `{"items":[]}`, string(resp.Payload))
}

func TestDecodeResponseNK(t *testing.T) {
	body, err := EncodeResponse("lista", false, NKPayload("no existe"))
	require.NoError(t, err)

	resp := DecodeResponse(body)
	assert.True(t, resp.Parsed)
	assert.False(t, resp.OK())
	assert.Equal(t, StatusNK, resp.Status)
	assert.Equal(t, "no existe", resp.ErrorMessage())
}

func TestDecodeResponseDuplicatedStatus(t *testing.T) {
	resp := DecodeResponse([]byte(`listaOKOK{"data":[1,2]}`))
	assert.True(t, resp.Parsed)
	assert.True(t, resp.OK())
	assert.True(t, resp.DuplicatedStatus)
	assert.JSONEq(t, `{"data":[1,2]}`, string(resp.Payload))
}

func TestDecodeResponseLocatesJSON(t *testing.T) {
	resp := DecodeResponse([]byte(`listaOK  garbage [1,2,3]`))
	assert.True(t, resp.Parsed)
	assert.JSONEq(t, `[1,2,3]`, string(resp.Payload))
}

func TestDecodeResponseUnparseable(t *testing.T) {
	resp := DecodeResponse([]byte(`listaOKhello`))
	assert.False(t, resp.Parsed)
	assert.Equal(t, "hello", resp.Raw)

	short := DecodeResponse([]byte("lis"))
	assert.False(t, short.Parsed)
	assert.Equal(t, "lis", short.Raw)

	broken := DecodeResponse([]byte(`listaOK{"a":`))
	assert.False(t, broken.Parsed)
	assert.Equal(t, "plain", DecodeResponse([]byte("listaNKplain")).ErrorMessage())
}

func TestTaggedResponse(t *testing.T) {
	tag := NewTag()
	body, err := EncodeTaggedResponse("lista", tag, true, json.RawMessage(`{}`))
	require.NoError(t, err)

	resp := DecodeResponse(body)
	assert.Equal(t, tag, resp.Tag)
	assert.True(t, resp.OK())
	assert.True(t, resp.Parsed)
}

// '#' 后面不是32位十六进制时不视为关联标识
func TestSplitTagRequiresHex(t *testing.T) {
	rest := []byte("#" + strings.Repeat("z", tagLen) + "op {}")
	tag, out := splitTag(rest)
	assert.Empty(t, tag)
	assert.Equal(t, rest, out)
}
