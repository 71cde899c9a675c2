package serde

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type order struct {
	ID     string  `json:"id"`
	Amount float64 `json:"amount"`
}

func TestBytes(t *testing.T) {
	got, err := Bytes.Serialize("t", "abc")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got)

	got, err = Bytes.Serialize("t", nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = Bytes.Serialize("t", 42)
	require.ErrorIs(t, err, ErrUnsupportedType)
}

func TestString(t *testing.T) {
	got, err := String.Serialize("t", 42)
	require.NoError(t, err)
	assert.Equal(t, []byte("42"), got)
}

func TestJSON(t *testing.T) {
	data, err := JSON.Serialize("orders", order{ID: "o-1", Amount: 9.5})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"o-1","amount":9.5}`, string(data))

	var back order
	require.NoError(t, Decode(data, &back))
	assert.Equal(t, order{ID: "o-1", Amount: 9.5}, back)

	raw, err := JSON.Serialize("orders", []byte(`{"already":"encoded"}`))
	require.NoError(t, err)
	assert.Equal(t, `{"already":"encoded"}`, string(raw))

	null, err := JSON.Serialize("orders", nil)
	require.NoError(t, err)
	assert.Nil(t, null)
}

func TestJSON_Unsupported(t *testing.T) {
	_, err := JSON.Serialize("orders", make(chan int))
	require.Error(t, err)
}
