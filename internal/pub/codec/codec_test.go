package codec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"kpub/internal/pub"
)

func TestEncodeDecode(t *testing.T) {
	ts := time.UnixMilli(1_700_000_000_000)
	records := []pub.Record{
		{Key: []byte("k1"), Value: []byte("v1"), Timestamp: ts},
		{Key: nil, Value: []byte("tombstone-less"), Timestamp: ts.Add(time.Millisecond)},
		{Key: []byte("k3"), Value: nil, Timestamp: ts, Headers: []pub.Header{{Key: "trace", Value: []byte("abc")}}},
	}
	h := pub.BatchHeader{
		Magic:         2,
		Compression:   pub.CompressionSnappy,
		ProducerID:    7,
		ProducerEpoch: 3,
		BaseSequence:  42,
		Transactional: true,
	}

	b, err := New().Encode(h, records)
	require.NoError(t, err)

	gotH, gotRecords, err := New().Decode(b)
	require.NoError(t, err)
	require.Equal(t, h, gotH)
	require.Len(t, gotRecords, 3)
	require.Equal(t, []byte("k1"), gotRecords[0].Key)
	require.Nil(t, gotRecords[1].Key)
	require.Nil(t, gotRecords[2].Value)
	require.Equal(t, "trace", gotRecords[2].Headers[0].Key)
	require.True(t, gotRecords[1].Timestamp.Equal(ts.Add(time.Millisecond)))
}

func TestDecodeTruncated(t *testing.T) {
	b, err := New().Encode(pub.BatchHeader{Magic: 2}, []pub.Record{{Value: []byte("v")}})
	require.NoError(t, err)

	_, _, err = New().Decode(b[:len(b)-1])
	require.Error(t, err)
}

func TestEstimateRecordSize(t *testing.T) {
	require.Equal(t, 21+100, EstimateRecordSize(2, nil, make([]byte, 100), nil))
	require.Equal(t, 34+2+3, EstimateRecordSize(1, []byte("ab"), []byte("cde"), nil))
	require.Equal(t, 26+1+10+1, EstimateRecordSize(0, nil, []byte("x"), []pub.Header{{Key: "h"}}))
}
