// Copyright (c) 2013-2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/ironveil/node/primitives"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, msg Message) Message {
	t.Helper()
	var buf bytes.Buffer
	_, err := WriteMessage(&buf, msg)
	require.NoError(t, err)

	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	require.Equal(t, msg.Command(), got.Command())
	return got
}

func TestGetHeadersRoundTrip(t *testing.T) {
	msg := &GetHeaders{StartHeight: 100, Count: 2000}
	got := roundTrip(t, msg).(*GetHeaders)
	require.Equal(t, msg, got)
}

func TestHeadersRoundTrip(t *testing.T) {
	h := primitives.BlockHeader{
		Version:       1,
		PrevBlockHash: chainhash.Hash{1, 2, 3},
		MerkleRoot:    chainhash.Hash{4, 5, 6},
		Timestamp:     1700000000,
		Bits:          0x1d00ffff,
		Nonce:         42,
		Height:        7,
	}
	msg := &Headers{Headers: []primitives.BlockHeader{h, h}}
	got := roundTrip(t, msg).(*Headers)
	require.Len(t, got.Headers, 2)
	require.Equal(t, h, got.Headers[0])
	require.Equal(t, h.Hash(), got.Headers[1].Hash())
}

func TestHeadersRoundTripEmpty(t *testing.T) {
	msg := &Headers{}
	got := roundTrip(t, msg).(*Headers)
	require.Empty(t, got.Headers)
}

func TestGetBlockRoundTrip(t *testing.T) {
	msg := &GetBlock{Hash: chainhash.Hash{9, 9, 9}}
	got := roundTrip(t, msg).(*GetBlock)
	require.Equal(t, msg.Hash, got.Hash)
}

func TestBlockRoundTrip(t *testing.T) {
	msg := &Block{
		Header:       primitives.BlockHeader{Height: 5},
		Transactions: [][]byte{{1, 2, 3}, {4, 5}, {}},
	}
	got := roundTrip(t, msg).(*Block)
	require.Equal(t, msg.Header, got.Header)
	require.Equal(t, msg.Transactions, got.Transactions)
}

func TestBlockAnnouncementRoundTrip(t *testing.T) {
	msg := &BlockAnnouncement{Hash: chainhash.Hash{7}, Height: 123}
	got := roundTrip(t, msg).(*BlockAnnouncement)
	require.Equal(t, msg, got)
}

func TestCheckpointAnnouncementRoundTrip(t *testing.T) {
	msg := &CheckpointAnnouncement{Height: 210000, Hash: chainhash.Hash{3, 1, 4}}
	got := roundTrip(t, msg).(*CheckpointAnnouncement)
	require.Equal(t, msg, got)
}

func TestPingPongRoundTrip(t *testing.T) {
	ping := &Ping{Nonce: 0xdeadbeef}
	gotPing := roundTrip(t, ping).(*Ping)
	require.Equal(t, ping, gotPing)

	pong := &Pong{Nonce: 0xfeedface}
	gotPong := roundTrip(t, pong).(*Pong)
	require.Equal(t, pong, gotPong)
}

func TestChallengeRoundTrip(t *testing.T) {
	req := &ChallengeRequest{Challenge: [32]byte{1, 2, 3}}
	gotReq := roundTrip(t, req).(*ChallengeRequest)
	require.Equal(t, req, gotReq)

	resp := &ChallengeResponse{Response: []byte("signed-response")}
	gotResp := roundTrip(t, resp).(*ChallengeResponse)
	require.Equal(t, resp, gotResp)
}

func TestReadMessageRejectsUnknownType(t *testing.T) {
	var buf bytes.Buffer
	header := [6]byte{0xff, 0xff, 0, 0, 0, 0}
	buf.Write(header[:])

	_, err := ReadMessage(&buf)
	require.Error(t, err)
	var unknown *UnknownMessage
	require.ErrorAs(t, err, &unknown)
}

func TestReadMessageRejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	var header [6]byte
	header[0] = byte(MsgPing >> 8)
	header[1] = byte(MsgPing)
	// declare a payload far larger than MaxMessagePayload
	header[2], header[3], header[4], header[5] = 0xff, 0xff, 0xff, 0xff
	buf.Write(header[:])

	_, err := ReadMessage(&buf)
	require.Error(t, err)
}
