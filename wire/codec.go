// Copyright (c) 2013-2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// MaxMessagePayload is the maximum encoded payload size accepted for any
// single message, regardless of per-type limits.
const MaxMessagePayload = 32 * 1024 * 1024

// frameHeaderSize is the 2-byte type plus 4-byte length prefix every
// message is framed with.
const frameHeaderSize = 2 + 4

// WriteMessage frames msg as [2-byte type][4-byte length][payload] and
// writes it to w, returning the total bytes written. The length prefix
// (absent from the lnwire.Message framing this is grounded on) lets a
// reader bound its read and reject oversized frames before decoding,
// rather than relying on each message's own decoder to stop itself.
func WriteMessage(w io.Writer, msg Message) (int, error) {
	var payload bytes.Buffer
	if err := msg.Encode(&payload); err != nil {
		return 0, err
	}
	if payload.Len() > MaxMessagePayload {
		return 0, fmt.Errorf("wire: encoded %s payload is %d bytes, exceeds max %d",
			msg.Command(), payload.Len(), MaxMessagePayload)
	}

	var header [frameHeaderSize]byte
	binary.BigEndian.PutUint16(header[0:2], uint16(msg.Command()))
	binary.BigEndian.PutUint32(header[2:6], uint32(payload.Len()))

	n, err := w.Write(header[:])
	if err != nil {
		return n, err
	}
	m, err := w.Write(payload.Bytes())
	return n + m, err
}

// ReadMessage reads one framed message from r, dispatching to the
// concrete Message type its frame header names.
func ReadMessage(r io.Reader) (Message, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	msgType := MessageType(binary.BigEndian.Uint16(header[0:2]))
	length := binary.BigEndian.Uint32(header[2:6])
	if length > MaxMessagePayload {
		return nil, fmt.Errorf("wire: frame declares %d byte payload, exceeds max %d",
			length, MaxMessagePayload)
	}

	msg, err := makeEmptyMessage(msgType)
	if err != nil {
		return nil, err
	}

	body := io.LimitReader(r, int64(length))
	if err := msg.Decode(body); err != nil {
		return nil, err
	}
	return msg, nil
}
