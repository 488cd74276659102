package ble

import "strings"

// requestSentinel is the bare token the server may send instead of a
// human-readable "request" notification.
const requestSentinel = "loc_req"

// frameTerminator closes every outbound frame so the peer can reassemble
// chunked writes.
const frameTerminator = '\n'

// chunkFrame appends the frame terminator to payload and splits the
// result into chunks of at most size bytes. Concatenating the chunks in
// order reproduces the payload plus one trailing terminator.
func chunkFrame(payload []byte, size int) [][]byte {
	framed := make([]byte, 0, len(payload)+1)
	framed = append(framed, payload...)
	framed = append(framed, frameTerminator)
	if size <= 0 {
		return [][]byte{framed}
	}
	chunks := make([][]byte, 0, (len(framed)+size-1)/size)
	for len(framed) > size {
		chunks = append(chunks, framed[:size])
		framed = framed[size:]
	}
	return append(chunks, framed)
}

// isLocationRequest classifies an inbound notification. A notification is
// a location request when its text contains "request" in any case or is
// exactly the sentinel token; everything else is ignored.
func isLocationRequest(data []byte) bool {
	text := string(data)
	if text == requestSentinel {
		return true
	}
	return strings.Contains(strings.ToLower(text), "request")
}
