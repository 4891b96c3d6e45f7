package beacon

import (
	"bytes"
	"compress/zlib"
	"io"

	"github.com/gorilla/websocket"
)

// decodeFrame turns a raw websocket frame into a Packet. Binary frames
// carry zlib compressed payloads and are inflated before decoding, text
// frames decode directly.
func decodeFrame(messageType int, message []byte) (p *Packet, err error) {
	var reader io.Reader
	reader = bytes.NewBuffer(message)

	if messageType == websocket.BinaryMessage {
		z, err2 := zlib.NewReader(reader)
		if err2 != nil {
			return nil, err2
		}
		defer z.Close()
		reader = z
	}

	decoder := json.NewDecoder(reader)
	if err = decoder.Decode(&p); err != nil {
		return nil, err
	}

	return p, nil
}

// encodePacket renders an outbound packet as a text frame. Compression is
// only requested on the receive path so outbound frames are always plain
// JSON.
func encodePacket(p *Packet) ([]byte, error) {
	return json.Marshal(p)
}
