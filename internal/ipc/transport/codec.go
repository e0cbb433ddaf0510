package transport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"google.golang.org/protobuf/proto"
)

// maxFrame bounds a single frame.
const maxFrame = 16 << 20

// writeProto writes a length-prefixed protobuf message to w.
func writeProto(w io.Writer, m proto.Message) error {
	b, err := proto.Marshal(m)
	if err != nil {
		return err
	}
	// Varint length then payload, in one write so frames never interleave.
	var lenbuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenbuf[:], uint64(len(b)))
	_, err = w.Write(append(lenbuf[:n:n], b...))
	return err
}

// readProto reads a single length-prefixed protobuf message into dst. br
// must be reused across calls on one stream.
func readProto(br *bufio.Reader, dst proto.Message) error {
	ln, err := binary.ReadUvarint(br)
	if err != nil {
		return err
	}
	if ln > maxFrame {
		return fmt.Errorf("message too large: %d", ln)
	}
	buf := make([]byte, ln)
	if _, err := io.ReadFull(br, buf); err != nil {
		return err
	}
	return proto.Unmarshal(buf, dst)
}
