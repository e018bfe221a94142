package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
)

// Decode failures. Callers drop the frame and keep reading; none of these is
// ever fatal.
var (
	ErrFrameTooShort = errors.New("wire: frame too short")
	ErrBadLength     = errors.New("wire: declared length does not match frame")
	ErrBadJSON       = errors.New("wire: malformed metadata json")
	ErrUnknownKind   = errors.New("wire: unknown message kind")
)

const lenHeaderSize = 4

// Encode serializes a frame as <len:u32 big-endian><metadata json "\n"><payload>.
// The length covers the metadata line and the payload, not the header itself.
func Encode(f Frame) ([]byte, error) {
	meta, err := json.Marshal(f.Meta)
	if err != nil {
		return nil, err
	}

	body := len(meta) + 1 + len(f.Payload)
	buf := make([]byte, lenHeaderSize, lenHeaderSize+body)
	binary.BigEndian.PutUint32(buf, uint32(body))
	buf = append(buf, meta...)
	buf = append(buf, '\n')
	buf = append(buf, f.Payload...)
	return buf, nil
}

// Decode parses a frame produced by Encode. The returned payload aliases no
// part of the input.
func Decode(data []byte) (Frame, error) {
	if len(data) < lenHeaderSize {
		return Frame{}, ErrFrameTooShort
	}

	declared := binary.BigEndian.Uint32(data)
	body := data[lenHeaderSize:]
	if uint32(len(body)) != declared {
		return Frame{}, ErrBadLength
	}

	nl := bytes.IndexByte(body, '\n')
	if nl < 0 {
		return Frame{}, ErrFrameTooShort
	}

	var meta Metadata
	if err := json.Unmarshal(body[:nl], &meta); err != nil {
		return Frame{}, ErrBadJSON
	}
	if _, ok := knownKinds[meta.Kind]; !ok {
		return Frame{}, ErrUnknownKind
	}

	var payload []byte
	if rest := body[nl+1:]; len(rest) > 0 {
		payload = make([]byte, len(rest))
		copy(payload, rest)
	}
	return Frame{Meta: meta, Payload: payload}, nil
}
