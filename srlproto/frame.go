package srlproto

import (
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize is the largest encoded message a frame can carry; the length
// prefix is two bytes, little endian.
const MaxFrameSize = 65535

var ErrFrameTooLarge = errors.New("srlproto: frame too large")

// AppendFrame appends the length-prefixed encoding of m to b.
func AppendFrame(b []byte, m *Message) ([]byte, error) {
	data := m.Marshal()
	length := len(data)
	if length > MaxFrameSize {
		return b, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	b = append(b, byte(length&255), byte((length&65535)>>8))
	return append(b, data...), nil
}

// WriteFrame writes m to w as a single frame.
func WriteFrame(w io.Writer, m *Message) error {
	frame, err := AppendFrame(make([]byte, 0, 64), m)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// ReadFrame reads one frame from r. A clean end of stream before the length
// prefix is reported as io.EOF; a truncated frame as io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader) (*Message, error) {
	var l [2]byte
	if _, err := io.ReadFull(r, l[:]); err != nil {
		return nil, err
	}
	length := int(l[1])*256 + int(l[0])
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	m := &Message{}
	if err := m.Unmarshal(data); err != nil {
		return nil, err
	}
	return m, nil
}
