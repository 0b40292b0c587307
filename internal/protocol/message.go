// Package protocol implements the length-prefixed binary wire protocol
// spoken over the TCP signalling socket and the WebRTC data channel.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MsgType identifies a wire message.
type MsgType byte

// Wire message types. Values are stable; unknown types are dropped by
// receivers rather than treated as fatal.
const (
	MsgClientHello          MsgType = 0x01 // legacy pre-auth hello
	MsgServerHello          MsgType = 0x02
	MsgPositionUpdate       MsgType = 0x03
	MsgWorldState           MsgType = 0x04
	MsgAudioFrame           MsgType = 0x05 // legacy codec-framed audio
	MsgPlayerJoined         MsgType = 0x06
	MsgPlayerLeft           MsgType = 0x07
	MsgMuteStatus           MsgType = 0x08
	MsgPositionAck          MsgType = 0x09
	MsgLevelPackRequest     MsgType = 0x10 // legacy tarball fetch
	MsgLevelPackData        MsgType = 0x11 // legacy tarball fetch
	MsgDoorTransition       MsgType = 0x12
	MsgLevelManifestRequest MsgType = 0x13
	MsgLevelManifest        MsgType = 0x14
	MsgLevelFilesRequest    MsgType = 0x15
	MsgLevelFilesData       MsgType = 0x16
	MsgAuthChallenge        MsgType = 0x20
	MsgAuthResponse         MsgType = 0x21
	MsgAuthResult           MsgType = 0x22
	MsgPing                 MsgType = 0x30
	MsgPong                 MsgType = 0x31
	MsgWebRTCOffer          MsgType = 0x40
	MsgWebRTCAnswer         MsgType = 0x41
	MsgWebRTCICE            MsgType = 0x42
	MsgAudioTrackMap        MsgType = 0x43
)

// AuthResult codes carried in MsgAuthResult.
const (
	AuthSuccess          byte = 0
	AuthNameTaken        byte = 1 // name registered under a different key
	AuthKeyMismatch      byte = 2 // key registered under a different name
	AuthInvalidSignature byte = 3
	AuthInvalidName      byte = 4
	AuthAlreadyConnected byte = 5
)

// AuthResultString maps an AUTH_RESULT code to the user-visible failure text.
func AuthResultString(code byte) string {
	switch code {
	case AuthSuccess:
		return "success"
	case AuthNameTaken:
		return "name is already taken by another player"
	case AuthKeyMismatch:
		return "your key is registered with a different name"
	case AuthInvalidSignature:
		return "authentication failed (invalid signature)"
	case AuthInvalidName:
		return "invalid name"
	case AuthAlreadyConnected:
		return "you are already connected to this server"
	}
	return "unknown error"
}

// MaxFrameSize bounds a single wire frame. Frames above this are rejected
// before any payload allocation happens.
const MaxFrameSize = 16 << 20

// ErrMalformed reports a frame or payload that violates the wire format.
var ErrMalformed = errors.New("malformed message")

// ReadMessage reads one length-prefixed message from r. It validates the
// declared length before allocating the payload buffer.
func ReadMessage(r io.Reader) (MsgType, []byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(hdr[:])
	if length < 1 {
		return 0, nil, fmt.Errorf("%w: zero-length frame", ErrMalformed)
	}
	if length > MaxFrameSize {
		return 0, nil, fmt.Errorf("%w: frame of %d bytes exceeds limit", ErrMalformed, length)
	}
	var tb [1]byte
	if _, err := io.ReadFull(r, tb[:]); err != nil {
		return 0, nil, err
	}
	payload := make([]byte, length-1)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return MsgType(tb[0]), payload, nil
}

// WriteMessage writes one length-prefixed message to w.
func WriteMessage(w io.Writer, t MsgType, payload []byte) error {
	buf := Frame(t, payload)
	_, err := w.Write(buf)
	return err
}

// Frame returns the full wire encoding of a message, header included.
// Data-channel sends use this directly since the channel is message-oriented.
func Frame(t MsgType, payload []byte) []byte {
	buf := make([]byte, 5+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(1+len(payload)))
	buf[4] = byte(t)
	copy(buf[5:], payload)
	return buf
}

// ParseFrame splits a complete framed message (as received from the data
// channel) into its type and payload.
func ParseFrame(data []byte) (MsgType, []byte, error) {
	if len(data) < 5 {
		return 0, nil, fmt.Errorf("%w: frame shorter than header", ErrMalformed)
	}
	length := binary.BigEndian.Uint32(data)
	if length < 1 || int(length) != len(data)-4 {
		return 0, nil, fmt.Errorf("%w: frame length %d does not match %d bytes", ErrMalformed, length, len(data)-4)
	}
	return MsgType(data[4]), data[5:], nil
}
