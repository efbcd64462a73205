// Package protocol encodes the binary counter-reset command understood by the
// metering devices and decodes their acknowledgments.
//
// Frame layout (11 bytes):
//
//	[0]    0xAA        start marker
//	[1]    command     0x10 reset, 0x90 ack, 0x91 nak
//	[2]    0x06        length of register + channel + padding
//	[3]    0x20        register (counter block)
//	[4]    channel     1..4
//	[5:9]  0x00 x4     padding
//	[9:11] 0x0D 0x0A   end marker
package protocol

import (
	"encoding/json"
	"fmt"

	"iot-counter-backend/internal/errs"
	"iot-counter-backend/internal/models"
)

const (
	FrameSize = 11

	StartMarker   byte = 0xAA
	CmdReset      byte = 0x10
	CmdResetAck   byte = 0x90
	CmdResetNak   byte = 0x91
	PayloadLength byte = 0x06
	RegCounter    byte = 0x20
	EndMarker1    byte = 0x0D
	EndMarker2    byte = 0x0A

	channelOffset = 4
)

// ErrMalformedFrame is returned when a frame fails structural validation
var ErrMalformedFrame = fmt.Errorf("malformed frame: %w", errs.ErrInvalidInput)

// EncodeResetFrame builds the reset command for a channel
func EncodeResetFrame(ch models.Channel) ([]byte, error) {
	return encode(CmdReset, ch)
}

// DecodeResetFrame validates a reset command and returns its channel
func DecodeResetFrame(frame []byte) (models.Channel, error) {
	cmd, ch, err := decode(frame)
	if err != nil {
		return 0, err
	}
	if cmd != CmdReset {
		return 0, fmt.Errorf("command 0x%02X is not a reset: %w", cmd, ErrMalformedFrame)
	}
	return ch, nil
}

func encode(cmd byte, ch models.Channel) ([]byte, error) {
	if err := ch.Validate(); err != nil {
		return nil, err
	}
	frame := make([]byte, FrameSize)
	frame[0] = StartMarker
	frame[1] = cmd
	frame[2] = PayloadLength
	frame[3] = RegCounter
	frame[channelOffset] = byte(ch)
	// frame[5:9] stays zero
	frame[9] = EndMarker1
	frame[10] = EndMarker2
	return frame, nil
}

func decode(frame []byte) (byte, models.Channel, error) {
	if len(frame) != FrameSize {
		return 0, 0, fmt.Errorf("frame length %d, want %d: %w", len(frame), FrameSize, ErrMalformedFrame)
	}
	if frame[0] != StartMarker || frame[9] != EndMarker1 || frame[10] != EndMarker2 {
		return 0, 0, fmt.Errorf("bad frame markers: %w", ErrMalformedFrame)
	}
	if frame[2] != PayloadLength || frame[3] != RegCounter {
		return 0, 0, fmt.Errorf("bad length/register bytes: %w", ErrMalformedFrame)
	}
	for _, b := range frame[5:9] {
		if b != 0 {
			return 0, 0, fmt.Errorf("non-zero padding: %w", ErrMalformedFrame)
		}
	}
	ch := models.Channel(frame[channelOffset])
	if err := ch.Validate(); err != nil {
		return 0, 0, err
	}
	return frame[1], ch, nil
}

// Response is a device acknowledgment for a reset command
type Response struct {
	Channel models.Channel
	Success bool
}

type jsonResponse struct {
	Channel int  `json:"channel"`
	Success bool `json:"success"`
}

// DecodeResponse accepts either a binary ack/nak frame or a JSON body
// {"channel":n,"success":bool}
func DecodeResponse(payload []byte) (Response, error) {
	if len(payload) == FrameSize && payload[0] == StartMarker {
		cmd, ch, err := decode(payload)
		if err != nil {
			return Response{}, err
		}
		switch cmd {
		case CmdResetAck:
			return Response{Channel: ch, Success: true}, nil
		case CmdResetNak:
			return Response{Channel: ch, Success: false}, nil
		default:
			return Response{}, fmt.Errorf("command 0x%02X is not a response: %w", cmd, ErrMalformedFrame)
		}
	}

	var body jsonResponse
	if err := json.Unmarshal(payload, &body); err != nil {
		return Response{}, fmt.Errorf("response is neither frame nor JSON: %v: %w", err, ErrMalformedFrame)
	}
	ch := models.Channel(body.Channel)
	if body.Channel < 0 || body.Channel > 255 {
		return Response{}, fmt.Errorf("channel %d: %w", body.Channel, errs.ErrInvalidChannel)
	}
	if err := ch.Validate(); err != nil {
		return Response{}, err
	}
	return Response{Channel: ch, Success: body.Success}, nil
}

// EncodeResponse builds an ack (success) or nak frame; used by device simulators and tests
func EncodeResponse(ch models.Channel, success bool) ([]byte, error) {
	if success {
		return encode(CmdResetAck, ch)
	}
	return encode(CmdResetNak, ch)
}
