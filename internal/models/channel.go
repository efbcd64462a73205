package models

import (
	"fmt"
	"strconv"
	"strings"

	"iot-counter-backend/internal/errs"
)

// Channel selects one of the four counting inputs on a device
type Channel uint8

const (
	Channel1 Channel = 1
	Channel2 Channel = 2
	Channel3 Channel = 3
	Channel4 Channel = 4
)

// AllChannels lists every valid channel in order
var AllChannels = []Channel{Channel1, Channel2, Channel3, Channel4}

// Valid reports whether c is one of the four device channels
func (c Channel) Valid() bool {
	return c >= Channel1 && c <= Channel4
}

// Validate returns ErrInvalidChannel for anything outside 1..4
func (c Channel) Validate() error {
	if !c.Valid() {
		return fmt.Errorf("channel %d: %w", c, errs.ErrInvalidChannel)
	}
	return nil
}

func (c Channel) String() string {
	return "counter_" + strconv.Itoa(int(c))
}

// ParseChannel accepts "1".."4" or "counter_1".."counter_4"
func ParseChannel(s string) (Channel, error) {
	s = strings.TrimPrefix(strings.TrimSpace(strings.ToLower(s)), "counter_")
	n, err := strconv.Atoi(s)
	if err != nil || n < int(Channel1) || n > int(Channel4) {
		return 0, fmt.Errorf("channel %q: %w", s, errs.ErrInvalidChannel)
	}
	return Channel(n), nil
}
