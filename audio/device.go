package audio

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
)

var (
	ErrNoDevices      = errors.New("no capture devices found")
	ErrSelectCanceled = errors.New("device selection canceled")
)

// FindDevice returns the capture device whose ID or name matches name,
// falling back to a case-insensitive substring match on the name. An empty
// name selects the system default (nil).
func FindDevice(ctx Context, name string) (*DeviceInfo, error) {
	if name == "" {
		return nil, nil
	}
	devices, err := ctx.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerating devices: %w", err)
	}
	for i, d := range devices {
		if d.ID == name || d.Name == name {
			return &devices[i], nil
		}
	}
	lower := strings.ToLower(name)
	for i, d := range devices {
		if strings.Contains(strings.ToLower(d.Name), lower) {
			return &devices[i], nil
		}
	}
	return nil, fmt.Errorf("capture device %q not found", name)
}

// SelectDevice presents an interactive device picker on the terminal.
// With a single device it returns that device without prompting.
func SelectDevice(ctx Context) (*DeviceInfo, error) {
	devices, err := ctx.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerating devices: %w", err)
	}
	if len(devices) == 0 {
		return nil, ErrNoDevices
	}
	if len(devices) == 1 {
		return &devices[0], nil
	}

	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("setting raw mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	cursor := 0
	render := func() {
		fmt.Print("\r\x1b[J")
		fmt.Print("Select microphone (↑/↓, Enter to confirm):\r\n\r\n")
		for i, d := range devices {
			tag := ""
			if IsBluetooth(d.Name) {
				tag = " \x1b[33m[bluetooth, narrowband]\x1b[0m"
			}
			if i == cursor {
				fmt.Printf("  \x1b[1;36m▶ %s%s\x1b[0m\r\n", d.Name, tag)
			} else {
				fmt.Printf("    %s%s\r\n", d.Name, tag)
			}
		}
	}
	render()

	buf := make([]byte, 3)
	for {
		n, err := os.Stdin.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("reading input: %w", err)
		}
		switch readKey(buf[:n]) {
		case keyConfirm:
			fmt.Print("\r\n")
			return &devices[cursor], nil
		case keyCancel:
			fmt.Print("\r\n")
			return nil, ErrSelectCanceled
		case keyDown:
			cursor = min(cursor+1, len(devices)-1)
		case keyUp:
			cursor = max(cursor-1, 0)
		default:
			continue
		}
		fmt.Printf("\x1b[%dA", len(devices)+2)
		render()
	}
}

type pickerKey int

const (
	keyNone pickerKey = iota
	keyUp
	keyDown
	keyConfirm
	keyCancel
)

// readKey decodes one read from a raw-mode terminal. Arrow keys arrive as
// three-byte CSI sequences.
func readKey(b []byte) pickerKey {
	if len(b) == 3 && b[0] == 0x1b && b[1] == '[' {
		switch b[2] {
		case 'A':
			return keyUp
		case 'B':
			return keyDown
		}
		return keyNone
	}
	if len(b) != 1 {
		return keyNone
	}
	switch b[0] {
	case '\r', '\n':
		return keyConfirm
	case 3, 'q': // ctrl+c
		return keyCancel
	case 'k':
		return keyUp
	case 'j':
		return keyDown
	}
	return keyNone
}
