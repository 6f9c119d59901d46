package types

import "fmt"

// Mode selects where the backend runs.
type Mode string

const (
	// ModeInContext runs the backend inside the host process.
	ModeInContext Mode = "context"
	// ModeProcess runs the backend as a separate OS process.
	ModeProcess Mode = "system"
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeInContext, ModeProcess:
		return Mode(s), nil
	case "":
		return ModeProcess, nil
	default:
		return "", fmt.Errorf("invalid mode %q (must be %q or %q)", s, ModeInContext, ModeProcess)
	}
}
