package doctor

import (
	"context"
	"fmt"

	"github.com/atotto/clipboard"
)

const clipboardSample = "voicelink-doctor-test"

// checkClipboard round-trips a sample string and restores what was there.
func checkClipboard(_ context.Context, _ Options) (string, error) {
	if clipboard.Unsupported {
		return "no clipboard utility found (install xclip, xsel or wl-clipboard)", errSkipped
	}
	saved, _ := clipboard.ReadAll()
	defer clipboard.WriteAll(saved)

	if err := clipboard.WriteAll(clipboardSample); err != nil {
		return "", fmt.Errorf("clipboard write: %w", err)
	}
	got, err := clipboard.ReadAll()
	if err != nil {
		return "", fmt.Errorf("clipboard read: %w", err)
	}
	if got != clipboardSample {
		return "", fmt.Errorf("clipboard returned %q, want %q", got, clipboardSample)
	}
	return "copy of transcriptions will work", nil
}
