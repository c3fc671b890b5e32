// Command say synthesizes several named texts at once over a single
// multi-context TTS connection.
//
// Usage:
//
//	say --context greeting="Hello there" --context farewell="Goodbye" --out ./audio
//
// Each context is written to <out>/<name>.<ext>. Credentials default to the
// TTS_API_KEY and TTS_VOICE_ID environment variables; --dry-run answers
// locally without any network access.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
