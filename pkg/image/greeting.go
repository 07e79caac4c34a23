package image

import (
	"bytes"
	"errors"
	"fmt"
	"os"
)

// Binaries built for the demo slave embed a marker string of the form
// "GREETING:<text>\0". Locating it lets an operator compare two images
// before streaming one over the bus. This is a diagnostic aid, not part
// of the transfer protocol.

const GreetingTag = "GREETING:"

var ErrNoGreeting = errors.New("no greeting marker found")

// ExtractGreeting locates the greeting marker inside the binary at path
// and returns the embedded text
func ExtractGreeting(path string) (string, error) {
	buffer, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("unable to open %v : %w", path, err)
	}
	if len(buffer) == 0 {
		return "", fmt.Errorf("file %v is empty", path)
	}
	return FindGreeting(buffer)
}

// FindGreeting locates the greeting marker inside an in-memory image
func FindGreeting(buffer []byte) (string, error) {
	idx := bytes.Index(buffer, []byte(GreetingTag))
	if idx < 0 {
		return "", ErrNoGreeting
	}
	start := idx + len(GreetingTag)
	end := bytes.IndexByte(buffer[start:], 0)
	if end < 0 {
		return "", errors.New("greeting marker is not terminated")
	}
	return string(buffer[start : start+end]), nil
}
