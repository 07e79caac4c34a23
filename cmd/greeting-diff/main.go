package main

import (
	"fmt"
	"os"

	"github.com/PAE-HP-TARDOR-2025/firmware-updater/pkg/image"
)

// Desktop helper that inspects two firmware binaries and explains how the
// embedded greeting will change after the update. It never talks to
// hardware : it prints the greeting of each image and an fw-uploader hint.
// It does not check whether the two greetings differ.

func main() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: greeting-diff <current.bin> <next.bin>")
		fmt.Fprintln(os.Stderr, "Both images must embed a GREETING:<text> marker.")
		os.Exit(-1)
	}

	oldGreeting, err := image.ExtractGreeting(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(-1)
	}
	newGreeting, err := image.ExtractGreeting(os.Args[2])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(-1)
	}

	fmt.Printf("Current firmware greeting : %v\n", oldGreeting)
	fmt.Printf("Target firmware greeting  : %v\n", newGreeting)
	fmt.Printf("Action: upload %v to change the greeting from %q to %q\n", os.Args[2], oldGreeting, newGreeting)
	fmt.Printf("Hint: fw-uploader -node <nodeId> -bank <bank> %v\n", os.Args[2])
}
