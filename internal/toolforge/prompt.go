package toolforge

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// interactiveMu ensures only one prompt reads stdin at a time.
var interactiveMu sync.Mutex

// promptInput is where confirmations are read from.
var promptInput io.Reader = os.Stdin

// askForConfirmation prints "<prompt> [Y/n]: " and loops until it gets an
// answer. An empty answer is yes; EOF or a read error is no.
func askForConfirmation(p colorPrinter, format string, a ...any) bool {
	interactiveMu.Lock()
	defer interactiveMu.Unlock()

	reader := bufio.NewReader(promptInput)
	fullPrompt := fmt.Sprintf("%s [Y/n]: ", fmt.Sprintf(format, a...))
	for {
		cPrintf(p, "%s", fullPrompt)
		response, err := reader.ReadString('\n')
		response = strings.ToLower(strings.TrimSpace(response))
		if err != nil && response == "" {
			return false
		}

		switch response {
		case "", "y", "yes":
			return true
		case "n", "no":
			return false
		}
		if err != nil {
			return false
		}
		cPrintln(colWarn, "Invalid input.")
	}
}
