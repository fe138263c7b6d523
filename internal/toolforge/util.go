package toolforge

import (
	"context"
	"fmt"
	"time"
)

// color-compatible printer interface (works with *color.Theme and *color.Style)
type colorPrinter interface {
	Printf(format string, a ...any)
	Println(a ...any)
}

// cPrintf prints with a colored style or falls back to fmt.Printf when nil
func cPrintf(p colorPrinter, format string, a ...any) {
	if p == nil {
		fmt.Printf(format, a...)
		return
	}
	p.Printf(format, a...)
}

// cPrintln prints a line with the given style or falls back to fmt.Println when nil
func cPrintln(p colorPrinter, a ...any) {
	if p == nil {
		fmt.Println(a...)
		return
	}
	p.Println(a...)
}

// arrowf prints a "-> " prefixed status line in the success color.
func arrowf(format string, a ...any) {
	colArrow.Print("-> ")
	colSuccess.Printf(format, a...)
}

// debugf writes debug messages to the library logger when Debug is true
func debugf(format string, args ...any) {
	if Debug {
		fmt.Fprintf(logger, format, args...)
	}
}

// warnf always reaches the library logger.
func warnf(format string, args ...any) {
	fmt.Fprint(logger, colWarn.Sprint("warning: "))
	fmt.Fprintf(logger, format, args...)
}

// send delivers v unless ctx ends first, in which case v is dropped.
func send[T any](ctx context.Context, ch chan<- T, v T) {
	select {
	case ch <- v:
	case <-ctx.Done():
	}
}

// sendFinal delivers a terminal event. After cancellation a consumer that is
// still draining gets it; one that went away is given up on after
// DefaultReaderGrace so the producer goroutine can exit.
func sendFinal[T any](ctx context.Context, ch chan<- T, v T) {
	select {
	case ch <- v:
		return
	case <-ctx.Done():
	}
	t := time.NewTimer(DefaultReaderGrace)
	defer t.Stop()
	select {
	case ch <- v:
	case <-t.C:
		debugf("dropped terminal event, nobody is reading\n")
	}
}
