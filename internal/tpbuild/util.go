package tpbuild

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
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

// debugf prints debug messages when Debug is true
func debugf(format string, args ...any) {
	if Debug {
		fmt.Printf(format, args...)
	}
}

// logStep prints a "-> message" progress line.
func logStep(format string, args ...any) {
	colArrow.Print("-> ")
	colSuccess.Printf(format+"\n", args...)
}

// heading prints a banner separating the variants of a run.
func heading(title string) {
	line := strings.Repeat("-", 80)
	cPrintln(colNote, line)
	cPrintln(colNote, title)
	cPrintln(colNote, line)
}

// prefixWriter prefixes every complete line written to it. Partial lines
// are held back until a newline arrives or Flush is called.
type prefixWriter struct {
	prefix string
	out    io.Writer
	buf    []byte
}

func newPrefixWriter(out io.Writer, prefix string) *prefixWriter {
	if out == nil {
		out = os.Stdout
	}
	return &prefixWriter{prefix: prefix, out: out}
}

func (w *prefixWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		if _, err := fmt.Fprintf(w.out, "[%s] %s\n", w.prefix, w.buf[:i]); err != nil {
			return 0, err
		}
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// Flush writes out any trailing partial line.
func (w *prefixWriter) Flush() {
	if len(w.buf) > 0 {
		fmt.Fprintf(w.out, "[%s] %s\n", w.prefix, w.buf)
		w.buf = nil
	}
}

// dumpEnv prints the environment a build step will see.
func dumpEnv(env []string) {
	cPrintln(colNote, "Environment:")
	for _, kv := range env {
		fmt.Println("  " + kv)
	}
}
