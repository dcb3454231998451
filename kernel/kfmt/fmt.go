// Package kfmt provides Printf/Fprintf helpers that work once the kernel
// heap is available, for use after early boot (driver probing, syscall
// diagnostics, panics triggered past init). Before the heap exists, use
// kernel/kfmt/early instead.
package kfmt

import (
	"io"

	"github.com/HTRMC/Graphene-Kernel/kernel/kfmt/early"
)

var outputSink io.Writer

// sinkAdapter lets kfmt reuse early's allocation-free formatter by adapting
// an io.Writer into early.Sink.
type sinkAdapter struct{ w io.Writer }

func (a sinkAdapter) WriteByte(b byte) { a.w.Write([]byte{b}) }

// SetOutputSink installs the default destination for Printf.
func SetOutputSink(w io.Writer) {
	outputSink = w
}

// GetOutputSink returns the currently installed output sink.
func GetOutputSink() io.Writer {
	return outputSink
}

// Printf formats according to a format specifier and writes to the
// installed output sink.
func Printf(format string, args ...interface{}) {
	if outputSink == nil {
		return
	}
	Fprintf(outputSink, format, args...)
}

// Fprintf formats according to a format specifier and writes to w. It
// delegates to early.Printf's allocation-free formatter by installing w as
// early's sink, which stays installed after Fprintf returns; safe because the
// kernel is single-threaded outside of interrupt handlers, which never call
// Fprintf.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	early.SetSink(sinkAdapter{w})
	early.Printf(format, args...)
}

// PrefixWriter writes Prefix before the first Write call after each Reset,
// then forwards everything to Sink, so the output written through it between
// two Resets starts with that tag (e.g. a driver's name and version).
type PrefixWriter struct {
	Sink   io.Writer
	Prefix []byte

	wrote bool
}

// Reset clears the "have I written the prefix yet" state so the next Write
// call emits Prefix again.
func (w *PrefixWriter) Reset() {
	w.wrote = false
}

// Write implements io.Writer.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	if !w.wrote {
		w.Sink.Write(w.Prefix)
		w.wrote = true
	}
	return w.Sink.Write(p)
}
