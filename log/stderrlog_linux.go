//go:build linux

package log

import (
	"os"
	"syscall"
)

// newStderrLogger builds a logger writing to stderr, optionally duplicating
// the original stderr fd onto a file so a daemonized process keeps a
// recoverable copy of anything a crashing dependency writes directly to fd 2.
func newStderrLogger(fileOverride string, cb StderrCallback) (lgr *Logger, err error) {
	var oldstderr int
	var fout *os.File
	lgr = New(os.Stderr)
	if len(fileOverride) > 0 {
		if fout, err = os.Create(fileOverride); err != nil {
			return
		}
		if cb != nil {
			cb(fout)
		}
		if oldstderr, err = syscall.Dup(int(os.Stderr.Fd())); err != nil {
			fout.Close()
			return
		}
		lgr.AddWriter(os.NewFile(uintptr(oldstderr), "oldstderr"))
		if err = syscall.Dup2(int(fout.Fd()), int(os.Stderr.Fd())); err != nil {
			fout.Close()
		}
	}
	return
}
