package hxutils

import "github.com/helixengine/helixnet/engine/hxlog"

// RunPanicless calls a function panic-freely
func RunPanicless(f func()) (paniced bool) {
	defer func() {
		err := recover()
		if err != nil {
			hxlog.TraceError("%s panic: %s", f, err)
			paniced = true
		}
	}()

	f()
	return
}

// RepeatUntilPanicless runs the function repeatly until there is no panic
func RepeatUntilPanicless(f func()) {
	for !RunPanicless(f) {
	}
}

// NextLargerKey returns the next string that is larger than key, but smaller
// than any other keys > key
func NextLargerKey(key string) string {
	return key + "\x00"
}
