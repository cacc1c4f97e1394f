package hub

import "log"

// componentLogger prefixes every line with a bracketed component tag,
// e.g. "[session]" or "[mic]".
type componentLogger struct {
	tag string
}

func newLogger(tag string) componentLogger {
	return componentLogger{tag: "[" + tag + "]"}
}

func (l componentLogger) Printf(format string, args ...any) {
	log.Printf(l.tag+" "+format, args...)
}
