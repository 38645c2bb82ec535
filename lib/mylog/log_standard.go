package mylog

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
)

func init() {
	if os.Getenv("GOOGLE_CLOUD_PROJECT") == "" {
		New = newStandardLogger
	}
}

type standardLogger struct {
	componentName string
	out           io.Writer
	mutex         *sync.Mutex
}

func newStandardLogger(componentName string) Logger {
	return NewWriterLogger(componentName, os.Stderr)
}

// NewWriterLogger writes human readable lines to out; the desktop bridge uses it to log into a file
func NewWriterLogger(componentName string, out io.Writer) Logger {
	return standardLogger{
		componentName: componentName,
		out:           out,
		mutex:         &sync.Mutex{},
	}
}

func (l standardLogger) Log(c context.Context, traceLabel string, severity Severity, format string, a ...any) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	fmt.Fprintf(l.out, "%s - %s - %s - %s\n", l.componentName, traceLabel, string(severity), fmt.Sprintf(format, a...))
}
