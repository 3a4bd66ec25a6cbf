package service

import (
	"bytes"
	"io"
	"sync"
)

// consoleLineMax bounds the buffered process output without a newline.
const consoleLineMax = 64 << 10

// console serializes the process output and the tailed log lines written
// to one writer. Process output is passed on in whole lines so a log line
// never lands inside of it.
type console struct {
	mx  sync.Mutex
	w   io.Writer
	buf []byte
}

func newConsole(w io.Writer) *console {
	return &console{w: w}
}

// Write forwards p unchanged, the tailer writes whole lines.
func (c *console) Write(p []byte) (int, error) {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.w.Write(p)
}

// output is the writer for the standard output of the process.
func (c *console) output() io.Writer {
	return processOutput{c: c}
}

// flush writes process output left without a trailing newline.
func (c *console) flush() error {
	c.mx.Lock()
	defer c.mx.Unlock()
	if len(c.buf) == 0 {
		return nil
	}
	_, err := c.w.Write(c.buf)
	c.buf = c.buf[:0]
	return err
}

type processOutput struct {
	c *console
}

func (o processOutput) Write(p []byte) (int, error) {
	c := o.c
	c.mx.Lock()
	defer c.mx.Unlock()

	c.buf = append(c.buf, p...)
	i := bytes.LastIndexByte(c.buf, '\n')
	if i < 0 && len(c.buf) < consoleLineMax {
		return len(p), nil
	}
	n := i + 1
	if i < 0 {
		n = len(c.buf)
	}
	_, err := c.w.Write(c.buf[:n])
	c.buf = append(c.buf[:0], c.buf[n:]...)
	return len(p), err
}
