package log

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

type captureLog struct {
	lines []string
}

func (c *captureLog) add(level, format string, a ...interface{}) {
	c.lines = append(c.lines, level+" "+fmt.Sprintf(format, a...))
}

func (c *captureLog) Close()                                    {}
func (c *captureLog) Debugf(format string, a ...interface{})    { c.add("D", format, a...) }
func (c *captureLog) Infof(format string, a ...interface{})     { c.add("I", format, a...) }
func (c *captureLog) Warnf(format string, a ...interface{})     { c.add("W", format, a...) }
func (c *captureLog) Errorf(format string, a ...interface{})    { c.add("E", format, a...) }
func (c *captureLog) Criticalf(format string, a ...interface{}) { c.add("C", format, a...) }

func TestPrefix(t *testing.T) {
	base := &captureLog{}
	l := NewPrefixLogger(base, "MJPEG 7")
	l.Infof("Connected from %v", "10.0.0.2")
	l.Warnf("Write failed")
	l.Debugf("%v%%", 50)
	require.Equal(t, []string{
		"I MJPEG 7 Connected from 10.0.0.2",
		"W MJPEG 7 Write failed",
		"D MJPEG 7 50%",
	}, base.lines)
}
