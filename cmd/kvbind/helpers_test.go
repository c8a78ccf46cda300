package main

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"
)

type syncBuffer struct {
	mutex  sync.Mutex
	buffer bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.buffer.Write(p)
}

func (b *syncBuffer) String() string {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.buffer.String()
}

func waitForOutput(t *testing.T, output *syncBuffer, line string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !strings.Contains(output.String(), line) {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %q, got:\n%s", line, output.String())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
