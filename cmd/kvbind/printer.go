package main

import (
	"fmt"
	"io"
	"strconv"
	"sync"

	"kvbind/internal/observe"
)

type printer struct {
	mutex sync.Mutex
	out   io.Writer
	label string
	bound bool
}

// printChange writes one line per change:
//
//	keypath_changed profile.theme "dark" -> "light"
//	bound color = "#AABBCC"
func printChange(target *printer, change observe.Change) {
	target.mutex.Lock()
	defer target.mutex.Unlock()
	newValue, _ := change.NewValue()
	if target.bound {
		fmt.Fprintf(target.out, "bound %s = %s\n", target.label, formatValue(newValue))
		return
	}
	oldValue, _ := change.OldValue()
	fmt.Fprintf(target.out, "%s %s %s -> %s\n", change.Type(), target.label, formatValue(oldValue), formatValue(newValue))
}

func formatValue(value any) string {
	switch typed := value.(type) {
	case nil:
		return "nil"
	case string:
		return strconv.Quote(typed)
	case observe.Object:
		return "object#" + strconv.FormatUint(typed.Lifecycle().ID(), 10)
	default:
		return fmt.Sprint(typed)
	}
}
