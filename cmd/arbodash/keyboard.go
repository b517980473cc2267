package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/mosqlimate/arbodash/internal/logger"
)

// keyActions are the server-side effects of keyboard shortcuts
type keyActions struct {
	open func()
	quit func()
	help func()
	log  *logger.SlogLogger
}

// handleKey runs the action bound to key and reports whether the listener
// should stop
func (k keyActions) handleKey(key byte) bool {
	switch strings.ToLower(string(key)) {
	case "o":
		k.open()
	case "h":
		if k.log.IsHTTPLoggingEnabled() {
			k.log.DisableHTTPLogging()
			fmt.Printf("%sHTTP logging disabled%s\r\n", yellow, reset)
		} else {
			k.log.EnableHTTPLogging()
			fmt.Printf("%sHTTP logging enabled%s\r\n", green, reset)
		}
	case "l":
		next := logger.NextLevel(k.log.GetLevel())
		k.log.SetLevel(next)
		fmt.Printf("%sLog level: %s%s%s\r\n", green, yellow, strings.ToLower(next.String()), reset)
	case "?":
		k.help()
	case "q", "\x03": // Ctrl+C arrives as a byte in raw mode
		fmt.Printf("%sShutting down server...%s\r\n", yellow, reset)
		k.quit()
		return true
	}
	return false
}

// listenForKeyboard reads single keys from stdin until ctx is done or the
// user quits. It does nothing when stdin is not a terminal.
func listenForKeyboard(ctx context.Context, quit context.CancelFunc, baseURL string, appLog *logger.SlogLogger) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return
	}
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		appLog.Debug("Keyboard shortcuts unavailable", "error", err)
		return
	}
	restore := func() { _ = term.Restore(fd, oldState) }
	defer restore()

	go func() {
		<-ctx.Done()
		restore()
	}()

	actions := keyActions{
		open: func() { openDashboard(baseURL) },
		quit: quit,
		help: printKeyboardHelp,
		log:  appLog,
	}

	buf := make([]byte, 1)
	for {
		n, err := os.Stdin.Read(buf)
		if err != nil || ctx.Err() != nil {
			return
		}
		if n == 0 {
			continue
		}
		if actions.handleKey(buf[0]) {
			return
		}
	}
}
