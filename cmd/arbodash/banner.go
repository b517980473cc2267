package main

import (
	"fmt"
	"io"
	"strings"
)

// ANSI escape codes
const (
	reset  = "\033[0m"
	yellow = "\033[33m"
	red    = "\033[31m"
	green  = "\033[32m"
	cyan   = "\033[36m"
	bold   = "\033[1m"
)

var logo = []string{
	"                _               _           _     ",
	"   __ _ _ __ __| |__   ___   __| | __ _ ___| |__  ",
	"  / _` | '__/ _` '_ \\ / _ \\ / _` |/ _` / __| '_ \\ ",
	" | (_| | | | (_| |_) | (_) | (_| | (_| \\__ \\ | | |",
	"  \\__,_|_|  \\__,_.__/ \\___/ \\__,_|\\__,_|___/_| |_|",
}

const bannerWidth = 56

// printBanner draws the logo in a box
func printBanner(w io.Writer) {
	border := strings.Repeat("═", bannerWidth)

	fmt.Fprintf(w, "\n  %s╔%s╗%s\n", cyan, border, reset)
	for _, line := range logo {
		fmt.Fprintf(w, "  %s║%s%-*s%s║%s\n", cyan, yellow, bannerWidth, line, cyan, reset)
	}
	subtitle := fmt.Sprintf(" arbovirus forecast dashboard %s", version)
	fmt.Fprintf(w, "  %s║%s%-*s%s║%s\n", cyan, green, bannerWidth, subtitle, cyan, reset)
	fmt.Fprintf(w, "  %s╚%s╝%s\n\n", cyan, border, reset)
}

// printKeyboardHelp displays all available keyboard shortcuts
func printKeyboardHelp() {
	lines := []string{
		fmt.Sprintf("%s%s  Keyboard Shortcuts:%s", bold, green, reset),
		fmt.Sprintf("    %so%s      - Open dashboard in browser", cyan, reset),
		fmt.Sprintf("    %sh%s      - Toggle HTTP request logging", cyan, reset),
		fmt.Sprintf("    %sl%s      - Cycle log level (debug, info, warn, error)", cyan, reset),
		fmt.Sprintf("    %sq%s      - Quit server", cyan, reset),
		fmt.Sprintf("    %s?%s      - Show this help", cyan, reset),
	}
	// raw mode terminals need explicit carriage returns
	fmt.Print("\r\n" + strings.Join(lines, "\r\n") + "\r\n\r\n")
}
