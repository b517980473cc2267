// Package browser opens dashboard links in the local browser.
package browser

import (
	"fmt"
	"net/url"
	"os/exec"
	"runtime"
	"strings"
)

// Commander starts external commands
type Commander interface {
	Start(name string, args ...string) error
}

// RealCommander executes actual commands
type RealCommander struct{}

// Start starts the command without waiting for it
func (RealCommander) Start(name string, args ...string) error {
	return exec.Command(name, args...).Start()
}

var defaultCommander Commander = RealCommander{}

// DashboardURL is where a namespace's dashboard is served under baseURL
func DashboardURL(baseURL, namespace string) string {
	return strings.TrimRight(baseURL, "/") + "/api/dashboards/" + url.PathEscape(namespace)
}

// Open opens link in the default browser
func Open(link string) error {
	return OpenWithCommander(link, defaultCommander, runtime.GOOS)
}

// OpenDashboard opens a namespace's dashboard in the default browser
func OpenDashboard(baseURL, namespace string) error {
	return Open(DashboardURL(baseURL, namespace))
}

// OpenWithCommander opens link using commander as if running on goos
func OpenWithCommander(link string, commander Commander, goos string) error {
	if _, err := url.ParseRequestURI(link); err != nil {
		return fmt.Errorf("invalid url %q: %w", link, err)
	}

	var name string
	var args []string

	switch goos {
	case "linux", "freebsd", "openbsd":
		name = "xdg-open"
		args = []string{link}
	case "darwin":
		name = "open"
		args = []string{link}
	case "windows":
		name = "rundll32"
		args = []string{"url.dll,FileProtocolHandler", link}
	default:
		return fmt.Errorf("unsupported platform: %s", goos)
	}

	return commander.Start(name, args...)
}
