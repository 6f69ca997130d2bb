package notify

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

const timeLayout = "2006-01-02 15:04:05"

// FormatMessage renders the notification text. When sshUser is set a
// ready-to-paste ssh command through cloudflared access is appended.
func FormatMessage(tunnelURL, sshUser string, now time.Time) string {
	var b strings.Builder
	b.WriteString("🔗 New Cloudflare SSH Tunnel\n\n")
	fmt.Fprintf(&b, "URL: %s\n\n", tunnelURL)
	b.WriteString("Status: Active\n")
	fmt.Fprintf(&b, "Time: %s UTC", now.UTC().Format(timeLayout))
	if sshUser != "" {
		if host := hostOf(tunnelURL); host != "" {
			fmt.Fprintf(&b, "\n\nConnect:\nssh -o ProxyCommand=\"cloudflared access ssh --hostname %%h\" %s@%s", sshUser, host)
		}
	}
	return b.String()
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
