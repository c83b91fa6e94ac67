package tunnel

import (
	"fmt"
	"strings"
	"time"
)

func authMessage(url string) string {
	return "🔐 *VK authorization required*\n\n" +
		"Open the link in a browser:\n" +
		"`" + url + "`\n\n" +
		"After authorizing, send /accept"
}

func readyMessage(id Identity, host string, apiErr error, apiEnabled bool) string {
	var b strings.Builder
	b.WriteString("✅ *VK Tunnel started*\n\n")
	fmt.Fprintf(&b, "🖥️ *Server:* `%s`\n", id.Hostname)
	fmt.Fprintf(&b, "🌐 *IP:* `%s`\n", id.IP)
	fmt.Fprintf(&b, "🔗 *Host:* `%s`\n\n", host)
	if apiEnabled {
		if apiErr == nil {
			b.WriteString("✅ *API updated*\n\n")
		} else {
			b.WriteString("❌ *API update failed*\n\n")
		}
	}
	b.WriteString("📱 *Refresh the subscription in your VPN client*")
	return b.String()
}

func crashMessage(exitCode, crashes, limit int) string {
	return fmt.Sprintf("⚠️ *Tunnel crashed*\n\nReason: process exited with code %d (crash %d/%d)\nRestarting...",
		exitCode, crashes, limit)
}

func unhealthyMessage(crashes, limit int) string {
	return fmt.Sprintf("⚠️ *Tunnel is not responding*\n\nReason: health check failed (crash %d/%d)\nRestarting...",
		crashes, limit)
}

func crashLimitMessage(limit int) string {
	return fmt.Sprintf("❌ *Tunnel crashed %d times*\n\nAutomatic restart is disabled.\nUse /start to start it manually.", limit)
}

// FormatStatus renders a snapshot for operators.
func FormatStatus(s Snapshot) string {
	var b strings.Builder
	b.WriteString("📊 *VK Tunnel status*\n\n")
	switch {
	case s.Blocked:
		b.WriteString("⛔ Auto-restart disabled (crash limit reached)\n")
	case s.Stopped:
		b.WriteString("⏹️ Stopped by operator\n")
	}
	if !s.Running {
		b.WriteString("🔴 Process: not running\n")
		fmt.Fprintf(&b, "💥 Crashes: %d\n", s.TotalCrashes)
		return b.String()
	}
	fmt.Fprintf(&b, "🟢 PID: `%d`\n", s.PID)
	fmt.Fprintf(&b, "⏱️ Uptime: %s\n", FormatDuration(s.Uptime()))
	fmt.Fprintf(&b, "❤️ Last health check: %s ago\n", FormatDuration(s.LastHealthAge()))
	if s.CurrentHost != "" {
		fmt.Fprintf(&b, "🔗 Host: `%s`\n", s.CurrentHost)
	} else {
		b.WriteString("🔗 Host: waiting for tunnel\n")
	}
	if s.WaitingForAuth {
		b.WriteString("🔐 Waiting for VK authorization (/accept)\n")
	}
	fmt.Fprintf(&b, "⚠️ Health failures: %d\n", s.ConsecutiveHealthFailures)
	fmt.Fprintf(&b, "💥 Crashes: %d\n", s.TotalCrashes)
	return b.String()
}

// FormatDuration renders d as "Hh Mm Ss".
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	h := total / 3600
	m := (total % 3600) / 60
	sec := total % 60
	return fmt.Sprintf("%dh %dm %ds", h, m, sec)
}
