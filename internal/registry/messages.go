package registry

import (
	"fmt"
	"strings"

	"github.com/you/pollcast/internal/core"
)

const (
	msgConnected = "✅ *Connected!*\n\n" +
		"You'll now receive Telegram notifications when an iClicker poll starts.\n\n" +
		"Keep the iClicker tab open in your browser for this to work."

	msgLeft = "👋 *Left Session*\n\n" +
		"You've left the active session.\n\n" +
		"Your class enrollment is still saved - use /class to see your classes."

	msgCodeWait = "⏳ *Please wait*\n\nYou can request a new code in 2 minutes.\n\n_This prevents spam._"

	msgAlreadyConnected = "✅ *You're already connected!*\n\n" +
		"You'll receive notifications here when iClicker polls start.\n\n" +
		"Commands:\n" +
		"• /sessions - View your current active session\n" +
		"• /class - View your enrolled classes\n" +
		"• /code - Get a new registration code\n\n" +
		"_Keep your iClicker tab open for best results._"
)

func students(n int) string {
	if n == 1 {
		return "student"
	}
	return "students"
}

func codeMessage(code string) string {
	return "🔔 *iClicker Notifier*\n\n" +
		"Your registration code is:\n\n" +
		"`" + code + "`\n\n" +
		"Enter this code in the Chrome extension to connect your account.\n\n" +
		"_This code expires in 10 minutes._"
}

func joinedClassMessage(courseID string, members int) string {
	return fmt.Sprintf("📚 *Joined Class!*\n\n"+
		"You're now connected to:\n"+
		"`%s`\n\n"+
		"👥 *%d* %s in this class\n\n"+
		"When anyone detects a poll, everyone gets notified! Keep your iClicker tab open for best results.",
		courseID, members, students(members))
}

func joinedSessionMessage(scope core.Scope, members int) string {
	var b strings.Builder
	b.WriteString("📍 *Joined Session!*\n\n🟢 You're now active in:\n")
	if scope.ActivityID != "" {
		fmt.Fprintf(&b, "Activity: `%s`\n", core.ShortID(scope.ActivityID))
	}
	if scope.CourseID != "" {
		fmt.Fprintf(&b, "🎓 Course: `%s`\n", core.ShortID(scope.CourseID))
	}
	fmt.Fprintf(&b, "\n👥 *%d* %s in this session\n\n", members, students(members))
	b.WriteString("When anyone detects a poll, everyone gets notified!\n\n")
	b.WriteString("_Session auto-expires when you close the tab._")
	return b.String()
}
