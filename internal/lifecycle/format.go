package lifecycle

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kel027/telegram-polling-bot/internal/model"
)

// FormatQuestion renders the default question for a poll opened at t.
func FormatQuestion(prefix string, t time.Time) string {
	return fmt.Sprintf("%s - %s", prefix, t.Format("2006-01-02 15:04"))
}

// FormatReminder renders the pre-close reminder message.
func FormatReminder(remaining time.Duration) string {
	mins := int(remaining.Round(time.Minute) / time.Minute)
	return fmt.Sprintf("⏰ <b>Reminder!</b>\n\nPoll closes in %d minutes!\nMake sure to cast your vote! 🗳️", mins)
}

// FormatResults renders the closure edit for a settled poll.
func FormatResults(p *model.Poll) string {
	var b strings.Builder
	b.WriteString("📊 <b>Poll Results</b>\n\n")
	fmt.Fprintf(&b, "<b>Question:</b> %s\n", p.Question)
	fmt.Fprintf(&b, "<b>Total Votes:</b> %s\n\n", formatCount(p.TotalVotes))

	for _, t := range p.Tallies {
		fmt.Fprintf(&b, "%s: %s votes (%s%%)\n", t.Label, formatCount(t.Count), formatCount(t.Percentage))
	}

	winners := p.Winners()
	switch {
	case len(winners) == 0:
		b.WriteString("\nNo votes received")
	case len(winners) == 1:
		fmt.Fprintf(&b, "\n🏆 <b>Winner:</b> %s", winners[0])
	default:
		fmt.Fprintf(&b, "\n🤝 <b>Tie between:</b> %s", strings.Join(winners, ", "))
	}
	return b.String()
}

// formatCount prints whole-number counts without a decimal point while keeping
// fractional weighted counts exact.
func formatCount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
