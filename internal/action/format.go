package action

import (
	"fmt"
	"strings"
	"time"

	"genbot/internal/config"
	"genbot/internal/transport"
)

var kindHelp = map[string]string{
	config.KindText:  "Chat with the bot",
	config.KindPhoto: "Generate an image",
	config.KindVideo: "Generate a short video",
	config.KindMusic: "Generate a music clip",
}

// Commands is the command menu published to the chat platform.
func Commands() []transport.BotCommand {
	out := make([]transport.BotCommand, 0, len(config.Kinds)+2)
	for _, k := range config.Kinds {
		out = append(out, transport.BotCommand{Command: k, Description: kindHelp[k]})
	}
	out = append(out,
		transport.BotCommand{Command: cmdUsage, Description: "Show your generation quota"},
		transport.BotCommand{Command: cmdHelp, Description: "How to use this bot"},
	)
	return out
}

func helpText(botName string) string {
	var b strings.Builder
	b.WriteString("Send me a prompt and I'll generate something for you.\n\n")
	for _, c := range Commands() {
		fmt.Fprintf(&b, "/%s - %s\n", c.Command, c.Description)
	}
	b.WriteString("\nA new request of the same kind replaces the one still in progress.")
	if botName != "" {
		fmt.Fprintf(&b, "\nIn groups, mention @%s or use a command.", botName)
	}
	return b.String()
}

// humanDuration renders d coarsely: "30d", "24h", "5m", "40s".
func humanDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "0s"
	case d%(24*time.Hour) == 0:
		return fmt.Sprintf("%dd", d/(24*time.Hour))
	case d%time.Hour == 0, d >= 2*time.Hour:
		return fmt.Sprintf("%dh", (d+time.Hour/2)/time.Hour)
	case d%time.Minute == 0, d >= 2*time.Minute:
		return fmt.Sprintf("%dm", (d+time.Minute/2)/time.Minute)
	default:
		return fmt.Sprintf("%ds", (d+time.Second-1)/time.Second)
	}
}

func throttleText(kind string, limit int, window, retry time.Duration) string {
	return fmt.Sprintf("Too many requests: %d %s generations per %s. Try again in %s.",
		limit, kind, humanDuration(window), humanDuration(retry))
}
