package action

import (
	"strings"

	"genbot/internal/config"
	"genbot/internal/transport"
)

// Command names besides the generation kinds.
const (
	cmdUsage = "usage"
	cmdHelp  = "help"
	cmdStart = "start"
)

// Intent is what a message asks for.
type Intent struct {
	// Command is a kind ("text", "photo", ...), "usage", "help", or an
	// unrecognised command name.
	Command string
	Prompt  string
	Known   bool
}

func (i Intent) IsGeneration() bool { return config.IsKind(i.Command) }

// Parse decides whether msg deserves a response and what it asks for.
//
// Private chats: every message is answered; plain text is a text request.
// Groups: only commands addressed to this bot (bare or /cmd@bot) and
// messages that mention the bot or reply to it.
func Parse(msg transport.Message, botName string) (Intent, bool) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return Intent{}, false
	}
	botName = strings.TrimPrefix(strings.TrimSpace(botName), "@")

	if strings.HasPrefix(text, "/") {
		head, rest, _ := strings.Cut(text[1:], " ")
		name, target, addressed := strings.Cut(head, "@")
		if addressed && !strings.EqualFold(target, botName) {
			return Intent{}, false
		}
		name = strings.ToLower(name)
		if name == "" {
			return Intent{}, false
		}
		in := Intent{Command: name, Prompt: strings.TrimSpace(rest)}
		switch {
		case config.IsKind(name), name == cmdUsage, name == cmdHelp, name == cmdStart:
			in.Known = true
		case !msg.IsPrivate && !addressed:
			// Probably meant for another bot in the group.
			return Intent{}, false
		}
		return in, true
	}

	if msg.IsPrivate {
		return Intent{Command: config.KindText, Prompt: text, Known: true}, true
	}
	if prompt, ok := stripMention(text, botName); ok {
		return Intent{Command: config.KindText, Prompt: prompt, Known: true}, true
	}
	if msg.ReplyToBot {
		return Intent{Command: config.KindText, Prompt: text, Known: true}, true
	}
	return Intent{}, false
}

// stripMention removes every "@botName" (any case) from text.
func stripMention(text, botName string) (string, bool) {
	if botName == "" {
		return text, false
	}
	needle := "@" + botName
	var (
		b     strings.Builder
		found bool
	)
	for i := 0; i < len(text); {
		if text[i] == '@' && i+len(needle) <= len(text) && strings.EqualFold(text[i:i+len(needle)], needle) {
			found = true
			i += len(needle)
			continue
		}
		b.WriteByte(text[i])
		i++
	}
	if !found {
		return text, false
	}
	return strings.Join(strings.Fields(b.String()), " "), true
}
