package chat

import (
	"log/slog"
	"maps"
	"strings"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

// Commands builds the command table: !discord and !twitter when their links are
// set, overlaid with extra.
func Commands(discordInviteURL, twitterProfileURL string, extra map[string]string) map[string]string {
	cmds := make(map[string]string, len(extra)+2)
	if discordInviteURL != "" {
		cmds["!discord"] = "Join the Discord: " + discordInviteURL
	}
	if twitterProfileURL != "" {
		cmds["!twitter"] = "Follow on Twitter: " + twitterProfileURL
	}
	maps.Copy(cmds, extra)
	return cmds
}

func normalizeCommands(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" || v == "" {
			continue
		}
		if !strings.HasPrefix(k, "!") {
			k = "!" + k
		}
		out[k] = v
	}
	return out
}

func (c *Client) onMessage(msg twitch.PrivateMessage) {
	if strings.EqualFold(msg.User.Name, c.opts.Username) {
		return
	}
	fields := strings.Fields(msg.Message)
	if len(fields) == 0 {
		return
	}
	reply, ok := c.commands[strings.ToLower(fields[0])]
	if !ok {
		return
	}
	if err := c.say(reply); err != nil {
		c.logger.Debug("command reply skipped", slog.String("command", fields[0]), slog.Any("err", err))
	}
}
