package rcon

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// MaxChatLength caps relayed chat text.
const MaxChatLength = 200

// ErrInvalidPlayer is returned for names that cannot be a player name.
var ErrInvalidPlayer = errors.New("invalid player name")

var playerName = regexp.MustCompile(`^[A-Za-z0-9_.\-]{1,60}$`)

// ValidatePlayer checks that name looks like a game player name.
func ValidatePlayer(name string) error {
	if !playerName.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidPlayer, name)
	}
	return nil
}

// oneLine collapses whitespace and line breaks so text cannot inject a
// second console command.
func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// luaString escapes s for use inside a double-quoted Lua string.
func luaString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return oneLine(s)
}

func playerCommand(verb, player string, rest ...string) (string, error) {
	if err := ValidatePlayer(player); err != nil {
		return "", err
	}
	cmd := "/" + verb + " " + player
	if len(rest) > 0 {
		if extra := oneLine(strings.Join(rest, " ")); extra != "" {
			cmd += " " + truncate(extra, MaxCommandLength-len(cmd)-1)
		}
	}
	return cmd, nil
}

// Kick builds "/kick <player> [reason]".
func Kick(player, reason string) (string, error) { return playerCommand("kick", player, reason) }

// Ban builds "/ban <player> [reason]".
func Ban(player, reason string) (string, error) { return playerCommand("ban", player, reason) }

// Unban builds "/unban <player>".
func Unban(player string) (string, error) { return playerCommand("unban", player) }

// Mute builds "/mute <player>".
func Mute(player string) (string, error) { return playerCommand("mute", player) }

// Unmute builds "/unmute <player>".
func Unmute(player string) (string, error) { return playerCommand("unmute", player) }

// Promote builds "/promote <player>".
func Promote(player string) (string, error) { return playerCommand("promote", player) }

// Demote builds "/demote <player>".
func Demote(player string) (string, error) { return playerCommand("demote", player) }

// Whisper builds "/whisper <player> <message>".
func Whisper(player, message string) (string, error) {
	if oneLine(message) == "" {
		return "", errors.New("whisper: empty message")
	}
	return playerCommand("whisper", player, message)
}

// Save builds the server save command, optionally naming the save.
func Save(name string) string {
	name = oneLine(name)
	if name == "" {
		return "/server-save"
	}
	return "/server-save " + name
}

// Broadcast builds a command printing message to every player.
func Broadcast(message string) string {
	return fmt.Sprintf(`/silent-command game.print("%s")`, luaString(clip(message)))
}

// ChatRelay builds the command that shows a message relayed from the chat
// platform in game, tagged with its source and author.
func ChatRelay(source, author, content string) string {
	return fmt.Sprintf(`/silent-command game.print("[color=purple][%s][/color] %s: %s")`,
		luaString(source), luaString(author), luaString(clip(content)))
}

var technology = regexp.MustCompile(`^[a-z0-9\-]{1,100}$`)

// Research builds a command that completes technology for the player force.
// Technology names use the internal identifier, e.g. "automation-2".
func Research(tech string) (string, error) {
	if !technology.MatchString(tech) {
		return "", fmt.Errorf("invalid technology name %q", tech)
	}
	return fmt.Sprintf(`/silent-command local t = game.forces["player"].technologies["%s"]; if t then t.researched = true; rcon.print("ok") else rcon.print("unknown technology") end`, tech), nil
}

func clip(s string) string {
	s = oneLine(s)
	if len(s) <= MaxChatLength {
		return s
	}
	return s[:runeStart(s, MaxChatLength)] + "..."
}

// truncate shortens s to at most n bytes, marking the cut with an ellipsis.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n - len("...")
	if cut < 0 {
		cut = 0
	}
	return s[:runeStart(s, cut)] + "..."
}

// runeStart moves i back to the start of the rune it falls in.
func runeStart(s string, i int) int {
	for i > 0 && (s[i]&0xC0) == 0x80 {
		i--
	}
	return i
}
