package rcon

import (
	"context"
	"regexp"
	"strconv"
	"strings"
)

var (
	countPattern     = regexp.MustCompile(`\((\d+)\)`)
	evolutionPattern = regexp.MustCompile(`(?i)evolution factor:\s*([0-9]*\.?[0-9]+)`)
	seedPattern      = regexp.MustCompile(`\d+`)
	versionPattern   = regexp.MustCompile(`\d+\.\d+(?:\.\d+)?`)
)

// The query helpers below never fail on an unexpected reply: the format of
// the remote output differs between game versions, so a reply that cannot
// be parsed yields the zero value and a warning. Transport errors are still
// returned.

// PlayerCount returns the number of online players.
func (c *Client) PlayerCount(ctx context.Context) (int, error) {
	resp, err := c.Execute(ctx, "/players online count")
	if err != nil {
		return 0, err
	}
	return ParsePlayerCount(resp, c.warn("player count")), nil
}

// Players returns the names of online players.
func (c *Client) Players(ctx context.Context) ([]string, error) {
	resp, err := c.Execute(ctx, "/players online")
	if err != nil {
		return nil, err
	}
	return ParsePlayers(resp), nil
}

// GameTime returns the in-game play time as reported by the server.
func (c *Client) GameTime(ctx context.Context) (string, error) {
	resp, err := c.Execute(ctx, "/time")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp), nil
}

// Tick returns the current game tick.
func (c *Client) Tick(ctx context.Context) (uint64, error) {
	resp, err := c.Execute(ctx, "/silent-command rcon.print(game.tick)")
	if err != nil {
		return 0, err
	}
	tick, perr := strconv.ParseUint(strings.TrimSpace(resp), 10, 64)
	if perr != nil {
		c.warn("tick")(resp)
		return 0, nil
	}
	return tick, nil
}

// Version returns the server version string, e.g. "2.0.15".
func (c *Client) Version(ctx context.Context) (string, error) {
	resp, err := c.Execute(ctx, "/version")
	if err != nil {
		return "", err
	}
	return ParseVersion(resp, c.warn("version")), nil
}

// Seed returns the map seed.
func (c *Client) Seed(ctx context.Context) (string, error) {
	resp, err := c.Execute(ctx, "/seed")
	if err != nil {
		return "", err
	}
	return ParseSeed(resp, c.warn("seed")), nil
}

// Evolution returns the enemy evolution factor of the first reported surface.
func (c *Client) Evolution(ctx context.Context) (float64, error) {
	resp, err := c.Execute(ctx, "/evolution")
	if err != nil {
		return 0, err
	}
	return ParseEvolution(resp, c.warn("evolution")), nil
}

func (c *Client) warn(query string) func(resp string) {
	return func(resp string) {
		c.log.Warnw("unexpected rcon reply", "query", query, "response", truncate(resp, 200))
	}
}

// ParsePlayerCount extracts N from "Online players (N):".
func ParsePlayerCount(resp string, onBad func(string)) int {
	m := countPattern.FindStringSubmatch(resp)
	if m == nil {
		report(onBad, resp)
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		report(onBad, resp)
		return 0
	}
	return n
}

// ParsePlayers extracts player names from a "/players online" reply.
func ParsePlayers(resp string) []string {
	var players []string
	for _, line := range strings.Split(resp, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasSuffix(line, ":") {
			continue
		}
		line = strings.TrimSuffix(line, " (online)")
		if line != "" {
			players = append(players, line)
		}
	}
	return players
}

// ParseVersion extracts a dotted version number.
func ParseVersion(resp string, onBad func(string)) string {
	v := versionPattern.FindString(resp)
	if v == "" {
		report(onBad, resp)
	}
	return v
}

// ParseSeed extracts the numeric map seed.
func ParseSeed(resp string, onBad func(string)) string {
	s := seedPattern.FindString(resp)
	if s == "" {
		report(onBad, resp)
	}
	return s
}

// ParseEvolution extracts the first "Evolution factor: X" value.
func ParseEvolution(resp string, onBad func(string)) float64 {
	m := evolutionPattern.FindStringSubmatch(resp)
	if m == nil {
		report(onBad, resp)
		return 0
	}
	f, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		report(onBad, resp)
		return 0
	}
	return f
}

func report(onBad func(string), resp string) {
	if onBad != nil {
		onBad(resp)
	}
}
