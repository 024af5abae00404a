package bridge

import (
	"fmt"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/seongjae-dev/agentrelay/internal/agent"
	"github.com/seongjae-dev/agentrelay/internal/history"
)

// chunkMessage splits text into pieces that fit in one Telegram message,
// preferring line boundaries and never splitting a rune.
func chunkMessage(text string) []string {
	if text == "" {
		return nil
	}
	if len(text) <= messageLimit {
		return []string{text}
	}

	var chunks []string
	remaining := text
	for len(remaining) > messageLimit {
		cut := messageLimit
		if i := strings.LastIndexByte(remaining[:cut], '\n'); i > messageLimit/2 {
			cut = i
		} else {
			// Back off to a rune boundary.
			for cut > 0 && remaining[cut]&0xC0 == 0x80 {
				cut--
			}
		}
		chunks = append(chunks, remaining[:cut])
		remaining = strings.TrimPrefix(remaining[cut:], "\n")
	}
	if remaining != "" {
		chunks = append(chunks, remaining)
	}
	return chunks
}

// sessionTable renders the user's sessions as an aligned monospace-ish
// listing. Telegram proportional fonts make true columns impossible, but
// width-aware padding keeps short fields readable.
func sessionTable(infos []agent.Info, activeID string) string {
	agentWidth := len("agent")
	for _, info := range infos {
		if w := runewidth.StringWidth(info.Agent); w > agentWidth {
			agentWidth = w
		}
	}

	var sb strings.Builder
	sb.WriteString("Your sessions:\n")
	for _, info := range infos {
		marker := "  "
		if info.ID == activeID {
			marker = "▶ "
		}
		fmt.Fprintf(&sb, "%s%s  %s  %s  %d turns\n",
			marker,
			shortID(info.ID),
			runewidth.FillRight(info.Agent, agentWidth),
			info.State,
			info.Turns)
	}
	sb.WriteString("\nSwitch with /switch <id-prefix>.")
	return sb.String()
}

// statsMaxRows bounds the per-execution lines in a /stats reply.
const statsMaxRows = 5

// statsSummary renders totals and the latest executions, newest first.
func statsSummary(entries []history.Entry) string {
	var ok, failed int
	var totalMS int64
	for _, e := range entries {
		if e.Outcome == string(agent.EventCompletion) {
			ok++
		} else {
			failed++
		}
		totalMS += e.DurationMS
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Last %d executions: ✅ %d  ❌ %d  avg %.1fs\n",
		len(entries), ok, failed, float64(totalMS)/float64(len(entries))/1000)
	for i, e := range entries {
		if i == statsMaxRows {
			break
		}
		outcome := "✅"
		if e.Outcome != string(agent.EventCompletion) {
			outcome = "❌ " + e.ErrorKind
		}
		fmt.Fprintf(&sb, "%s  %s  %.1fs  %s\n",
			e.StartedAt.Local().Format("Jan 2 15:04"),
			e.Agent,
			float64(e.DurationMS)/1000,
			outcome)
	}
	return sb.String()
}
