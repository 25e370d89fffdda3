package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/fatih/color"

	"pancakes/internal/market"
	"pancakes/internal/notify"
	"pancakes/internal/oracle"
)

var (
	stdinReader = bufio.NewReader(os.Stdin)
	accent      = color.New(color.FgCyan, color.Bold)
	success     = color.New(color.FgGreen, color.Bold)
	warn        = color.New(color.FgYellow, color.Bold)
	danger      = color.New(color.FgRed, color.Bold)
	neutral     = color.New(color.FgHiWhite)

	headerBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#D9A441")).
			Foreground(lipgloss.Color("#F5E6C8")).
			Bold(true).
			Padding(0, 2)
	dim = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
)

func printSuccess(msg string) {
	success.Println(msg)
}

func printWarn(msg string) {
	warn.Println(msg)
}

func printError(msg string) {
	danger.Println(msg)
}

func printInfo(msg string) {
	neutral.Println(msg)
}

func promptChoice(label string, options []string, defaultValue string) (string, error) {
	normalized := make(map[string]struct{}, len(options))
	for _, opt := range options {
		normalized[strings.ToLower(strings.TrimSpace(opt))] = struct{}{}
	}
	for {
		fmt.Printf("%s (%s) [%s]: ", label, strings.Join(options, "/"), defaultValue)
		text, err := stdinReader.ReadString('\n')
		if err != nil {
			return "", err
		}
		text = strings.ToLower(strings.TrimSpace(text))
		if text == "" {
			text = strings.ToLower(strings.TrimSpace(defaultValue))
		}
		if _, ok := normalized[text]; ok {
			return text, nil
		}
		printWarn("Invalid option. Please pick one of the listed values.")
	}
}

func header(title, subtitle string) {
	fmt.Println()
	body := title
	if subtitle != "" {
		body += "\n" + dim.Render(subtitle)
	}
	fmt.Println(headerBox.Render(body))
}

func renderTickResult(res market.TickResult, n nameIndex) {
	sub := fmt.Sprintf("seed %d  run %s", res.Seed, res.RunID)
	if res.FirstTick {
		sub += "  (opening deal)"
	}
	header(fmt.Sprintf("TICK %d  %s", res.TickID, res.PhaseReached), sub)

	if len(res.Offerings) > 0 && !res.FirstTick {
		first := res.Offerings[res.FirstPickIndex%len(res.Offerings)]
		fmt.Printf("First pick: %s\n", n.producer(first.ProducerID))
	}
	stats := make(map[int64]market.ProducerRoundStats, len(res.Stats))
	for _, s := range res.Stats {
		stats[s.ProducerID] = s
	}
	renderOfferings(res.Offerings, stats, n)

	if res.DegradedProducer > 0 || res.DegradedConsumer > 0 {
		printWarn(fmt.Sprintf("Fallback decisions: %d producer, %d consumer", res.DegradedProducer, res.DegradedConsumer))
	}
	fmt.Println()
}

func renderReport(d market.TickDetail, n nameIndex) {
	sub := fmt.Sprintf("seed %d  started %s", d.Tick.Seed, d.Tick.StartedAt.Format("2006-01-02 15:04:05"))
	if d.Tick.CompletedAt != nil {
		sub += fmt.Sprintf("  took %s", d.Tick.CompletedAt.Sub(d.Tick.StartedAt).Round(time.Millisecond))
	}
	header(fmt.Sprintf("TICK %d REPORT", d.Tick.ID), sub)

	stats := make(map[int64]market.ProducerRoundStats, len(d.Stats))
	for _, s := range d.Stats {
		stats[s.ProducerID] = s
	}
	renderOfferings(d.Offerings, stats, n)

	fmt.Println()
	accent.Println("Choices")
	if len(d.Choices) == 0 {
		printInfo("Nobody came.")
		return
	}
	fmt.Printf("%-16s %-28s %6s\n", "CONSUMER", "CHOSE", "SCORE")
	for _, c := range d.Choices {
		fmt.Printf("%-16s %-28s %6s\n",
			truncate(n.consumer(c.ConsumerID), 16),
			truncate(n.producer(c.ProducerID), 28),
			colorizeScore(c.EnticementScore),
		)
	}
	fmt.Println()
}

func renderOfferings(offerings []market.Offering, stats map[int64]market.ProducerRoundStats, n nameIndex) {
	fmt.Println()
	accent.Println("Menus")
	fmt.Printf("%-26s %5s %6s %8s %6s %6s  %s\n", "PRODUCER", "FLUFF", "CUST", "SHARE", "AVG", "MED", "TOPPINGS")
	for _, o := range offerings {
		s := stats[o.ProducerID]
		toppings := make([]string, 0, len(o.ToppingIDs))
		for _, id := range o.ToppingIDs {
			toppings = append(toppings, n.topping(id))
		}
		fmt.Printf("%-26s %5d %6d %8s %6s %6s  %s\n",
			truncate(n.producer(o.ProducerID), 26),
			o.Fluffiness,
			s.ConsumerCount,
			colorizeShare(s.MarketShare),
			formatScore(s.AvgEnticement),
			formatScore(s.MedianEnticement),
			strings.Join(toppings, ", "),
		)
	}
}

func renderHistory(name string, history []market.HistoryEntry) {
	header(strings.ToUpper(name), fmt.Sprintf("last %d ticks", len(history)))
	if len(history) == 0 {
		printInfo("No completed ticks yet.")
		return
	}
	fmt.Printf("%-6s %6s %8s %6s %6s %5s  %s\n", "TICK", "CUST", "SHARE", "AVG", "MED", "FLUFF", "TOPPINGS")
	for _, h := range history {
		fmt.Printf("%-6d %6d %8s %6s %6s %5d  %s\n",
			h.TickID,
			h.ConsumerCount,
			colorizeShare(h.MarketShare),
			formatScore(h.AvgEnticement),
			formatScore(h.MedianEnticement),
			h.Fluffiness,
			strings.Join(h.Toppings, ", "),
		)
	}
	fmt.Println()
}

func renderTicks(ticks []market.Tick) {
	accent.Println("\n== TICKS ==")
	if len(ticks) == 0 {
		printInfo("No completed ticks yet.")
		return
	}
	fmt.Printf("%-6s %-20s %-20s %-20s\n", "ID", "SEED", "STARTED", "COMPLETED")
	for _, t := range ticks {
		completed := "-"
		if t.CompletedAt != nil {
			completed = t.CompletedAt.Format("2006-01-02 15:04:05")
		}
		fmt.Printf("%-6d %-20d %-20s %-20s\n", t.ID, t.Seed, t.StartedAt.Format("2006-01-02 15:04:05"), completed)
	}
	fmt.Println()
}

func renderTickEvent(ev notify.TickEvent) {
	parts := make([]string, 0, len(ev.Stats))
	for _, s := range ev.Stats {
		parts = append(parts, fmt.Sprintf("#%d %d (%.0f%%)", s.ProducerID, s.ConsumerCount, s.MarketShare*100))
	}
	accent.Printf("tick %d", ev.TickID)
	fmt.Printf("  %s  %s", ev.CompletedAt.Format("15:04:05"), strings.Join(parts, "  "))
	if ev.Degraded > 0 {
		warn.Printf("  degraded=%d", ev.Degraded)
	}
	fmt.Println()
}

func renderTranscript(lines []json.RawMessage) {
	for _, raw := range lines {
		var kind struct {
			Type   string `json:"type"`
			TickID int64  `json:"tick_id"`
			RunID  string `json:"run_id"`
		}
		if err := json.Unmarshal(raw, &kind); err == nil && kind.Type == "header" {
			header(fmt.Sprintf("TRANSCRIPT TICK %d", kind.TickID), "run "+kind.RunID)
			continue
		}
		var ex oracle.Exchange
		if err := json.Unmarshal(raw, &ex); err != nil {
			printWarn("unreadable line: " + truncate(string(raw), 80))
			continue
		}
		accent.Printf("%s #%d attempt %d", ex.Kind, ex.AgentID, ex.Attempt)
		fmt.Printf("  %s\n", dim.Render(ex.Backend))
		if ex.Response != "" {
			fmt.Printf("  %s\n", ex.Response)
		}
		if ex.Error != "" {
			danger.Printf("  %s\n", ex.Error)
		}
		if ex.Degraded {
			warn.Println("  -> fallback used")
		}
	}
}

func (n nameIndex) producer(id int64) string {
	if name, ok := n.producers[id]; ok {
		return name
	}
	return fmt.Sprintf("producer #%d", id)
}

func (n nameIndex) consumer(id int64) string {
	if name, ok := n.consumers[id]; ok {
		return name
	}
	return fmt.Sprintf("consumer #%d", id)
}

func (n nameIndex) topping(id int64) string {
	if name, ok := n.toppings[id]; ok {
		return name
	}
	return fmt.Sprintf("#%d", id)
}

func formatScore(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.1f", *v)
}

func colorizeShare(v float64) string {
	text := fmt.Sprintf("%.1f%%", v*100)
	if v == 0 {
		return danger.Sprint(text)
	}
	return success.Sprint(text)
}

func colorizeScore(v int) string {
	text := fmt.Sprintf("%d", v)
	switch {
	case v >= 8:
		return success.Sprint(text)
	case v <= 3:
		return danger.Sprint(text)
	default:
		return neutral.Sprint(text)
	}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
