package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/lioil1020-JackLee/water-house/client"
	"github.com/lioil1020-JackLee/water-house/config"
	"github.com/lioil1020-JackLee/water-house/journal"
	"github.com/lioil1020-JackLee/water-house/panel"
)

func main() {
	// --- Argument Parsing ---
	endpoint := flag.String("endpoint", config.DefaultEndpoint, "OPC UA server endpoint (opc.tcp://host:port)")
	tagFile := flag.String("tags", config.DefaultTagFile, "Path to the tag list CSV (name,address)")
	logFile := flag.String("log", "panel.log", "Path to the application log file")
	journalDir := flag.String("journal", ".", "Directory for the daily event journal databases")
	flag.Parse()

	// --- Logging Setup ---
	// The TUI owns the terminal, so everything logs to file.
	lf, err := os.OpenFile(*logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.Fatalf("Failed to open log file: %v", err)
	}
	defer lf.Close()
	logger := zerolog.New(lf).With().Timestamp().Logger()

	// --- Tag List Loading ---
	tags, err := config.LoadTags(*tagFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\nHINT: the tag list is a two-column CSV of name,address pairs.\n", err)
		os.Exit(1)
	}
	rooms, ungrouped := config.GroupRooms(tags)
	logger.Info().Int("tags", len(tags)).Int("rooms", len(rooms)).Msg("tag list loaded")

	// --- Coordinated Shutdown Setup ---
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	// --- Journal, Client, State ---
	journalChan := make(chan journal.Event, 100)
	wg.Add(1)
	go journal.Writer(ctx, &wg, journalChan, *journalDir, logger)

	cli := client.New(client.Config{Endpoint: *endpoint}, tags, logger)
	cli.Start()

	st := panel.NewState(rooms, ungrouped)

	// Event pump: applies client events to the panel state and journals them.
	wg.Add(1)
	go func() {
		defer wg.Done()
		pump(cli, st, journalChan, logger)
	}()

	// --- Start TUI ---
	model := panel.NewModel(st, cli, rooms, journalChan, *endpoint, logger)
	p := tea.NewProgram(model, tea.WithAltScreen())

	go func() {
		if _, err := p.Run(); err != nil {
			logger.Error().Err(err).Msg("tui error")
		}
		// When the TUI exits for any reason, trigger the shutdown.
		cancel()
	}()

	// --- Graceful Shutdown Handling ---
	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-shutdownChan:
		logger.Info().Msg("shutdown signal received")
		p.Quit()
	case <-ctx.Done():
		logger.Info().Msg("tui exited, shutting down")
	}

	cli.Stop()
	cancel()
	wg.Wait()
	close(journalChan)
	logger.Info().Msg("exited")
}

// pump drains the client's event stream until it closes. On a write failure
// it drops the optimistic pending entry; the lamp falls back to the last
// server-confirmed value on the next render.
func pump(cli *client.Client, st *panel.State, journalChan chan<- journal.Event, logger zerolog.Logger) {
	lastValues := make(map[string]client.Value)
	for ev := range cli.Events() {
		st.Apply(ev)
		switch e := ev.(type) {
		case client.BatchEvent:
			for name, v := range e.Values {
				prev := ""
				if p, ok := lastValues[name]; ok {
					prev = fmt.Sprintf("%v", p)
				}
				lastValues[name] = v
				sendJournal(journalChan, journal.Event{
					Timestamp: time.Now(),
					Tag:       name,
					Previous:  prev,
					New:       fmt.Sprintf("%v", v),
					EventType: journal.TypeValueChange,
				}, logger)
			}
		case client.HealthEvent:
			evType := journal.TypeConnLost
			if e.Up {
				evType = journal.TypeConnRestored
			} else {
				// Per-connection state is discarded on reconnect; mirror that
				// in the previous-value tracking.
				lastValues = make(map[string]client.Value)
			}
			sendJournal(journalChan, journal.Event{Timestamp: time.Now(), EventType: evType}, logger)
		case client.WriteFailedEvent:
			cli.ClearPending(e.Tag)
			sendJournal(journalChan, journal.Event{
				Timestamp: time.Now(),
				Tag:       e.Tag,
				EventType: journal.TypeWriteFailed,
			}, logger)
		case client.WriteAbandonedEvent:
			sendJournal(journalChan, journal.Event{
				Timestamp: time.Now(),
				Tag:       e.Tag,
				EventType: journal.TypeWriteAbandoned,
			}, logger)
		}
	}
}

func sendJournal(ch chan<- journal.Event, ev journal.Event, logger zerolog.Logger) {
	select {
	case ch <- ev:
	default:
		logger.Warn().Str("type", ev.EventType).Msg("journal buffer full, event dropped")
	}
}
