package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"trackshield/internal/storage/db"
	"trackshield/internal/storage/model"
	"trackshield/internal/storage/repo"
)

var (
	eventsLimit int
	eventsSite  string
	eventsKind  string
	eventsCount bool
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Print recorded mitigation events",
	Long:  `Prints the most recent telemetry events from the local store, oldest first, one JSON object per line.`,
	RunE:  runEvents,
}

func init() {
	eventsCmd.Flags().IntVarP(&eventsLimit, "limit", "n", 50, "maximum number of events")
	eventsCmd.Flags().StringVar(&eventsSite, "site", "", "only events for this base domain")
	eventsCmd.Flags().BoolVar(&eventsCount, "count", false, "print the number of stored events and exit")
	eventsCmd.Flags().StringVar(&eventsKind, "kind", "", "only events of this kind (network.blocked, network.observed, preview.summary)")
}

func runEvents(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	gdb, err := db.New(db.Options{Name: cfg.Sqlite.Db, Prefix: cfg.Sqlite.Prefix, Logger: db.NewLogger(log)})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close(gdb) }()
	if err := db.Migrate(gdb, model.All()...); err != nil {
		return err
	}

	events := repo.NewEventRepo(gdb, repo.EventRepoOptions{Cap: cfg.Core.EventCap, Logger: log})
	defer events.Stop()

	if eventsCount {
		n, err := events.Count(cmd.Context(), nil)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), n)
		return err
	}

	list, err := events.Query(cmd.Context(), repo.QueryOptions{Site: eventsSite, Kind: eventsKind, Limit: eventsLimit})
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	for _, e := range list {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}
