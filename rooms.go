package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"coach/config"
	"coach/conversation"
	"coach/room"
)

const roomsUsage = `Usage:
  coach rooms [-db path] add <topic> <coaching option> [expert]
  coach rooms [-db path] list`

// runRooms manages the discussion rooms in the SQLite store.
func runRooms(args []string, out io.Writer) int {
	fs := flag.NewFlagSet("rooms", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	dbPath := fs.String("db", config.Load().DBPath, "Room database path (default: $COACH_DB)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	args = fs.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, roomsUsage)
		return 2
	}
	if *dbPath == "" {
		fmt.Fprintln(os.Stderr, "Error: no room database; set COACH_DB or pass -db")
		return 1
	}

	store, err := room.OpenSQLite(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer store.Close()
	ctx := context.Background()

	switch args[0] {
	case "add":
		if len(args) < 3 || len(args) > 4 {
			fmt.Fprintln(os.Stderr, roomsUsage)
			return 2
		}
		option, ok := conversation.FindOption(args[2])
		if !ok {
			fmt.Fprintf(os.Stderr, "Error: unknown coaching option %q; choose one of: %s\n", args[2], optionNames())
			return 1
		}
		expert := ""
		if len(args) == 4 {
			expert = conversation.ResolveExpert(args[3])
		}
		info, err := store.Create(ctx, args[1], option.Name, expert)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Fprintln(out, info.ID)
	case "list":
		rooms, err := store.List(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		for _, r := range rooms {
			fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", r.ID, r.CoachingOption, r.ExpertName, r.Topic)
		}
	default:
		fmt.Fprintln(os.Stderr, roomsUsage)
		return 2
	}
	return 0
}

func optionNames() string {
	names := make([]string, len(conversation.Options))
	for i, o := range conversation.Options {
		names[i] = o.Name
	}
	return strings.Join(names, ", ")
}
