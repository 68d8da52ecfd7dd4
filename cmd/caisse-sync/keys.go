package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/Kadem9/caissefacile/internal/api"
	"github.com/Kadem9/caissefacile/internal/serverdb"
)

func runKeys(args []string) {
	if len(args) == 0 {
		printKeysUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "create":
		runKeysCreate(args[1:])
	case "list":
		runKeysList(args[1:])
	case "revoke":
		runKeysRevoke(args[1:])
	case "stats":
		runKeysStats(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown keys command: %s\n", args[0])
		printKeysUsage()
		os.Exit(1)
	}
}

func printKeysUsage() {
	fmt.Fprintln(os.Stderr, `Usage: caisse-sync keys <command> [flags]

Commands:
  create  Create an API key for a terminal
  list    List API keys
  revoke  Delete an API key
  stats   Show stored records and known terminals`)
}

func openDB(dbPath string) *serverdb.ServerDB {
	if dbPath == "" {
		cfg, err := api.LoadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		dbPath = cfg.DBPath
	}
	store, err := serverdb.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: open database: %v\n", err)
		os.Exit(1)
	}
	return store
}

const dbFlagUsage = "path to the server database (default: from CAISSE_SYNC_DB_PATH or ./data/caisse-sync.db)"

func runKeysCreate(args []string) {
	fs := flag.NewFlagSet("keys create", flag.ExitOnError)
	name := fs.String("name", "", "label for the key, e.g. the terminal name")
	expires := fs.Duration("expires", 0, "lifetime of the key (0 = never expires)")
	dbPath := fs.String("db", "", dbFlagUsage)
	fs.Parse(args)

	if *name == "" {
		fmt.Fprintln(os.Stderr, "error: --name is required")
		fs.Usage()
		os.Exit(1)
	}

	store := openDB(*dbPath)
	defer store.Close()

	var expiresAt *time.Time
	if *expires > 0 {
		t := time.Now().Add(*expires).UTC()
		expiresAt = &t
	}

	plaintext, ak, err := store.GenerateAPIKey(context.Background(), *name, expiresAt)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("created key %s (%s)\n", ak.ID, ak.Name)
	fmt.Printf("api key: %s\n", plaintext)
	fmt.Println("store it now: it is not shown again")
}

func runKeysList(args []string) {
	fs := flag.NewFlagSet("keys list", flag.ExitOnError)
	dbPath := fs.String("db", "", dbFlagUsage)
	fs.Parse(args)

	store := openDB(*dbPath)
	defer store.Close()

	keys, err := store.ListAPIKeys(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if len(keys) == 0 {
		fmt.Println("no api keys")
		return
	}
	for _, k := range keys {
		used := "never"
		if k.LastUsedAt != nil {
			used = k.LastUsedAt.Format(time.RFC3339)
		}
		fmt.Printf("%s  %-20s  cs_live_%s…  last used %s\n", k.ID, k.Name, k.KeyPrefix, used)
	}
}

func runKeysRevoke(args []string) {
	fs := flag.NewFlagSet("keys revoke", flag.ExitOnError)
	id := fs.String("id", "", "key id (ak_...)")
	dbPath := fs.String("db", "", dbFlagUsage)
	fs.Parse(args)

	if *id == "" {
		fmt.Fprintln(os.Stderr, "error: --id is required")
		fs.Usage()
		os.Exit(1)
	}

	store := openDB(*dbPath)
	defer store.Close()

	if err := store.RevokeAPIKey(context.Background(), *id); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("revoked %s\n", *id)
}

func runKeysStats(args []string) {
	fs := flag.NewFlagSet("keys stats", flag.ExitOnError)
	dbPath := fs.String("db", "", dbFlagUsage)
	fs.Parse(args)

	store := openDB(*dbPath)
	defer store.Close()

	ctx := context.Background()
	counts, err := store.CountEntities(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	for _, c := range counts {
		fmt.Printf("%-16s %6d active %6d removed\n", c.EntityType, c.Active, c.Inactive)
	}

	devices, err := store.ListDevices(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("\n%d terminal(s)\n", len(devices))
	for _, d := range devices {
		fmt.Printf("%s  %d mutations  last seen %s\n", d.ID, d.Mutations, d.LastSeen.Format(time.RFC3339))
	}
}
