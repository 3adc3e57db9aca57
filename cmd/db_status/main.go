// db_status opens the store (migrating it if needed) and prints what the
// pipeline has recorded so far.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/joho/godotenv"

	"github.com/web3guy0/signalbot/internal/config"
	"github.com/web3guy0/signalbot/storage"
	"github.com/web3guy0/signalbot/types"
)

func main() {
	_ = godotenv.Load()

	status := flag.String("status", "", "only list submissions in this status")
	limit := flag.Int("n", 10, "submissions to list")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("❌ Config error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("🔌 Opening database...")
	db, err := storage.New(cfg.DatabasePath, storage.Options{
		BusyRetries: cfg.SQLBusyRetries,
		BusySleep:   cfg.SQLBusySleep,
	})
	if err != nil {
		fmt.Printf("❌ Connection error: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stats, err := db.GetStats(ctx)
	if err != nil {
		fmt.Printf("❌ Query error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("\n📊 Messages: %d\n", stats.Messages)
	printCounts("🧠 Signals", stats.Signals)
	printCounts("📦 Submissions", stats.Submissions)

	subs, err := db.ListSubmissions(ctx, types.SubmissionStatus(*status), *limit)
	if err != nil {
		fmt.Printf("❌ Query error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\n📋 Latest submissions:")
	if len(subs) == 0 {
		fmt.Println("  (none)")
	}
	for _, s := range subs {
		fmt.Printf("  %s  %-9s %-5s %-10s %s",
			s.UpdatedAt.Format("2006-01-02 15:04"), s.Status, s.Side, s.Key.Token, s.Key)
		if s.Error != "" {
			fmt.Printf("  (%s)", s.Error)
		}
		fmt.Println()
	}
}

func printCounts(title string, counts map[string]int64) {
	fmt.Printf("\n%s:\n", title)
	if len(counts) == 0 {
		fmt.Println("  (none)")
		return
	}
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  - %s: %d\n", name, counts[name])
	}
}
