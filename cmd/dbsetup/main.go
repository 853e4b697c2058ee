// dbsetup migrates the database and prints what the engine would restore on restart.
//
//	go run ./cmd/dbsetup            # counts + unredeemed markets
//	go run ./cmd/dbsetup -slug X    # order attempts for one market
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/joho/godotenv"

	"github.com/web3guy0/polyexec/storage"
)

func main() {
	slug := flag.String("slug", "", "print order attempts for this market")
	flag.Parse()

	godotenv.Load()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		dsn = "data/polyexec.db"
	}

	fmt.Println("🔌 Connecting to database...")
	db, err := storage.New(dsn)
	if err != nil {
		fmt.Printf("❌ Connection error: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()
	fmt.Println("✅ Database connected, schema migrated")

	counts, err := db.Counts()
	if err != nil {
		fmt.Printf("❌ Count error: %v\n", err)
		os.Exit(1)
	}
	tables := make([]string, 0, len(counts))
	for table := range counts {
		tables = append(tables, table)
	}
	sort.Strings(tables)

	fmt.Println("\n📊 Row counts:")
	for _, table := range tables {
		fmt.Printf("  - %s: %d rows\n", table, counts[table])
	}

	markets, err := db.UnredeemedMarkets(time.Now())
	if err != nil {
		fmt.Printf("❌ Query error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("\n🧹 Unredeemed markets: %d\n", len(markets))
	for _, m := range markets {
		fmt.Printf("  - %s (ended %s, neg_risk=%v)\n", m.Slug, m.EndTime.Format(time.RFC3339), m.NegRisk)
	}

	if *slug == "" {
		return
	}

	attempts, err := db.OrderAttempts(*slug)
	if err != nil {
		fmt.Printf("❌ Query error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("\n📜 Order attempts for %s: %d\n", *slug, len(attempts))
	for _, a := range attempts {
		status := "✅"
		if !a.Success {
			status = "❌"
		}
		fmt.Printf("  %s %s %s %s/%s #%d %s @ %s filled %s $%s %s\n",
			status, a.CreatedAt.Format("15:04:05.000"), a.Action, a.OrderType, a.Stage, a.Attempt,
			a.Contracts.StringFixed(2), a.Price.StringFixed(3), a.Filled.StringFixed(2), a.USD.StringFixed(2), a.Error)
	}
}
