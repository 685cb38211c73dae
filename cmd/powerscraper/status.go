package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database and collection status",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	ctx := context.Background()

	count, err := db.CountDaily(ctx)
	if err != nil {
		return err
	}
	latest, err := db.LatestDate(ctx)
	if err != nil {
		return err
	}
	lastRun, err := db.LastRun(ctx)
	if err != nil {
		return err
	}

	fmt.Println("Database status")
	fmt.Println("----------------------------------------")
	fmt.Printf("%-18s %s\n", "Database:", getDBPath())
	fmt.Printf("%-18s %d\n", "Daily records:", count)
	if !latest.IsZero() {
		fmt.Printf("%-18s %s\n", "Latest date:", latest.Format("2006-01-02"))
	}

	if lastRun == nil {
		fmt.Println("\nNo collection runs recorded yet")
		return nil
	}

	fmt.Println("\nLast collection run")
	fmt.Println("----------------------------------------")
	fmt.Printf("%-18s %s\n", "Started:", lastRun.StartedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Printf("%-18s %s\n", "Duration:", lastRun.FinishedAt.Sub(lastRun.StartedAt).Round(time.Second))
	fmt.Printf("%-18s %s\n", "Outcome:", lastRun.Outcome)
	fmt.Printf("%-18s %d of %d\n", "Months attempted:", lastRun.MonthsAttempted, lastRun.MonthsRequested)
	fmt.Printf("%-18s %d\n", "Records inserted:", lastRun.Inserted)
	fmt.Printf("%-18s %d\n", "Records updated:", lastRun.Updated)
	return nil
}
