// ABOUTME: Operator CLI for inspecting outreach state directly against the durable store
// ABOUTME: Lists due attempts, visitor send history and ledger events; can skip open sequences

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/copp1723/CCL-sub003/internal/config"
	"github.com/copp1723/CCL-sub003/internal/store"
)

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "due":
		err = cmdDue(ctx, args)
	case "visitor":
		err = cmdVisitor(ctx, args)
	case "events":
		err = cmdEvents(ctx, args)
	case "skip":
		err = cmdSkip(ctx, args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: ccl-admin <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  due [limit]                   List campaign attempts due for sending")
	fmt.Println("  visitor <id>                  Show a visitor and their outreach history")
	fmt.Println("  events [type] [limit]         Tail the activity ledger")
	fmt.Println("  skip <schedule-id> <target>   Skip all scheduled attempts for a pair")
}

// openStore loads config and opens the durable store read-write.
func openStore() (*store.SQLiteStore, error) {
	configPath := os.Getenv("CCL_CONFIG")
	if configPath == "" {
		configPath = "gateway.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return s, nil
}

func cmdDue(ctx context.Context, args []string) error {
	limit := 50
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid limit %q", args[0])
		}
		limit = n
	}

	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	attempts, err := s.DueAttempts(ctx, time.Now().UTC(), limit)
	if err != nil {
		return fmt.Errorf("listing due attempts: %w", err)
	}

	if len(attempts) == 0 {
		color.Green("No attempts due.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSCHEDULE\tTARGET\tSTEP\tDUE\tRETRIES\tLAST ERROR")
	for _, a := range attempts {
		lastErr := ""
		if a.LastError != nil {
			lastErr = *a.LastError
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%d\t%s\n",
			a.ID, a.ScheduleID, a.TargetID, a.StepNumber,
			a.ScheduledFor.Format(time.RFC3339), a.RetryCount, lastErr)
	}
	return w.Flush()
}

func cmdVisitor(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return errors.New("visitor requires an id")
	}
	id := args[0]

	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	v, err := s.GetVisitor(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("visitor %s not found", id)
	}
	if err != nil {
		return fmt.Errorf("loading visitor: %w", err)
	}

	cyan := color.New(color.FgCyan)
	cyan.Println("Visitor")
	cyan.Println("-------")
	fmt.Printf("ID:            %s\n", v.ID)
	fmt.Printf("Session:       %s\n", v.SessionID)
	if v.Email != nil {
		fmt.Printf("Email:         %s\n", *v.Email)
	}
	if v.Phone != nil {
		fmt.Printf("Phone:         %s\n", *v.Phone)
	}
	fmt.Printf("Last activity: %s\n", v.LastActivityAt.Format(time.RFC3339))
	if v.Abandoned {
		color.Yellow("Abandoned at step %d", v.AbandonmentStep)
	}
	if v.ArchivedAt != nil {
		color.HiBlack("Archived %s", v.ArchivedAt.Format(time.RFC3339))
	}
	fmt.Println()

	sends, err := s.ListOutreachByVisitor(ctx, id, 20)
	if err != nil {
		return fmt.Errorf("listing outreach: %w", err)
	}
	if len(sends) == 0 {
		fmt.Println("No outreach sent.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CHANNEL\tRECIPIENT\tSTATUS\tSENT\tCLICKED\tRETRY")
	for _, o := range sends {
		sentAt, clickedAt := "-", "-"
		if o.SentAt != nil {
			sentAt = o.SentAt.Format(time.RFC3339)
		}
		if o.ClickedAt != nil {
			clickedAt = o.ClickedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
			o.Channel, o.Recipient, o.Status, sentAt, clickedAt, o.Retry)
	}
	return w.Flush()
}

func cmdEvents(ctx context.Context, args []string) error {
	eventType := ""
	limit := 50
	if len(args) > 0 {
		if n, err := strconv.Atoi(args[0]); err == nil {
			limit = n
		} else {
			eventType = args[0]
			if len(args) > 1 {
				n, err := strconv.Atoi(args[1])
				if err != nil {
					return fmt.Errorf("invalid limit %q", args[1])
				}
				limit = n
			}
		}
	}

	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	var events []*store.ActivityEvent
	if eventType != "" {
		events, err = s.ListActivityEventsByType(ctx, eventType, limit)
	} else {
		events, err = s.ListActivityEvents(ctx, limit)
	}
	if err != nil {
		return fmt.Errorf("listing events: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tTYPE\tSOURCE\tDESCRIPTION")
	for _, e := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			e.CreatedAt.Format(time.RFC3339), e.Type, e.Source, e.Description)
	}
	return w.Flush()
}

func cmdSkip(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errors.New("skip requires a schedule id and a target id")
	}
	scheduleID, targetID := args[0], args[1]

	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	n, err := s.SkipScheduledAttempts(ctx, scheduleID, targetID)
	if err != nil {
		return fmt.Errorf("skipping attempts: %w", err)
	}

	if n == 0 {
		fmt.Println("Nothing to skip.")
		return nil
	}
	color.Green("Skipped %d attempt(s).", n)
	return nil
}
