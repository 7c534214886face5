package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/camuig/rohstoff-dashboard/internal/backend"
	"github.com/camuig/rohstoff-dashboard/internal/config"
	"github.com/camuig/rohstoff-dashboard/internal/dispatcher"
	"github.com/camuig/rohstoff-dashboard/internal/logger"
	"github.com/camuig/rohstoff-dashboard/internal/notify"
	"github.com/camuig/rohstoff-dashboard/internal/poller"
	"github.com/camuig/rohstoff-dashboard/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	dryRun := flag.Bool("dry-run", false, "show open trades without closing")
	yes := flag.Bool("yes", false, "close without asking for confirmation")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level)

	api := backend.NewClient(cfg, log)
	st := store.New(log)
	defer st.Close()
	feed := notify.NewFeed(cfg.Notify.Capacity, log)
	disp := dispatcher.New(api, st, poller.New(api, st, cfg, log), feed, log)

	ctx := context.Background()

	preview, err := disp.CloseAll(ctx, nil, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list trades error: %s\n", backend.Message(err))
		os.Exit(1)
	}

	if len(preview) == 0 {
		fmt.Println("No open trades.")
		return
	}

	fmt.Printf("Found %d open trade(s):\n\n", len(preview))
	for _, o := range preview {
		t := o.Trade
		where := "local"
		if t.BrokerBacked() {
			where = fmt.Sprintf("%s #%s", t.Platform, t.Ticket)
		}
		fmt.Printf("  %s %s: qty %s, entry %s, %s\n",
			t.Side, t.Commodity, backend.FormatPrice(t.Quantity), backend.FormatPrice(t.EntryPrice), where)
	}
	fmt.Println()

	if *dryRun {
		fmt.Println("Dry run, no trades closed.")
		return
	}

	var confirm dispatcher.Confirmer = dispatcher.Confirmed
	if !*yes {
		confirm = dispatcher.ConfirmFunc(prompt)
	}

	outcomes, err := disp.CloseAll(ctx, confirm, false)
	if errors.Is(err, dispatcher.ErrNotConfirmed) {
		fmt.Println("Aborted.")
		return
	}

	var closed, failed int
	for _, o := range outcomes {
		t := o.Trade
		if o.Err != nil {
			fmt.Fprintf(os.Stderr, "  [FAIL] %s %s: %s\n", t.Commodity, t.ID, backend.Message(o.Err))
			failed++
			continue
		}
		pl := "n/a"
		if o.Result.ProfitLoss != nil {
			pl = backend.FormatPrice(*o.Result.ProfitLoss)
		}
		fmt.Printf("  [OK]   %s %s: closed, P/L %s\n", t.Commodity, t.ID, pl)
		closed++
	}

	fmt.Printf("\nDone: %d closed, %d failed.\n", closed, failed)
	if err != nil && failed == 0 {
		fmt.Fprintf(os.Stderr, "close all error: %s\n", backend.Message(err))
		os.Exit(1)
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func prompt(question string) bool {
	fmt.Printf("%s [y/N] ", question)
	answer, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}
