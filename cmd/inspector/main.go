// Command inspector prints the payment history and remaining entitlement of
// one buyer/seller pair straight from a Redis payment feed.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"
	"github.com/streamgate/paygate/internal/config"
	"github.com/streamgate/paygate/internal/ledger"
	"github.com/streamgate/paygate/internal/metadata"
	"github.com/streamgate/paygate/internal/model"
	"github.com/streamgate/paygate/internal/rate"
	"github.com/streamgate/paygate/internal/repository"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var cfg config.Config
	var feed, seller, buyer, rateString string

	flagSet := pflag.NewFlagSet("inspector", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.Redis.Addr, "redis", "localhost:6379", "redis address")
	flagSet.StringVar(&cfg.Redis.Password, "redis-password", "", "redis password")
	flagSet.IntVar(&cfg.Redis.DB, "redis-db", 0, "redis database")
	flagSet.StringVar(&cfg.Redis.StreamPrefix, "prefix", "paygate:payments", "payment stream prefix")
	flagSet.StringVar(&feed, "feed", "eos", "payment feed name (eos, eos-testnet, lightning)")
	flagSet.StringVar(&seller, "seller", "", "seller hex key")
	flagSet.StringVar(&buyer, "buyer", "", "buyer hex key")
	flagSet.StringVar(&rateString, "rate", "", `rate to evaluate the ledger at, e.g. "50 Sat/s"`)
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	sellerKey, err := metadata.NormalizeKey(seller)
	if err != nil {
		return fmt.Errorf("--seller: %w", err)
	}
	buyerKey, err := metadata.NormalizeKey(buyer)
	if err != nil {
		return fmt.Errorf("--buyer: %w", err)
	}
	tag := metadata.Tag(sellerKey, buyerKey)

	client, err := repository.NewRedisClient(&cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	snap, err := repository.NewRedisLedger(client, cfg.Redis.StreamPrefix, feed, 0).Synchronize(ctx, tag)
	if err != nil {
		return err
	}

	l := ledger.New()
	for _, ev := range snap.Events {
		l.Record(ev)
	}
	printEvents(l.Events())
	fmt.Printf("\ntag:    %s\ncursor: %s\n", tag, snap.Cursor)

	if rateString == "" {
		return nil
	}
	r, err := rate.ParseString(rateString)
	if err != nil {
		return err
	}
	now := time.Now()
	fmt.Printf("funds:  %.8f\nleft:   %s\n",
		l.RemainingFunds(r.PerSecond(), now),
		(time.Duration(l.RemainingTime(r.PerSecond(), now)) * time.Millisecond).String())
	return nil
}

func printEvents(events []model.PaymentEvent) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "OBSERVED\tAMOUNT\tID")
	for _, ev := range events {
		fmt.Fprintf(w, "%s\t%.8f\t%s\n", time.UnixMilli(ev.ObservedAt).UTC().Format(time.RFC3339), ev.Amount, ev.ID)
	}
	w.Flush()
}
