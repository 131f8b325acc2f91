package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/daviddao/ftcic/pkg/model"
	"github.com/daviddao/ftcic/pkg/store"
)

func (a *app) cmdLatest(args []string) int {
	flags := flag.NewFlagSet("latest", flag.ContinueOnError)
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if flags.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: ftd latest <body> [--json]")
		return 1
	}
	id := model.BodyID(flags.Arg(0))

	c, err := a.store.Latest(context.Background(), id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ftd: latest: %v\n", err)
		return 1
	}
	if *jsonOut {
		printJSON(c)
		return 0
	}
	printCheckpoint(c)
	return 0
}

func printCheckpoint(c model.Checkpoint) {
	fmt.Printf("body:        %s\n", c.BodyID)
	fmt.Printf("index:       %d\n", c.Index)
	fmt.Printf("incarnation: %d\n", c.Incarnation)
	fmt.Printf("size:        %s\n", humanize.Bytes(uint64(len(c.State))))
	if !c.CreatedAt.IsZero() {
		fmt.Printf("created:     %s (%s)\n", c.CreatedAt.Format(time.RFC3339), humanize.Time(c.CreatedAt))
	}
	info := c.Info
	fmt.Printf("received:    %d (committed %d)\n", info.LastRcvdRequestIndex, info.LastCommittedIndex)
	if n := len(info.History); n > 0 {
		fmt.Printf("history:     [%d, %d]\n", info.HistoryBase, info.HistoryBase+int64(n)-1)
	}
	if n := len(info.RequestsToResend) + len(info.RepliesToResend); n > 0 {
		fmt.Printf("to resend:   %d\n", n)
	}
}

// checkpointRow is one line of `ftd checkpoints`.
type checkpointRow struct {
	Body        model.BodyID      `json:"body"`
	Index       int64             `json:"index"`
	Incarnation model.Incarnation `json:"incarnation"`
	Size        int               `json:"size"`
	CreatedAt   time.Time         `json:"created_at"`
}

func (a *app) listCheckpoints(ctx context.Context, ids []model.BodyID) ([]checkpointRow, error) {
	var rows []checkpointRow
	for _, id := range ids {
		indices, err := a.store.Indices(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, idx := range indices {
			c, err := a.store.Get(ctx, id, idx)
			if err != nil {
				return nil, err
			}
			rows = append(rows, checkpointRow{
				Body: id, Index: idx, Incarnation: c.Incarnation,
				Size: len(c.State), CreatedAt: c.CreatedAt,
			})
		}
	}
	return rows, nil
}

func (a *app) cmdCheckpoints(args []string) int {
	flags := flag.NewFlagSet("checkpoints", flag.ContinueOnError)
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	ctx := context.Background()

	var ids []model.BodyID
	if flags.NArg() > 0 {
		for _, s := range flags.Args() {
			ids = append(ids, model.BodyID(s))
		}
	} else {
		var err error
		if ids, err = a.backend.Bodies(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "ftd: checkpoints: %v\n", err)
			return 1
		}
	}

	rows, err := a.listCheckpoints(ctx, ids)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ftd: checkpoints: %v\n", err)
		return 1
	}
	if *jsonOut {
		if rows == nil {
			rows = []checkpointRow{}
		}
		printJSON(rows)
		return 0
	}
	if len(rows) == 0 {
		fmt.Println("no checkpoints")
		return 0
	}
	for _, r := range rows {
		fmt.Printf("  %-36s idx=%-5d inc=%-3d %8s  %s\n",
			r.Body, r.Index, r.Incarnation, humanize.Bytes(uint64(r.Size)), humanize.Time(r.CreatedAt))
	}
	return 0
}

func (a *app) cmdCollect(args []string) int {
	flags := flag.NewFlagSet("collect", flag.ContinueOnError)
	keep := flags.Int("keep", envInt("FTD_KEEP", 2), "checkpoints retained per body")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	s := store.New(store.Config{Backend: a.backend, Retention: store.KeepLast(*keep), Log: a.log.New("module", "store")})
	n, err := s.Collect(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "ftd: collect: %v\n", err)
		return 1
	}
	if *jsonOut {
		printJSON(map[string]int{"collected": n, "keep": *keep})
		return 0
	}
	fmt.Printf("collected %d checkpoint(s), keeping the newest %d per body\n", n, *keep)
	return 0
}
