package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli"

	"gratibot/internal/storage"
)

var journalCommands = []cli.Command{
	{
		Name:  "add",
		Usage: "store an entry as if the user had replied by SMS",
		Flags: []cli.Flag{
			cli.StringFlag{Name: "phone", Usage: "the user's phone number"},
			cli.StringFlag{Name: "text", Usage: "entry text"},
		},
		Action: journalAdd,
	},
	{
		Name:      "list",
		Usage:     "list a user's recent entries, newest first",
		ArgsUsage: "<phone>",
		Flags: []cli.Flag{
			cli.DurationFlag{Name: "since", Value: 7 * 24 * time.Hour, Usage: "how far back to look"},
		},
		Action: journalList,
	},
}

func journalAdd(c *cli.Context) error {
	phone := strings.TrimSpace(c.String("phone"))
	text := strings.TrimSpace(c.String("text"))
	if err := storage.ValidatePhone(phone); err != nil {
		return cli.NewExitError(err.Error(), 2)
	}
	if text == "" {
		return cli.NewExitError("--text is required", 2)
	}
	return withStore(c, func(ctx context.Context, st storage.Store) error {
		if _, err := st.GetUser(ctx, phone); err != nil {
			return notFound(err, phone)
		}
		e, err := st.InsertEntry(ctx, storage.Entry{Phone: phone, Text: text})
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "stored entry %d for %s\n", e.ID, phone)
		return nil
	})
}

func journalList(c *cli.Context) error {
	phone := strings.TrimSpace(c.Args().First())
	if phone == "" {
		return cli.NewExitError("usage: gratibot journal list <phone>", 2)
	}
	since := time.Now().Add(-c.Duration("since"))
	return withStore(c, func(ctx context.Context, st storage.Store) error {
		entries, err := st.EntriesSince(ctx, phone, since)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Fprintln(c.App.Writer, "no entries")
			return nil
		}
		for _, e := range entries {
			fmt.Fprintf(c.App.Writer, "%s  %s\n", e.CreatedAt.Local().Format("2006-01-02 15:04:05"), e.Text)
		}
		return nil
	})
}
