package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli"

	"gratibot/internal/app"
	"gratibot/internal/storage"
)

var userFlags = []cli.Flag{
	cli.StringFlag{Name: "phone", Usage: "phone number with country code, e.g. +15551234567"},
	cli.StringFlag{Name: "email", Usage: "address for the weekly digest"},
	cli.StringFlag{Name: "timezone, tz", Usage: "IANA timezone (default " + storage.DefaultTimezone + ")"},
	cli.StringFlag{Name: "time", Usage: "preferred prompt time, HH:MM (default " + storage.DefaultPreferredTime + ")"},
}

var usersCommands = []cli.Command{
	{Name: "list", Usage: "list all users", Action: usersList},
	{Name: "add", Usage: "add a user", Flags: userFlags, Action: usersAdd},
	{Name: "update", Usage: "change a user's email, timezone or time", Flags: userFlags, Action: usersUpdate},
	{Name: "delete", Usage: "delete a user", ArgsUsage: "<phone>", Action: usersDelete},
	{Name: "activate", Usage: "resume prompts for a user", ArgsUsage: "<phone>", Action: usersSetActive(true)},
	{Name: "deactivate", Usage: "pause prompts for a user", ArgsUsage: "<phone>", Action: usersSetActive(false)},
}

// withStore opens the store for one admin command.
func withStore(c *cli.Context, fn func(ctx context.Context, st storage.Store) error) error {
	st, err := app.OpenStore(configPath(c), cliLog())
	if err != nil {
		return err
	}
	defer st.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return fn(ctx, st)
}

func usersList(c *cli.Context) error {
	return withStore(c, func(ctx context.Context, st storage.Store) error {
		users, err := st.ListUsers(ctx)
		if err != nil {
			return err
		}
		if len(users) == 0 {
			fmt.Fprintln(c.App.Writer, "no users")
			return nil
		}
		tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "PHONE\tEMAIL\tTIMEZONE\tTIME\tACTIVE")
		for _, u := range users {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\n", u.Phone, u.Email, u.Timezone, u.PreferredTime, u.Active)
		}
		return tw.Flush()
	})
}

func usersAdd(c *cli.Context) error {
	u := storage.User{
		Phone:         strings.TrimSpace(c.String("phone")),
		Email:         strings.TrimSpace(c.String("email")),
		Timezone:      strings.TrimSpace(c.String("timezone")),
		PreferredTime: strings.TrimSpace(c.String("time")),
		Active:        true,
	}.WithDefaults()
	if err := u.Validate(); err != nil {
		return cli.NewExitError(err.Error(), 2)
	}
	return withStore(c, func(ctx context.Context, st storage.Store) error {
		if err := st.CreateUser(ctx, u); err != nil {
			if errors.Is(err, storage.ErrExists) {
				return cli.NewExitError(fmt.Sprintf("user %s already exists", u.Phone), 1)
			}
			return err
		}
		fmt.Fprintf(c.App.Writer, "added %s (%s at %s)\n", u.Phone, u.Timezone, u.PreferredTime)
		return nil
	})
}

func usersUpdate(c *cli.Context) error {
	phone := strings.TrimSpace(c.String("phone"))
	if phone == "" {
		phone = strings.TrimSpace(c.Args().First())
	}
	if err := storage.ValidatePhone(phone); err != nil {
		return cli.NewExitError(err.Error(), 2)
	}
	return withStore(c, func(ctx context.Context, st storage.Store) error {
		u, err := st.GetUser(ctx, phone)
		if err != nil {
			return notFound(err, phone)
		}
		if c.IsSet("email") {
			u.Email = strings.TrimSpace(c.String("email"))
		}
		if c.IsSet("timezone") {
			u.Timezone = strings.TrimSpace(c.String("timezone"))
		}
		if c.IsSet("time") {
			u.PreferredTime = strings.TrimSpace(c.String("time"))
		}
		u = u.WithDefaults()
		if err := u.Validate(); err != nil {
			return cli.NewExitError(err.Error(), 2)
		}
		if err := st.UpdateUser(ctx, u); err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "updated %s\n", u.Phone)
		return nil
	})
}

func usersDelete(c *cli.Context) error {
	phone := strings.TrimSpace(c.Args().First())
	if phone == "" {
		return cli.NewExitError("usage: gratibot users delete <phone>", 2)
	}
	return withStore(c, func(ctx context.Context, st storage.Store) error {
		if err := st.DeleteUser(ctx, phone); err != nil {
			return notFound(err, phone)
		}
		fmt.Fprintf(c.App.Writer, "deleted %s\n", phone)
		return nil
	})
}

func usersSetActive(active bool) cli.ActionFunc {
	return func(c *cli.Context) error {
		phone := strings.TrimSpace(c.Args().First())
		if phone == "" {
			return cli.NewExitError("phone required", 2)
		}
		return withStore(c, func(ctx context.Context, st storage.Store) error {
			if err := st.SetActive(ctx, phone, active); err != nil {
				return notFound(err, phone)
			}
			state := "deactivated"
			if active {
				state = "activated"
			}
			fmt.Fprintf(c.App.Writer, "%s %s\n", state, phone)
			return nil
		})
	}
}

func notFound(err error, phone string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return cli.NewExitError(fmt.Sprintf("user %s not found", phone), 1)
	}
	return err
}
