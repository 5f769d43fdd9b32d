// Copyright 2026 Flamego. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command stately-demo serves a tiny login flow backed by session containers.
package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/charmbracelet/log"
	"github.com/flamego/flamego"
	"github.com/urfave/cli/v2"

	"github.com/flamego/stately"
	"github.com/flamego/stately/config"
)

// ActiveUser is the session model of the logged in user.
type ActiveUser struct {
	UserID int `json:"user_id"`
}

var activeUserKey = stately.NamedKey[ActiveUser]("demo.ActiveUser")

func main() {
	app := &cli.App{
		Name:  "stately-demo",
		Usage: "Demonstrate typed session containers",
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Start the web server",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "config",
						Aliases: []string{"c"},
						Usage:   "Path to the YAML configuration file",
						EnvVars: []string{"STATELY_CONFIG"},
					},
					&cli.StringFlag{
						Name:  "addr",
						Usage: "Address to listen on",
						Value: "localhost:2830",
					},
					&cli.StringFlag{
						Name:  "backend",
						Usage: "Session storage: memory, file, redis, sqlite, postgres, mysql or mongo",
					},
				},
				Action: runServe,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if c.IsSet("backend") {
		cfg.Backend = c.String("backend")
	}

	f, err := newServer(cfg)
	if err != nil {
		return err
	}

	log.Info("Listening", "addr", c.String("addr"), "backend", cfg.Backend)
	return http.ListenAndServe(c.String("addr"), f)
}

// newServer returns the web server with session containers configured by cfg.
func newServer(cfg *config.Config) (*flamego.Flame, error) {
	initer, storageCfg, err := cfg.Storage()
	if err != nil {
		return nil, err
	}

	f := flamego.Classic()
	f.Use(stately.Stately(
		stately.Options{
			Initer:    initer,
			Config:    storageCfg,
			Container: cfg.Container(),
		},
	))
	f.Get("/login", func(c *stately.Container) string {
		stately.Get(c, activeUserKey).UserID = 123
		return "Logged in"
	})
	f.Get("/", func(c *stately.Container) string {
		return stately.UpdateOptional(c, activeUserKey, func(u *ActiveUser) string {
			if u == nil {
				return "Not logged in"
			}
			return fmt.Sprintf("Active User: %d", u.UserID)
		})
	})
	f.Get("/logout", func(c *stately.Container) string {
		c.Remove(activeUserKey)
		return "Logged out"
	})
	return f, nil
}
