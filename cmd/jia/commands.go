package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"jia/internal/app"
	"jia/internal/config"
	"jia/internal/domain"
	"jia/internal/repo"
	"jia/internal/streamtime"
)

func precomputeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "precompute",
		Short: "Inspect precompute tasks",
		Long:  "Tasks started by a save that was then rolled back are kept as orphans until they are stopped.",
	}
	orphans := &cobra.Command{Use: "orphans", Short: "Tasks left running by failed saves"}
	orphans.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List orphaned tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				list, err := a.Engine.ListOrphanedTasks(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(list)
				}
				tw := newTable("Task", "Board", "Panel", "Recorded")
				for _, o := range list {
					tw.AppendRow([]any{o.TaskID, o.BoardID, o.PanelID, o.RecordedAt})
				}
				tw.Render()
				return nil
			})
		},
	})
	orphans.AddCommand(&cobra.Command{
		Use:   "stop <task-id>",
		Short: "Stop an orphaned task and forget it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.StopOrphanedTask(ctx, args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Println("stopped", args[0])
				return nil
			})
		},
	})
	cmd.AddCommand(orphans)
	return cmd
}

func timeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "time",
		Short: "Convert between instants and stream ticks",
		Long:  "Ticks count 100ns units since 1970-01-01T00:00:00Z. Naive instants are read as UTC.",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "now",
		Short: "Print the current time in ticks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printTime(streamtime.Now())
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "to-ticks <instant|epoch-seconds>",
		Short: "Convert an RFC 3339 instant or epoch seconds to ticks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ts, err := parseTimeArg(args[0])
			if err != nil {
				return err
			}
			return printTime(ts)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "from-ticks <ticks>",
		Short: "Convert ticks to an instant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid ticks %q", args[0])
			}
			return printTime(streamtime.Timestamp(n))
		},
	})
	return cmd
}

func parseTimeArg(arg string) (streamtime.Timestamp, error) {
	if f, err := strconv.ParseFloat(arg, 64); err == nil {
		return streamtime.TicksFromEpochSeconds(f)
	}
	t, err := streamtime.ParseInstant(arg, time.UTC)
	if err != nil {
		return 0, err
	}
	return streamtime.ToTicks(t), nil
}

func printTime(ts streamtime.Timestamp) error {
	out := map[string]any{
		"ticks":         int64(ts),
		"instant":       ts.Time().Format(time.RFC3339Nano),
		"epoch_seconds": streamtime.EpochSecondsFromTicks(ts),
	}
	if viper.GetBool("json") {
		return printJSON(out)
	}
	fmt.Printf("ticks:         %d\ninstant:       %s\nepoch seconds: %v\n", out["ticks"], out["instant"], out["epoch_seconds"])
	return nil
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage jia.yml",
		Long:  "jia.yml sets the listen address, auth, compute service, precompute behaviour, log level and webhooks.",
	}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default jia.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := filepath.Join(viper.GetString("workspace"), config.FileName)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cfg.AddCommand(initCmd)
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOrDefault(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate jia.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	return cfg
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Board saves, deletes and every precompute call, newest first.",
	}
	var n int
	var f repo.EventFilter
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				evts, err := a.Repo.LatestEvents(ctx, n, 0, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := newTable("ID", "Time", "Type", "Board", "Entity", "Actor")
				for _, e := range evts {
					tw.AppendRow([]any{e.ID, e.TS, e.Type, e.BoardID, e.EntityKind + ":" + e.EntityID, e.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&f.BoardID, "board", "", "board id filter")
	tail.Flags().StringVar(&f.Type, "type", "", "event type filter")
	tail.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	log.AddCommand(tail)
	return log
}

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
		Long:  "API keys authenticate X-Api-Key requests as an actor. Only a hash is stored; the key is printed once.",
	}
	var name, actorID string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				secret, err := newAPIKeySecret()
				if err != nil {
					return err
				}
				key := domain.APIKey{ID: uuid.NewString(), ActorID: actorID, Name: name, KeyHash: repo.HashAPIKey(secret)}
				if err := a.Repo.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "actor_id": actorID, "key": secret})
				}
				fmt.Printf("id:  %s\nkey: %s\n", key.ID, secret)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key name")
	create.Flags().StringVar(&actorID, "actor", "", "actor the key acts as (default --actor-id)")
	cmd.AddCommand(create)

	var listActor string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				keys, err := a.Repo.ListAPIKeys(ctx, listActor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable("ID", "Actor", "Name", "Created")
				for _, k := range keys {
					tw.AppendRow([]any{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&listActor, "actor", "", "only keys of this actor")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				err := a.Repo.DeleteAPIKey(ctx, strings.TrimSpace(args[0]))
				if errors.Is(err, repo.ErrNotFound) {
					return fmt.Errorf("api key %s not found", args[0])
				}
				return err
			})
		},
	})
	return cmd
}

func newAPIKeySecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "jia_" + hex.EncodeToString(buf), nil
}
