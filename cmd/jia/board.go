package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"jia/internal/app"
	"jia/internal/engine"
	"jia/internal/reconcile"
	jiasdk "jia/sdk/go"
)

// boards is what the board commands need, served either by a local
// workspace or by a remote jia server.
type boards interface {
	List(ctx context.Context) ([]jiasdk.BoardSummary, error)
	Get(ctx context.Context, id string) (json.RawMessage, error)
	Create(ctx context.Context, doc []byte) (jiasdk.SaveResult, error)
	Save(ctx context.Context, id string, doc []byte) (jiasdk.SaveResult, error)
	Plan(ctx context.Context, id string, doc []byte) (jiasdk.Plan, error)
	Delete(ctx context.Context, id string) error
}

type localBoards struct {
	e       engine.Engine
	actorID string
}

func (l localBoards) List(ctx context.Context) ([]jiasdk.BoardSummary, error) {
	list, err := l.e.ListBoards(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]jiasdk.BoardSummary, 0, len(list))
	for _, b := range list {
		out = append(out, jiasdk.BoardSummary{ID: b.ID, Title: b.Title, UpdatedAt: b.UpdatedAt})
	}
	return out, nil
}

func (l localBoards) Get(ctx context.Context, id string) (json.RawMessage, error) {
	b, err := l.e.GetBoard(ctx, id)
	if err != nil {
		return nil, err
	}
	return json.Marshal(b)
}

func (l localBoards) Create(ctx context.Context, doc []byte) (jiasdk.SaveResult, error) {
	return saveResult(l.e.CreateBoard(ctx, doc, l.actorID))
}

func (l localBoards) Save(ctx context.Context, id string, doc []byte) (jiasdk.SaveResult, error) {
	return saveResult(l.e.SaveBoard(ctx, id, doc, l.actorID))
}

func (l localBoards) Plan(ctx context.Context, id string, doc []byte) (jiasdk.Plan, error) {
	plan, err := l.e.PlanSave(ctx, id, doc)
	if err != nil {
		return jiasdk.Plan{}, err
	}
	out := jiasdk.Plan{Actions: make([]jiasdk.PlanAction, 0, len(plan.Actions)), Panels: len(plan.Panels)}
	for _, a := range plan.Actions {
		pa := jiasdk.PlanAction{Kind: a.Kind.String(), Reason: string(a.Reason), Step: a.Step, PanelID: a.PanelID}
		if a.Kind == reconcile.Disable {
			pa.TaskID = a.Panel.TaskID()
		}
		out.Actions = append(out.Actions, pa)
	}
	return out, nil
}

func (l localBoards) Delete(ctx context.Context, id string) error {
	return l.e.DeleteBoard(ctx, id, l.actorID)
}

func saveResult(res engine.SaveResult, err error) (jiasdk.SaveResult, error) {
	if err != nil {
		return jiasdk.SaveResult{}, err
	}
	data, err := json.Marshal(res.Board)
	if err != nil {
		return jiasdk.SaveResult{}, err
	}
	return jiasdk.SaveResult{Board: data, UnknownPanels: res.Unknown}, nil
}

type remoteBoards struct{ c *jiasdk.Client }

func (r remoteBoards) List(ctx context.Context) ([]jiasdk.BoardSummary, error) {
	return r.c.ListBoards(ctx)
}

func (r remoteBoards) Get(ctx context.Context, id string) (json.RawMessage, error) {
	return r.c.GetBoard(ctx, id)
}

func (r remoteBoards) Create(ctx context.Context, doc []byte) (jiasdk.SaveResult, error) {
	return r.c.CreateBoard(ctx, doc)
}

func (r remoteBoards) Save(ctx context.Context, id string, doc []byte) (jiasdk.SaveResult, error) {
	return r.c.SaveBoard(ctx, id, doc)
}

func (r remoteBoards) Plan(ctx context.Context, id string, doc []byte) (jiasdk.Plan, error) {
	if id == "" {
		id = "new"
	}
	return r.c.PlanBoard(ctx, id, doc)
}

func (r remoteBoards) Delete(ctx context.Context, id string) error {
	return r.c.DeleteBoard(ctx, id)
}

func remoteClient() *jiasdk.Client {
	c := jiasdk.New(viper.GetString("server"))
	c.APIKey = viper.GetString("api-key")
	c.ActorID = viper.GetString("actor-id")
	return c
}

func withBoards(ctx context.Context, fn func(context.Context, boards) error) error {
	if viper.GetString("server") != "" {
		return fn(ctx, remoteBoards{c: remoteClient()})
	}
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		return fn(ctx, localBoards{e: a.Engine, actorID: viper.GetString("actor-id")})
	})
}

func readDocument(path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func boardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "board",
		Short: "Manage boards",
		Long:  "Boards are stored as JSON documents. Saving a board reconciles its panels' precompute tasks with the compute service.",
	}
	cmd.AddCommand(boardListCmd())
	cmd.AddCommand(boardShowCmd())
	cmd.AddCommand(boardCreateCmd())
	cmd.AddCommand(boardSaveCmd())
	cmd.AddCommand(boardDeleteCmd())
	return cmd
}

func boardListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List boards",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBoards(cmd.Context(), func(ctx context.Context, b boards) error {
				list, err := b.List(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(list)
				}
				tw := newTable("ID", "Title", "Updated")
				for _, s := range list {
					tw.AppendRow([]any{s.ID, s.Title, s.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func boardShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print a board document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBoards(cmd.Context(), func(ctx context.Context, b boards) error {
				doc, err := b.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(doc)
			})
		},
	}
}

func boardCreateCmd() *cobra.Command {
	var file string
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a board from a JSON document",
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readDocument(file)
			if err != nil {
				return err
			}
			return withBoards(cmd.Context(), func(ctx context.Context, b boards) error {
				if dryRun {
					return printPlan(b.Plan(ctx, "", doc))
				}
				return printSaved(b.Create(ctx, doc))
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "board document (default stdin)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the precompute actions without saving")
	return cmd
}

func boardSaveCmd() *cobra.Command {
	var file string
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "save <id>",
		Short: "Save a board and reconcile its precompute tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readDocument(file)
			if err != nil {
				return err
			}
			return withBoards(cmd.Context(), func(ctx context.Context, b boards) error {
				if dryRun {
					return printPlan(b.Plan(ctx, args[0], doc))
				}
				return printSaved(b.Save(ctx, args[0], doc))
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "board document (default stdin)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the precompute actions without saving")
	return cmd
}

func boardDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Stop a board's precompute tasks and delete it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBoards(cmd.Context(), func(ctx context.Context, b boards) error {
				if err := b.Delete(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
}

func printSaved(res jiasdk.SaveResult, err error) error {
	var ie *reconcile.IncompleteError
	if errors.As(err, &ie) {
		fmt.Fprintf(os.Stderr, "precompute state unknown for panels: %s\n", strings.Join(ie.Unknown, ", "))
	}
	if err != nil {
		return err
	}
	if len(res.UnknownPanels) > 0 {
		fmt.Fprintf(os.Stderr, "saved, but precompute state unknown for panels: %s\n", strings.Join(res.UnknownPanels, ", "))
	}
	return printJSON(res.Board)
}

func printPlan(plan jiasdk.Plan, err error) error {
	if err != nil {
		return err
	}
	if viper.GetBool("json") {
		return printJSON(plan)
	}
	if len(plan.Actions) == 0 {
		fmt.Printf("no precompute changes (%d panels)\n", plan.Panels)
		return nil
	}
	tw := newTable("Step", "Action", "Panel", "Reason", "Task")
	for _, a := range plan.Actions {
		tw.AppendRow([]any{a.Step, a.Kind, a.PanelID, a.Reason, a.TaskID})
	}
	tw.Render()
	return nil
}
