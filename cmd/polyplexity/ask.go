package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/scott-williams-2002/polyplexity-sub000/config"
	"github.com/scott-williams-2002/polyplexity-sub000/internal/runtime"
	"github.com/scott-williams-2002/polyplexity-sub000/internal/stream"
)

func askCMD(cfgPath *string) *cobra.Command {
	var threadID string
	var local bool
	var quiet bool
	var ask = &cobra.Command{
		Use:   "ask [question]",
		Short: "Run one turn and print the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.LoadConfig(*cfgPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			opts := runtime.BuildOptions{LocalStore: local}
			if !quiet {
				opts.Sink = progressSink(out)
			}
			app, err := runtime.Build(ctx, cfg, opts)
			if err != nil {
				return err
			}
			defer app.Close()

			if threadID == "" {
				threadID = uuid.NewString()
			}
			res, err := app.Supervisor.RunTurn(ctx, threadID, strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "\n%s\n\nthread: %s (report v%d)\n", res.FinalReport, res.ThreadID, res.ReportVersion)
			return nil
		},
	}
	ask.Flags().StringVar(&threadID, "thread", "", "continue an existing thread")
	ask.Flags().BoolVar(&local, "local", false, "keep threads in memory instead of Postgres")
	ask.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not print progress events")
	return ask
}

// progressSink prints one line per streamed event.
func progressSink(w io.Writer) stream.Sink {
	var mu sync.Mutex
	return stream.SinkFunc(func(_ context.Context, ev stream.Event) error {
		mu.Lock()
		defer mu.Unlock()
		detail := ""
		for _, key := range []string{"topic", "query", "url", "name", "error"} {
			if v, ok := ev.Payload[key]; ok {
				detail = fmt.Sprintf(" %v", v)
				break
			}
		}
		_, err := fmt.Fprintf(w, "[%s] %s%s\n", ev.Node, ev.Name, detail)
		return err
	})
}
