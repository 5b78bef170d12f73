package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/zombiego/zombie/common"
	"github.com/zombiego/zombie/log"
	"github.com/zombiego/zombie/otel"
	"github.com/zombiego/zombie/storage"
	"github.com/zombiego/zombie/trace"
)

type visitFlags struct {
	config        string
	wait          time.Duration
	element       string
	resources     string
	dump          bool
	traceProto    string
	traceEndpoint string
	traceInsecure bool
	traceSample   float64
}

func newVisitCmd() *cobra.Command {
	var f visitFlags

	cmd := &cobra.Command{
		Use:   "visit URL",
		Short: "Load a page, run its scripts and wait for it to settle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVisit(cmd, f, args[0])
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&f.config, "config", "c", "", "config file (ZOMBIE_* environment variables also apply)")
	flags.DurationVarP(&f.wait, "wait", "w", 0, "how long to wait for the page (default from config)")
	flags.StringVarP(&f.element, "element", "e", "", "wait for an element matching this CSS selector")
	flags.StringVarP(&f.resources, "resources", "r", "", "save the resource history as JSON to this file")
	flags.BoolVar(&f.dump, "dump", false, "print the event loop and resource history")
	flags.StringVar(&f.traceProto, "trace-proto", "http", "OTLP exporter protocol")
	flags.StringVar(&f.traceEndpoint, "trace-endpoint", "", "OTLP endpoint; tracing is off when empty")
	flags.BoolVar(&f.traceInsecure, "trace-insecure", false, "send traces without TLS")
	flags.Float64Var(&f.traceSample, "trace-sample", 1, "share of traces kept, within (0, 1]")

	return cmd
}

func runVisit(cmd *cobra.Command, f visitFlags, rawURL string) (err error) {
	opts, err := common.LoadOptions(f.config)
	if err != nil {
		return err
	}
	if f.wait > 0 {
		opts.WaitDuration = f.wait
	}

	logger, err := newLogger(opts)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	tp, err := otel.NewProvider(ctx, otel.Config{
		Proto:       f.traceProto,
		Endpoint:    f.traceEndpoint,
		Insecure:    f.traceInsecure,
		SampleRatio: f.traceSample,
		Version:     common.Version,
	})
	if err != nil {
		return err
	}
	defer func() {
		if serr := tp.Shutdown(context.Background()); serr != nil && err == nil {
			err = fmt.Errorf("shutting down trace provider: %w", serr)
		}
	}()
	ctx = common.WithTracer(ctx, trace.NewTracer(logger.Logger, tp, map[string]string{"zombie.version": common.Version}))
	ctx = common.WithOptions(ctx, opts)

	b, err := common.NewBrowser(ctx, nil, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	out := cmd.OutOrStdout()
	visitErr := b.Visit(ctx, rawURL)
	if visitErr == nil && f.element != "" {
		visitErr = b.WaitForElement(ctx, f.element, opts.WaitDuration)
	}

	if w := b.Window(); w != nil {
		fmt.Fprintf(out, "%s %s\n", color.New(color.Bold).Sprint(w.URL()), w.Doc().Title())
	}
	for _, e := range b.Errors() {
		fmt.Fprintln(out, color.RedString("error: %v", e))
	}
	if f.dump || logger.DebugMode() {
		fmt.Fprintln(out, b.Dump())
	}
	if f.resources != "" {
		if err := b.SaveResources(ctx, f.resources, &storage.LocalFilePersister{}); err != nil {
			return err
		}
	}

	return visitErr
}

func newLogger(opts *common.Options) (*log.Logger, error) {
	logger := log.New(logrus.New(), opts.Debug, nil)
	if err := logger.SetLevel(opts.LogLevel); err != nil {
		return nil, err
	}
	if err := logger.SetCategoryFilter(opts.LogCategoryFilter); err != nil {
		return nil, err
	}
	return logger, nil
}
