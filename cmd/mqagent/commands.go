package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/mqagents/internal/clock"
	"github.com/rmacdonaldsmith/mqagents/internal/config"
	"github.com/rmacdonaldsmith/mqagents/internal/feed"
	ipublisher "github.com/rmacdonaldsmith/mqagents/internal/publisher"
	"github.com/rmacdonaldsmith/mqagents/internal/transcriber"
	"github.com/rmacdonaldsmith/mqagents/pkg/publisher"
)

func newClockCommand() *cobra.Command {
	var listCalendars bool

	cmd := &cobra.Command{
		Use:   "clock",
		Short: "Publish the time every interval",
		Long: `Publish UTC, local time, the configured time zones and every enabled
calendar under the topic prefix. Zone descriptions are published retained on
each connect.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if listCalendars {
				for _, name := range clock.Calendars() {
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}
				return nil
			}
			return runAgent(cmd.Context(), config.KindClock, planClock)
		},
	}
	cmd.Flags().BoolVar(&listCalendars, "list-calendars", false, "List the available calendars and exit")
	return cmd
}

func planClock(rt *runtime) (*agentPlan, error) {
	return &agentPlan{
		bind: func(p *ipublisher.IntervalPublisher) (publisher.Handler, error) {
			return clock.NewService(p, rt.cfg.ClockService(), rt.logger)
		},
	}, nil
}

func newTranscribeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "transcribe",
		Short: "Route broker messages through transcriber rules",
		Long: `Subscribe to every topic the configured rules name and hand each message
to the rules whose topics match it. A rule may publish a result and ask to be
invoked again after a short delay.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context(), config.KindTranscribe, planTranscribe)
		},
	}
}

// buildAggregator builds every configured rule
func buildAggregator(rt *runtime) (*transcriber.Aggregator, error) {
	opts := []transcriber.Option{
		transcriber.WithLogger(rt.logger),
		transcriber.WithMetrics(rt.metrics),
	}
	if rt.cfg.Transcriber.Delay > 0 {
		opts = append(opts, transcriber.WithDelay(rt.cfg.Transcriber.Delay))
	}

	rules := make([]*transcriber.Rule, 0, len(rt.cfg.Transcriber.Rules))
	for _, rc := range rt.cfg.Transcriber.Rules {
		expression, err := rc.Expression()
		if err != nil {
			return nil, err
		}
		rule, err := transcriber.NewRule(rc.Name, rc.Topics, expression, opts...)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return transcriber.NewAggregator(rules, opts...), nil
}

func planTranscribe(rt *runtime) (*agentPlan, error) {
	agg, err := buildAggregator(rt)
	if err != nil {
		return nil, err
	}
	return &agentPlan{
		subscriptions: agg.Subscriptions(),
		bind: func(p *ipublisher.IntervalPublisher) (publisher.Handler, error) {
			agg.SetPublisher(p)
			return agg, nil
		},
	}, nil
}

func newFeedCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "feed",
		Short: "Republish values from a JSON HTTP feed",
		Long: `Fetch the configured URL every interval, publish a retained stamp with the
fetch status and one retained message per configured value.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context(), config.KindFeed, planFeed)
		},
	}
}

func planFeed(rt *runtime) (*agentPlan, error) {
	client := &http.Client{Timeout: rt.cfg.Feed.Timeout}
	return &agentPlan{
		bind: func(p *ipublisher.IntervalPublisher) (publisher.Handler, error) {
			return feed.NewService(p, rt.cfg.Feed, client, rt.logger)
		},
	}, nil
}

func newCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:       "check <clock|transcribe|feed>",
		Short:     "Validate the configuration for an agent",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{config.KindClock, config.KindTranscribe, config.KindFeed},
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := args[0]
			if err := cfg.SetDefaults(kind); err != nil {
				return err
			}
			if err := cfg.Validate(kind); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			pc, err := cfg.Publisher()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Agent: %s (%s)\n", pc.Name, kind)
			fmt.Fprintf(out, "Interval: %s\n", pc.Interval)
			fmt.Fprintf(out, "Dry run: %t\n", pc.DryRun)

			if kind == config.KindTranscribe {
				agg, err := buildAggregator(&runtime{cfg: cfg, logger: zap.NewNop()})
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Rules: %d\n", len(agg.Rules()))
				for _, sub := range agg.Subscriptions() {
					fmt.Fprintf(out, "Subscribe: %s (qos %d)\n", sub.Pattern, sub.QoS)
				}
			}
			fmt.Fprintln(out, "Configuration OK")
			return nil
		},
	}
}
