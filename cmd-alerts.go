package main

import (
	"errors"

	"github.com/JamesJJ/dmarc-rollup/internal/alert"
	"github.com/spf13/cobra"
)

var (
	alertRules   string
	alertChannel string
)

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Evaluate alert rule sets and publish any events",
	Long: `Evaluate every rule set of a YAML rule file against its trailing window.
Events are published as JSON on a Redis channel when --redis-url is set and
are always printed.`,
	Args: cobra.NoArgs,
	RunE: runAlerts,
}

func init() {
	rootCmd.AddCommand(alertsCmd)
	alertsCmd.Flags().StringVar(&alertRules, "rules", "", "YAML file with alert rule sets [MANDATORY]")
	alertsCmd.Flags().StringVar(&alertChannel, "channel", alert.DefaultChannel, "Redis channel alert events are published on")
}

func runAlerts(cmd *cobra.Command, _ []string) error {

	if alertRules == "" {
		_ = cmd.Usage()
		return errors.New("--rules is required")
	}

	ctx := cmd.Context()

	sets, err := alert.LoadRuleSets(ctx, alertRules)
	if err != nil {
		return err
	}

	svc, err := openServices(ctx, conf)
	if err != nil {
		return err
	}
	defer svc.Close()

	events, err := alert.NewEvaluator(svc.engine(conf)).RunAll(ctx, sets)
	if err != nil {
		return err
	}

	var publisher alert.Publisher = alert.LogPublisher{}
	if svc.redis != nil {
		publisher = alert.NewRedisPublisher(svc.redis, alertChannel)
	}
	if err := publisher.Publish(ctx, events); err != nil {
		return err
	}

	if events == nil {
		events = []alert.Event{}
	}
	return printJSON(cmd.OutOrStdout(), events)
}
