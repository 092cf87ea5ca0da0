package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rebootverify/rebootverify/pkg/reboot"
	"github.com/rebootverify/rebootverify/pkg/scenario"
	"github.com/rebootverify/rebootverify/pkg/version"
)

func (a *app) runCommand() *cobra.Command {
	var (
		scenarioNames []string
		deviceNames   []string
		stopOnFailure bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run configuration scenarios against the configured devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := a.setup(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			if cmd.Flags().Changed("stop-on-failure") {
				rt.cfg.StopOnFailure = stopOnFailure
			}
			if len(scenarioNames) == 0 {
				scenarioNames = rt.cfg.Scenarios
			}
			scenarios, err := scenario.Lookup(scenarioNames)
			if err != nil {
				return withCode(exitUsage, err)
			}
			devices, err := selectDevices(rt.cfg, deviceNames)
			if err != nil {
				return withCode(exitUsage, err)
			}
			if len(devices) == 0 {
				return withCode(exitConfigError, fmt.Errorf("no devices configured in %s", a.configPath))
			}

			suite, err := rt.newSuite(a.now)
			if err != nil {
				return err
			}
			results, runErr := suite.Run(ctx, devices, scenarios)
			renderResults(a.stdout, results)

			if runErr != nil {
				return withCode(exitRuntimeError, fmt.Errorf("run incomplete: %w", runErr))
			}
			for _, res := range results {
				if res.Status == scenario.StatusFailed || res.Status == scenario.StatusError {
					return withCode(exitFailed, nil)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&scenarioNames, "scenario", nil, "scenario to run (repeatable; default: scenarios from config, else all)")
	cmd.Flags().StringSliceVar(&deviceNames, "device", nil, "device name to target (repeatable; default: all configured devices)")
	cmd.Flags().BoolVar(&stopOnFailure, "stop-on-failure", false, "skip the remaining scenarios of a device after a failure")
	return cmd
}

func (a *app) rebootCommand() *cobra.Command {
	var host, device, readyHost string
	cmd := &cobra.Command{
		Use:   "reboot",
		Short: "Reboot one device and verify that it came back with a new boot epoch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := a.setup(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			target, err := resolveHost(rt.cfg, device, host)
			if err != nil {
				return withCode(exitUsage, err)
			}
			out, err := rt.orch.RebootAndVerify(ctx, reboot.Request{
				Host:      target,
				ReadyHost: readyHost,
				Poll:      readinessPoll(rt.cfg),
			})
			renderOutcome(a.stdout, out)
			if err != nil {
				return withCode(exitFailed, fmt.Errorf("reboot not verified: %w", err))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "address of the device")
	cmd.Flags().StringVar(&device, "device", "", "name of a configured device")
	cmd.Flags().StringVar(&readyHost, "ready-host", "", "address the device answers to after the reboot (default: --host)")
	return cmd
}

func (a *app) epochCommand() *cobra.Command {
	var host, device string
	cmd := &cobra.Command{
		Use:   "epoch",
		Short: "Print the current boot epoch of a device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := a.setup(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			target, err := resolveHost(rt.cfg, device, host)
			if err != nil {
				return withCode(exitUsage, err)
			}
			epoch, err := rt.tracker.Current(ctx, target)
			if err != nil {
				return withCode(exitRuntimeError, fmt.Errorf("read boot epoch: %w", err))
			}
			fmt.Fprintf(a.stdout, "host:        %s\n", target)
			fmt.Fprintf(a.stdout, "boot epoch:  %s\n", epoch.Start.UTC().Format("2006-01-02T15:04:05.000Z07:00"))
			fmt.Fprintf(a.stdout, "uptime:      %s\n", epoch.Uptime)
			fmt.Fprintf(a.stdout, "observed at: %s\n", epoch.ObservedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"))
			return nil
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "address of the device")
	cmd.Flags().StringVar(&device, "device", "", "name of a configured device")
	return cmd
}

func (a *app) validateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Validate the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if _, err := scenario.Lookup(cfg.Scenarios); err != nil {
				return withCode(exitConfigError, fmt.Errorf("configuration invalid: %w", err))
			}
			fmt.Fprintf(a.stdout, "configuration at %s is valid (%d devices)\n", a.configPath, len(cfg.Devices))
			return nil
		},
	}
}

func (a *app) scenariosCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "scenarios",
		Short: "List the built-in scenarios",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			renderScenarios(a.stdout, scenario.Builtins())
			return nil
		},
	}
}

func (a *app) versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(a.stdout, version.String())
		},
	}
}
