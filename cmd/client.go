package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/chessdojo/enginepool/client"
	cmd_commons "github.com/chessdojo/enginepool/cmd/commons"
	"github.com/chessdojo/enginepool/engine"
	"github.com/chessdojo/enginepool/service/api"
	"github.com/spf13/cobra"
)

func addClientCommands(root *cobra.Command) {
	evalCmd := &cobra.Command{
		Use:   "eval <fen>",
		Short: "Evaluate a position",
		Args:  cobra.MinimumNArgs(1),
		RunE:  processEvalCommand,
	}
	cmd_commons.SetClientFlags(evalCmd)
	evalCmd.Flags().StringP("engine", "e", "", "Engine name, the first configured engine if empty")
	evalCmd.Flags().IntP("depth", "", 0, "Search depth, the service default if 0")
	evalCmd.Flags().IntP("lines", "l", 0, "Number of lines, the service default if 0")
	evalCmd.Flags().IntP("threads", "", 0, "Threads per engine, the service default if 0")
	evalCmd.Flags().IntP("hash", "", 0, "Hash size in MB, the service default if 0")
	evalCmd.Flags().BoolP("partial", "p", false, "Print partial evaluations")

	statsCmd := &cobra.Command{
		Use:   "stats [eval|cloud]",
		Short: "Print cache stats",
		Args:  cobra.MaximumNArgs(1),
		RunE:  processStatsCommand,
	}
	cmd_commons.SetClientFlags(statsCmd)

	clearCmd := &cobra.Command{
		Use:   "clear <eval|cloud>",
		Short: "Clear a cache",
		Args:  cobra.ExactArgs(1),
		RunE:  processClearCommand,
	}
	cmd_commons.SetClientFlags(clearCmd)

	enginesCmd := &cobra.Command{
		Use:   "engines",
		Short: "List configured engines",
		Args:  cobra.NoArgs,
		RunE:  processEnginesCommand,
	}
	cmd_commons.SetClientFlags(enginesCmd)

	cloudCmd := &cobra.Command{
		Use:   "cloud <fen>",
		Short: "Look up a position in the cloud database",
		Args:  cobra.MinimumNArgs(1),
		RunE:  processCloudCommand,
	}
	cmd_commons.SetClientFlags(cloudCmd)

	root.AddCommand(evalCmd, statsCmd, clearCmd, enginesCmd, cloudCmd)
}

func connectClient(command *cobra.Command) (*client.PoolServiceClient, error) {
	endpoint, timeout, err := cmd_commons.ProcessClientFlags(command)
	if err != nil {
		return nil, err
	}

	poolClient := client.NewPoolServiceClient(endpoint, timeout, "")
	err = poolClient.Connect()
	if err != nil {
		return nil, err
	}
	return poolClient, nil
}

func printJSON(value interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func processEvalCommand(command *cobra.Command, args []string) error {
	poolClient, err := connectClient(command)
	if err != nil {
		return err
	}
	defer poolClient.Disconnect()

	engineName, _ := command.Flags().GetString("engine")
	depth, _ := command.Flags().GetInt("depth")
	lines, _ := command.Flags().GetInt("lines")
	threads, _ := command.Flags().GetInt("threads")
	hashMB, _ := command.Flags().GetInt("hash")
	printPartial, _ := command.Flags().GetBool("partial")

	request := &api.EvaluateRequest{
		FEN:     strings.Join(args, " "),
		Engine:  engineName,
		Depth:   depth,
		Lines:   lines,
		Threads: threads,
		HashMB:  hashMB,
	}

	var callback client.PartialEvalCallback
	if printPartial {
		callback = func(eval *engine.PositionEval) {
			if len(eval.Lines) == 0 {
				return
			}
			line := eval.Lines[0]
			fmt.Fprintf(os.Stderr, "depth %d: %s\n", line.Depth, strings.Join(line.SAN, " "))
		}
	}

	response, err := poolClient.Evaluate(context.Background(), request, callback)
	if err != nil {
		return err
	}

	return printJSON(response)
}

func processStatsCommand(command *cobra.Command, args []string) error {
	poolClient, err := connectClient(command)
	if err != nil {
		return err
	}
	defer poolClient.Disconnect()

	cacheNames := []string{api.CacheNameEval, api.CacheNameCloud}
	if len(args) > 0 {
		cacheNames = args[:1]
	}

	for _, cacheName := range cacheNames {
		response, err := poolClient.CacheStats(cacheName)
		if err != nil {
			if len(args) > 0 {
				return err
			}
			continue
		}

		fmt.Printf("%s: %s\n", cacheName, response.Stats.String())
	}
	return nil
}

func processClearCommand(command *cobra.Command, args []string) error {
	poolClient, err := connectClient(command)
	if err != nil {
		return err
	}
	defer poolClient.Disconnect()

	err = poolClient.ClearCache(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("cleared %s cache\n", args[0])
	return nil
}

func processEnginesCommand(command *cobra.Command, args []string) error {
	poolClient, err := connectClient(command)
	if err != nil {
		return err
	}
	defer poolClient.Disconnect()

	engines, err := poolClient.Engines()
	if err != nil {
		return err
	}

	return printJSON(engines)
}

func processCloudCommand(command *cobra.Command, args []string) error {
	poolClient, err := connectClient(command)
	if err != nil {
		return err
	}
	defer poolClient.Disconnect()

	response, err := poolClient.CloudLookup(strings.Join(args, " "))
	if err != nil {
		return err
	}

	return printJSON(response)
}
