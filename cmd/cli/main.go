package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/erh/vmodutils"
	"go.viam.com/rdk/logging"
	genericservice "go.viam.com/rdk/services/generic"
)

func main() {
	err := realMain()
	if err != nil {
		panic(err)
	}
}

func realMain() error {
	name := flag.String("name", "tag-tracker", "tag tracker service name on the machine")
	command := flag.String("command", "get-pose", "command to send (get-pose, get-state, get-stats, list-modes, enable, disable)")
	flag.Parse()

	ctx := context.Background()
	logger := logging.NewLogger("cli")

	machine, err := vmodutils.ConnectToMachineFromEnv(ctx, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to machine: %w", err)
	}
	defer machine.Close(ctx)

	tracker, err := machine.ResourceByName(genericservice.Named(*name))
	if err != nil {
		return fmt.Errorf("failed to find tag tracker %q: %w", *name, err)
	}

	resp, err := tracker.DoCommand(ctx, map[string]interface{}{"command": *command})
	if err != nil {
		return err
	}
	for k, v := range resp {
		logger.Infof("%s: %v", k, v)
	}
	return nil
}
