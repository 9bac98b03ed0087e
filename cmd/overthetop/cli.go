package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"go.klb.dev/overthetop/internal/flowtable"
	"go.klb.dev/overthetop/internal/kernel"
	"go.klb.dev/overthetop/internal/nodeid"
	"go.klb.dev/overthetop/internal/player"
	"go.klb.dev/overthetop/internal/utilx"
)

// runConsole drives the interactive operator console on stdin/stdout. It
// exits when ctx is cancelled or stdin reaches EOF.
func runConsole(ctx context.Context, k *kernel.Kernel, log *slog.Logger) {
	fmt.Printf("overthetop node %s, type \"help\" for commands\n", k.ID())

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	sinks := map[string]*player.ChannelPlayer{}

	for {
		fmt.Print("overthetop> ")
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err := dispatch(ctx, k, log, sinks, line); err != nil {
				fmt.Println("error:", err)
			}
		}
	}
}

func dispatch(ctx context.Context, k *kernel.Kernel, log *slog.Logger, sinks map[string]*player.ChannelPlayer, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "help":
		printHelp()
	case "connect":
		if len(args) != 1 {
			return fmt.Errorf("usage: connect <control-addr>")
		}
		return k.Connect(args[0])
	case "disconnect":
		id, err := nodeid.Parse(arg(args, 0))
		if err != nil {
			return err
		}
		return k.Disconnect(id)
	case "forget":
		id, err := nodeid.Parse(arg(args, 0))
		if err != nil {
			return err
		}
		k.ForgetNeighbour(id)
	case "yield":
		if len(args) != 3 {
			return fmt.Errorf("usage: yield <flow-id> <extension> <path>")
		}
		return k.YieldFlow(args[0], args[1], args[2])
	case "withdraw":
		if len(args) != 1 {
			return fmt.Errorf("usage: withdraw <flow-id>")
		}
		return k.WithdrawFlow(args[0])
	case "play":
		if len(args) < 1 {
			return fmt.Errorf("usage: play <flow-id> [origin]")
		}
		origin := nodeid.Zero
		if len(args) > 1 {
			var err error
			origin, err = nodeid.Parse(args[1])
			if err != nil {
				return err
			}
		}
		sink := player.NewChannelPlayer(64)
		key := k.NewPlayer(args[0], origin, sink)
		sinks[key.String()] = sink
		log.Info("requested flow", "key", key)
		go drainPlayer(ctx, key.String(), sink)
	case "stop":
		if len(args) != 1 {
			return fmt.Errorf("usage: stop <flow-id>@<origin>")
		}
		key, err := parseFlowKey(args[0])
		if err != nil {
			return err
		}
		k.RemovePlayer(key)
		delete(sinks, args[0])
	case "neighbours", "neighbors":
		printNeighbours(k)
	case "nodes":
		printNodes(k)
	case "flows":
		printFlows(k)
	case "players":
		printPlayers(k)
	case "status":
		printStatus(k)
	case "quit", "exit":
		os.Exit(0)
	default:
		return fmt.Errorf("unknown command %q (try \"help\")", cmd)
	}
	return nil
}

func drainPlayer(ctx context.Context, label string, sink *player.ChannelPlayer) {
	total := 0
	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-sink.Chunks():
			if !ok {
				fmt.Printf("\n[%s] stream ended after %d chunks\n", label, total)
				return
			}
			total++
			if total%50 == 0 {
				fmt.Printf("\n[%s] received %d chunks (%d bytes last)\n", label, total, len(chunk))
			}
		}
	}
}

func arg(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}

func parseFlowKey(s string) (flowtable.Key, error) {
	parts := strings.SplitN(s, "@", 2)
	if len(parts) != 2 {
		return flowtable.Key{}, fmt.Errorf("expected <flow-id>@<origin>, got %q", s)
	}
	id, err := nodeid.Parse(parts[1])
	if err != nil {
		return flowtable.Key{}, err
	}
	return flowtable.Key{FlowID: parts[0], Origin: id}, nil
}

func printHelp() {
	fmt.Println(strings.TrimSpace(`
connect <addr>              dial a neighbour's control address
disconnect <node-id>        drop a connected neighbour
forget <node-id>            abandon reconnection attempts for a timed-out neighbour
yield <flow-id> <ext> <path>  originate a flow from a local file
withdraw <flow-id>           stop originating a flow
play <flow-id> [origin]     request a flow and stream its chunk counts
stop <flow-id>@<origin>     cancel a requested flow
neighbours                   list connected neighbours
nodes                        list every node reachable via routing
flows                        list known flows and their state
players                      list flows with a locally registered player
status                       nested dump of neighbours and flows
quit                         exit
`))
}

func printNodes(k *kernel.Kernel) {
	for _, id := range k.GetKnownNodes() {
		fmt.Println(id)
	}
}

func printPlayers(k *kernel.Kernel) {
	for _, key := range k.GetActivePlayers() {
		fmt.Println(key)
	}
}

func renderNeighbours(k *kernel.Kernel) string {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 1, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCOST")
	for _, nb := range k.GetNeighbours() {
		fmt.Fprintf(w, "%s\t%s\t%d\n", nb.ID, nb.Name, nb.Cost)
	}
	w.Flush()
	return strings.TrimRight(buf.String(), "\n")
}

func renderFlows(k *kernel.Kernel) string {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 1, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FLOW\tORIGIN\tSTATE")
	for _, f := range k.GetAvailableFlows() {
		fmt.Fprintf(w, "%s\t%s\t%s\n", f.Key.FlowID, f.Key.Origin, f.State)
	}
	w.Flush()
	return strings.TrimRight(buf.String(), "\n")
}

func printNeighbours(k *kernel.Kernel) {
	fmt.Println(renderNeighbours(k))
}

func printFlows(k *kernel.Kernel) {
	fmt.Println(renderFlows(k))
}

// printStatus renders a single nested dump of this node's neighbours and
// known flows, each section indented under its header.
func printStatus(k *kernel.Kernel) {
	fmt.Printf("node %s\n", k.ID())
	fmt.Println("neighbours:")
	fmt.Println(utilx.AddTabs(renderNeighbours(k), 1, "  "))
	fmt.Println("flows:")
	fmt.Println(utilx.AddTabs(renderFlows(k), 1, "  "))
}
