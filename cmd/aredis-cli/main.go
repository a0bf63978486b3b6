// Command aredis-cli is a small interactive client for poking at a server
// or a cluster.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/aredis/aredis"
	"github.com/aredis/aredis/resp"
)

// fileConfig is the optional TOML configuration.
type fileConfig struct {
	URI      string   `toml:"uri"`
	Host     string   `toml:"host"`
	Port     int      `toml:"port"`
	Auth     string   `toml:"auth"`
	Database int      `toml:"database"`
	Protocol string   `toml:"protocol"`
	Name     string   `toml:"client_name"`
	Cluster  []string `toml:"cluster_seeds"`
}

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	uri := flag.String("uri", "", "server URI (redis://[:password@]host[:port][/db])")
	protocol := flag.String("protocol", "", "protocol: resp2 or resp3")
	flag.Parse()

	var fc fileConfig
	if *configPath != "" {
		if _, err := toml.DecodeFile(*configPath, &fc); err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(1)
		}
	}
	if *uri != "" {
		fc.URI = *uri
	}
	if *protocol != "" {
		fc.Protocol = *protocol
	}

	cfg := aredis.Config{
		URI:        fc.URI,
		Host:       fc.Host,
		Port:       fc.Port,
		Auth:       fc.Auth,
		Database:   fc.Database,
		Protocol:   fc.Protocol,
		ClientName: fc.Name,
	}

	ctx := context.Background()
	doer, closer, err := connect(ctx, cfg, fc.Cluster)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	defer closer()

	fmt.Println("aredis-cli — type a command, or 'quit'")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.EqualFold(line, "quit") {
			break
		}

		fields := strings.Fields(line)
		args := make([]any, len(fields))
		for i, f := range fields {
			args[i] = f
		}

		cmdCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		reply, err := doer.DoCmd(cmdCtx, aredis.NewCommand(args...))
		cancel()
		if err != nil {
			fmt.Printf("(error) %v\n", err)
			continue
		}
		printReply(reply, 0)
	}
}

func connect(ctx context.Context, cfg aredis.Config, seeds []string) (aredis.Doer, func(), error) {
	if len(seeds) > 0 {
		cluster, err := aredis.ConnectCluster(ctx, aredis.ClusterConfig{
			Seeds: seeds,
			Conn:  cfg,
		})
		if err != nil {
			return nil, nil, err
		}
		return cluster, func() { cluster.Close() }, nil
	}

	client, err := aredis.Connect(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return client, func() { client.Close() }, nil
}

func printReply(r *resp.Reply, indent int) {
	pad := strings.Repeat("  ", indent)
	switch r.Type {
	case resp.TypeArray, resp.TypeSet, resp.TypePush, resp.TypeMap:
		if r.IsNil() {
			fmt.Printf("%s(nil)\n", pad)
			return
		}
		for i, el := range r.Elems {
			fmt.Printf("%s%d) ", pad, i+1)
			printReply(el, 0)
		}
	default:
		if r.IsNil() {
			fmt.Printf("%s(nil)\n", pad)
			return
		}
		fmt.Printf("%s%s\n", pad, r.Text())
	}
}
