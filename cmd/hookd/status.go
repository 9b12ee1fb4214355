package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/basket/hookd/internal/config"
	"github.com/basket/hookd/internal/hookflow"
	"github.com/basket/hookd/internal/lifecycle"
)

// runStatus prints a short health summary for one instance, or scans the
// discovery window when no port is given.
func runStatus(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	port := fs.Int("port", 0, "instance port (default: scan the discovery window)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		return 1
	}

	client := hookflow.NewClient(cfg.Host, 5*time.Second)
	prober := lifecycle.NewProber(cfg.Host, cfg.ProbeTimeout())

	ports := []int{*port}
	if *port <= 0 {
		ports = nil
		for p := cfg.BasePort; p < cfg.BasePort+cfg.PortCount; p++ {
			if prober.Healthy(ctx, p) {
				ports = append(ports, p)
			}
		}
		if len(ports) == 0 {
			fmt.Println("no running instances")
			return 0
		}
	}

	exit := 0
	for _, p := range ports {
		health, err := client.Health(ctx, p)
		if err != nil {
			fmt.Printf("port %d: unreachable (%v)\n", p, err)
			exit = 1
			continue
		}
		count, err := client.SessionCount(ctx, p)
		if err != nil {
			fmt.Printf("port %d: healthy, session count unavailable (%v)\n", p, err)
			continue
		}
		uptime := "?"
		if v, ok := health["uptime_seconds"].(float64); ok {
			uptime = (time.Duration(v) * time.Second).String()
		}
		fmt.Printf("port %d: healthy, %d session(s), up %s\n", p, count, uptime)
	}
	return exit
}
