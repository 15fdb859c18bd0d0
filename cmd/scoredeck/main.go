package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	scoredeckcmd "github.com/louisbranch/scoredeck/internal/cmd/scoredeck"
)

func main() {
	cfg, args, err := scoredeckcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[SCOREDECK] ")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := scoredeckcmd.Run(ctx, cfg, args); err != nil {
		log.Fatalf("%v", err)
	}
}
