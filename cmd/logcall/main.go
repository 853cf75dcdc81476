package main

import (
	"context"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/PatchLens/go-logcall/logcall"
	"github.com/PatchLens/go-logcall/logcall/cmd"
)

const pprofDebug = false

func main() {
	log.SetFlags(log.LstdFlags)

	if pprofDebug {
		go func() {
			if err := http.ListenAndServe("localhost:6060", nil); err != nil {
				log.Printf("pprof server failure: %v", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.NewRootCommand().ExecuteContext(ctx); err != nil {
		stop()
		log.Fatalf("%s%v", logcall.ErrorLogPrefix, err)
	}
}
