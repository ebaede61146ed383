package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/thd32000/galileo-dash/internal/export"
	"github.com/thd32000/galileo-dash/internal/server"
	"github.com/thd32000/galileo-dash/web"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run against a simulated logger")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. 127.0.0.1:5000)")
	noBrowser := flag.Bool("no-browser", false, "Do not open the browser on startup")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] galileodash starting")

	cfg := server.LoadConfig(*configPath)

	if *demo {
		cfg.Device.Simulation = true
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if *noBrowser {
		cfg.Server.OpenBrowser = false
	}

	store, err := export.NewStore(cfg.History.Path)
	if err != nil {
		log.Fatalf("[main] history store: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	if cfg.Server.OpenBrowser {
		url := fmt.Sprintf("http://%s", cfg.Server.ListenAddr)
		go func() {
			time.Sleep(time.Second)
			if err := openBrowser(url); err != nil {
				log.Printf("[main] open browser: %v", err)
			}
		}()
	}

	srv := server.New(cfg, store, web.FS)
	if err := srv.Run(ctx); err != nil {
		log.Printf("[main] server exited: %v", err)
	}
}

// openBrowser launches the platform's default browser at url.
func openBrowser(url string) error {
	switch runtime.GOOS {
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	case "darwin":
		return exec.Command("open", url).Start()
	default:
		return exec.Command("xdg-open", url).Start()
	}
}
