package main

import (
	"context"
	"os/exec"
	"runtime"
	"time"

	"github.com/rs/zerolog"
)

func browserCommand(url string) *exec.Cmd {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", url)
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		return exec.Command("xdg-open", url)
	}
}

// openBrowserAfter opens url once delay has passed, unless ctx ends first.
func openBrowserAfter(ctx context.Context, delay time.Duration, url string, log zerolog.Logger) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}
	cmd := browserCommand(url)
	if err := cmd.Start(); err != nil {
		log.Debug().Err(err).Str("url", url).Msg("could not open browser")
		return
	}
	go cmd.Wait()
}
