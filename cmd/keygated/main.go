// Command keygated runs the license authority: the validation API, billing
// webhook intake, the admin API, and the scheduled maintenance jobs.
package main

import (
	"log/slog"
	"os"

	"keygate/internal/app"
)

func main() {
	application, err := app.New()
	if err != nil {
		slog.Error("startup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := application.Run(); err != nil {
		slog.Error("server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
