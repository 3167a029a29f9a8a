//go:build no_automation

package main

import (
	"log/slog"

	"deye-go-cloud/internal/poller"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *poller.Poller, _ *Config, _ *slog.Logger) *autoStopper {
	return &autoStopper{}
}
