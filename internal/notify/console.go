// Package notify carries operator-facing alerts out of the pipeline.
package notify

import (
	"fmt"
	"os"
	"time"
)

// Console writes alerts to stderr so they survive log redirection.
type Console struct{}

func NewConsole() *Console { return &Console{} }

func (c *Console) Killswitch(symbol, reason string) {
	fmt.Fprintf(os.Stderr, "[%s] KILLSWITCH %s: %s (trading halted until manual reset)\n",
		time.Now().UTC().Format(time.RFC3339), symbol, reason)
}
