// Command broker-restart writes a restart marker a running broker
// process polls for (SPEC_FULL.md §4.9, §6.5): a one-shot signal file
// rather than a direct RPC, so the operator doesn't need the broker's
// admin credentials to trigger a drain.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/adred-codev/pusherbroker/internal/restart"
)

func main() {
	var (
		markerPath = pflag.String("marker-path", "/tmp/pusherbroker-restart.json", "path to the restart marker file")
		soft       = pflag.Bool("soft", true, "soft drain existing connections before stopping (false = stop immediately)")
	)
	pflag.Parse()

	store := restart.NewFileStore(*markerPath)
	marker := restart.Marker{Time: time.Now(), Soft: *soft}
	if err := store.Write(marker); err != nil {
		fmt.Fprintln(os.Stderr, "broker-restart:", err)
		os.Exit(1)
	}
	fmt.Printf("restart marker written to %s (soft=%v)\n", *markerPath, *soft)
}
