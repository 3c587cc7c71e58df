// Command opprof profiles a synthetic operator workload and serves a
// monitor that starts and stops profiling sessions.
package main

import "github.com/sarchlab/opprof/cmd/opprof/cmd"

func main() {
	cmd.Execute()
}
