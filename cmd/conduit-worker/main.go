// Command conduit-worker is the out-of-process workflow worker. The host
// launches it with worker.command and drives it over the control and API
// channels.
package main

import (
	"os"

	"github.com/mattjoyce/conduit/internal/graph"
	"github.com/mattjoyce/conduit/internal/worker"
)

func main() {
	os.Exit(worker.Main(graph.WorkerBody(nil)))
}
