// Command guest-agent runs as PID 1 inside the strategy-execution microVM.
// It mounts the base filesystems, optionally mounts the dependency drive,
// and listens on a fixed vsock port for one strategy payload per connection.
package main

import (
	"log"
	"os"
	"strconv"

	"github.com/mdlayher/vsock"

	"github.com/stratvm/stratvm/internal/guest"
)

const defaultAgentPort = 5000

func main() {
	guest.SetupInit()

	port := uint32(defaultAgentPort)
	if v := os.Getenv("STRATVM_VSOCK_PORT"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			port = uint32(n)
		}
	}

	depsMounted := guest.MountDependencies()

	listener, err := vsock.Listen(port, nil)
	if err != nil {
		log.Fatalf("listen on vsock port %d: %v", port, err)
	}
	defer listener.Close()

	pythonBin := os.Getenv("STRATVM_PYTHON_BIN")
	dataPath := os.Getenv("DATA_PATH")

	log.Printf("guest agent listening on vsock port %d (deps mounted: %v)", port, depsMounted)

	agent := guest.New(listener, pythonBin, dataPath, 0, depsMounted)
	if err := agent.Serve(); err != nil {
		log.Fatalf("serve: %v", err)
	}
}
