package vmorch

import "time"

// Well-known vsock CIDs 0-2 are reserved by the hypervisor/loopback/host.
const reservedCIDs = 3

// cidModulus bounds the per-task CID derivation; spec.md fixes this at 1e6.
const cidModulus = 1_000_000

// Drive identifiers used in the boot sequence.
const (
	rootfsDriveID = "rootfs"
	depsDriveID   = "deps"
	vsockDeviceID = "vsock0"
)

// socketPollInterval is how often the boot sequence polls for the API
// socket to appear after spawning the hypervisor process.
const socketPollInterval = 20 * time.Millisecond

// socketPollTimeout bounds how long the boot sequence waits for the
// hypervisor to create its API socket before failing with BootError.
const socketPollTimeout = 2 * time.Second

// handshakeBaseBackoff is the starting backoff between vsock UDS dial
// attempts during the agent handshake; it doubles on each retry.
const handshakeBaseBackoff = 50 * time.Millisecond

// gracefulShutdownGrace bounds how long cleanup waits for a hypervisor to
// exit after a graceful halt before it is killed outright.
const gracefulShutdownGrace = 2 * time.Second

// defaultBootArgsFmt formats the kernel boot arguments around the init path.
// Notably absent: any ip=
// or eth0 configuration -- the guest has no network device, only vsock.
const defaultBootArgsFmt = "console=ttyS0 reboot=k panic=1 pci=off init=%s"

// agentInitPath is where the guest agent binary lives inside the rootfs and
// is invoked as init (PID 1).
const agentInitPath = "/usr/local/bin/stratvm-guest"
