package fleet

import (
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"time"
)

type Scheme string

const (
	SchemeHTTP  Scheme = "http"
	SchemeHTTPS Scheme = "https"
)

// NodeFlags is a set of independent state bits carried by a node.
type NodeFlags uint8

const (
	FlagMaintenance NodeFlags = 1 << iota
	FlagBehindProxy
	FlagPublic
)

func (f NodeFlags) Has(flag NodeFlags) bool {
	return f&flag == flag
}

func (f NodeFlags) With(flag NodeFlags, on bool) NodeFlags {
	if on {
		return f | flag
	}
	return f &^ flag
}

type Resource string

const (
	ResourceMemory Resource = "memory"
	ResourceDisk   Resource = "disk"
)

const (
	maxNodeNameLength = 100
	defaultDaemonPort = 8080
	maxOverallocate   = 1000
)

// Node is the declared shape of a host as registered by an admin.
// Memory and Disk are in MiB. A negative overallocate percentage disables
// the limit for that resource.
type Node struct {
	ID                 string
	Name               string
	FQDN               string
	Scheme             Scheme
	DaemonPort         int
	DaemonToken        string
	Memory             int64
	MemoryOverallocate int
	Disk               int64
	DiskOverallocate   int
	LocationID         int
	Flags              NodeFlags
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (n Node) InMaintenance() bool {
	return n.Flags.Has(FlagMaintenance)
}

func (n Node) BehindProxy() bool {
	return n.Flags.Has(FlagBehindProxy)
}

// Limit returns the committable ceiling for a resource and whether the ceiling
// is enforced at all.
func (n Node) Limit(res Resource) (int64, bool) {
	switch res {
	case ResourceMemory:
		return overallocatedLimit(n.Memory, n.MemoryOverallocate)
	case ResourceDisk:
		return overallocatedLimit(n.Disk, n.DiskOverallocate)
	default:
		return 0, false
	}
}

func overallocatedLimit(declared int64, overallocate int) (int64, bool) {
	if overallocate < 0 {
		return 0, false
	}
	factor := int64(100 + overallocate)
	if declared > math.MaxInt64/factor {
		return math.MaxInt64, true
	}
	return declared * factor / 100, true
}

// BaseURL is the agent endpoint root. Nodes behind a proxy are reached on the
// scheme's default port.
func (n Node) BaseURL() string {
	scheme := n.Scheme
	if scheme == "" {
		scheme = SchemeHTTPS
	}
	host := n.FQDN
	if !n.BehindProxy() {
		port := n.DaemonPort
		if port <= 0 {
			port = defaultDaemonPort
		}
		host = net.JoinHostPort(n.FQDN, strconv.Itoa(port))
	}
	return string(scheme) + "://" + host
}

// Validate mirrors the admin form rules for node creation and edits.
func (n Node) Validate() []string {
	var errs []string
	name := strings.TrimSpace(n.Name)
	if name == "" {
		errs = append(errs, "Missing required field: name")
	} else if len(name) > maxNodeNameLength {
		errs = append(errs, fmt.Sprintf("Name must be a string with maximum %d characters", maxNodeNameLength))
	}
	if strings.TrimSpace(n.FQDN) == "" {
		errs = append(errs, "Missing required field: fqdn")
	} else if strings.Contains(n.FQDN, "://") || strings.ContainsAny(n.FQDN, "/ ") {
		errs = append(errs, "FQDN must be a bare host name or IP address")
	}
	if n.Scheme != SchemeHTTP && n.Scheme != SchemeHTTPS {
		errs = append(errs, "Scheme must be http or https")
	}
	if n.LocationID <= 0 {
		errs = append(errs, "Location ID must be a positive number")
	}
	if n.Memory < 0 {
		errs = append(errs, "Memory must be a non-negative number")
	}
	if n.Disk < 0 {
		errs = append(errs, "Disk space must be a non-negative number")
	}
	if n.MemoryOverallocate > maxOverallocate || n.DiskOverallocate > maxOverallocate {
		errs = append(errs, fmt.Sprintf("Overallocation must be at most %d percent", maxOverallocate))
	}
	if n.DaemonPort < 1 || n.DaemonPort > 65535 {
		errs = append(errs, "Daemon port must be a positive number")
	}
	return errs
}
