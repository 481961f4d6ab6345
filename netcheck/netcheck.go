// Package netcheck answers whether the host has a usable network before a
// remote configuration is downloaded.
package netcheck

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/godbus/dbus/v5"
	psnet "github.com/shirou/gopsutil/net"

	"github.com/yllada/ovpn-launcher/common"
)

// Checker reports whether the host is online. An error means the checker
// could not decide.
type Checker interface {
	Online(ctx context.Context) (bool, error)
}

// Func adapts a function to a Checker.
type Func func(ctx context.Context) (bool, error)

func (f Func) Online(ctx context.Context) (bool, error) { return f(ctx) }

// ErrUndecided is returned when a checker has no opinion.
var ErrUndecided = errors.New("connectivity unknown")

// NetworkManager state values, see NMState.
const (
	nmStateUnknown       uint32 = 0
	nmStateConnectedSite uint32 = 60
)

const (
	nmDest  = "org.freedesktop.NetworkManager"
	nmPath  = "/org/freedesktop/NetworkManager"
	nmIface = "org.freedesktop.NetworkManager"
)

// NetworkManager asks NetworkManager over the system bus. Site or global
// connectivity counts as online.
type NetworkManager struct {
	// Connect opens the bus. Defaults to the system bus.
	Connect func(ctx context.Context) (*dbus.Conn, error)
}

func connectSystemBus(ctx context.Context) (*dbus.Conn, error) {
	return dbus.ConnectSystemBus(dbus.WithContext(ctx))
}

func (n NetworkManager) Online(ctx context.Context) (bool, error) {
	connect := n.Connect
	if connect == nil {
		connect = connectSystemBus
	}
	conn, err := connect(ctx)
	if err != nil {
		return false, fmt.Errorf("connecting to system bus: %w", err)
	}
	defer conn.Close()

	var v dbus.Variant
	obj := conn.Object(nmDest, dbus.ObjectPath(nmPath))
	err = obj.CallWithContext(ctx, "org.freedesktop.DBus.Properties.Get", 0, nmIface, "State").Store(&v)
	if err != nil {
		return false, fmt.Errorf("reading NetworkManager state: %w", err)
	}
	state, ok := v.Value().(uint32)
	if !ok {
		return false, fmt.Errorf("unexpected NetworkManager state %v", v)
	}
	return nmOnline(state)
}

func nmOnline(state uint32) (bool, error) {
	if state == nmStateUnknown {
		return false, ErrUndecided
	}
	return state >= nmStateConnectedSite, nil
}

// Interfaces scans network interfaces. The host counts as online when a
// non-loopback interface is up with a routable address.
type Interfaces struct {
	// List returns the interfaces. Defaults to gopsutil.
	List func(ctx context.Context) ([]psnet.InterfaceStat, error)
}

func listInterfaces(ctx context.Context) ([]psnet.InterfaceStat, error) {
	return psnet.InterfacesWithContext(ctx)
}

func (s Interfaces) Online(ctx context.Context) (bool, error) {
	list := s.List
	if list == nil {
		list = listInterfaces
	}
	ifaces, err := list(ctx)
	if err != nil {
		return false, fmt.Errorf("listing interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if !hasFlag(iface.Flags, "up") || hasFlag(iface.Flags, "loopback") {
			continue
		}
		for _, a := range iface.Addrs {
			if routable(a.Addr) {
				return true, nil
			}
		}
	}
	return false, nil
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, want) {
			return true
		}
	}
	return false
}

func routable(addr string) bool {
	if i := strings.IndexByte(addr, '/'); i >= 0 {
		addr = addr[:i]
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	return !ip.IsLoopback() && !ip.IsLinkLocalUnicast() && !ip.IsUnspecified()
}

// Chain asks each checker in turn and returns the first decisive answer.
// If none decides, the last error is returned.
type Chain []Checker

func (c Chain) Online(ctx context.Context) (bool, error) {
	err := ErrUndecided
	for _, checker := range c {
		online, cerr := checker.Online(ctx)
		if cerr == nil {
			return online, nil
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		common.LogDebug("Connectivity check inconclusive: %v", cerr)
		err = cerr
	}
	return false, err
}

// Default prefers NetworkManager and falls back to an interface scan.
func Default() Checker {
	return Chain{NetworkManager{}, Interfaces{}}
}

// Disabled always reports online.
func Disabled() Checker {
	return Func(func(context.Context) (bool, error) { return true, nil })
}
