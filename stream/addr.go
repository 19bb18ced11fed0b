package stream

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Target syntax:
//
//	active:  "tcp:HOST:PORT"   "unix:FILE"
//	passive: "ptcp:PORT[:IP]"  "punix:FILE"
//
// HOST may be a name, an IPv4 literal or a bracketed IPv6 literal.

func activeSockaddr(target string) (int, unix.Sockaddr, error) {
	switch {
	case strings.HasPrefix(target, "tcp:"):
		rest := target[len("tcp:"):]
		ta, err := net.ResolveTCPAddr("tcp", rest)
		if err != nil {
			return 0, nil, fmt.Errorf("stream: %s: %w", target, err)
		}
		return inetSockaddr(ta.IP, ta.Port)
	case strings.HasPrefix(target, "unix:"):
		return unix.AF_UNIX, &unix.SockaddrUnix{Name: target[len("unix:"):]}, nil
	default:
		return 0, nil, fmt.Errorf("stream: %s: unknown active target type", target)
	}
}

func passiveSockaddr(target string) (int, unix.Sockaddr, error) {
	switch {
	case strings.HasPrefix(target, "ptcp:"):
		rest := target[len("ptcp:"):]
		portText, ipText, hasIP := strings.Cut(rest, ":")
		port, err := strconv.Atoi(portText)
		if err != nil || port < 0 || port > 65535 {
			return 0, nil, fmt.Errorf("stream: %s: bad port %q", target, portText)
		}
		var ip net.IP
		if hasIP {
			ia, err := net.ResolveIPAddr("ip", ipText)
			if err != nil {
				return 0, nil, fmt.Errorf("stream: %s: %w", target, err)
			}
			ip = ia.IP
		}
		return inetSockaddr(ip, port)
	case strings.HasPrefix(target, "punix:"):
		return unix.AF_UNIX, &unix.SockaddrUnix{Name: target[len("punix:"):]}, nil
	default:
		return 0, nil, fmt.Errorf("stream: %s: unknown passive target type", target)
	}
}

func inetSockaddr(ip net.IP, port int) (int, unix.Sockaddr, error) {
	if ip == nil {
		return unix.AF_INET, &unix.SockaddrInet4{Port: port}, nil
	}
	if v4 := ip.To4(); v4 != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], v4)
		return unix.AF_INET, sa, nil
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip.To16())
	return unix.AF_INET6, sa, nil
}

// sockaddrName renders a peer address as an active target string.
func sockaddrName(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return fmt.Sprintf("tcp:%s:%d", net.IP(a.Addr[:]), a.Port)
	case *unix.SockaddrInet6:
		return fmt.Sprintf("tcp:[%s]:%d", net.IP(a.Addr[:]), a.Port)
	case *unix.SockaddrUnix:
		if a.Name == "" {
			return "unix"
		}
		return "unix:" + a.Name
	default:
		return "unknown"
	}
}
