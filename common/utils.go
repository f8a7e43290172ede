package common

import (
	"os/user"
	"strings"
	"time"
)

func ClampDuration(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}

func ExpandPath(p string) string {
	if strings.HasPrefix(p, "~") {
		u, _ := user.Current()
		if u != nil {
			return strings.Replace(p, "~", u.HomeDir, 1)
		}
	}
	return p
}

func IsIPPacket(pkt []byte) bool {
	if len(pkt) < 1 {
		return false
	}
	ver := pkt[0] >> 4
	return ver == 4 || ver == 6
}
