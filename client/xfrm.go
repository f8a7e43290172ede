package main

import (
	"fmt"
	"net"
	"strings"

	"github.com/tGecko/snx-rs/common"
)

// XfrmProgrammer installs and removes ESP state in the kernel. The engine
// never talks to the kernel directly so tests can observe ordering.
// RemoveSA drops only the state pair, so a rekey can retire the superseded
// keys while the policies stay in place; RemovePolicies runs on teardown.
type XfrmProgrammer interface {
	InstallSA(sa *SecurityAssociation, params *common.TunnelParams) error
	RemoveSA(sa *SecurityAssociation) error
	RemovePolicies(params *common.TunnelParams) error
}

// ipXfrm drives ip-xfrm(8) through the privileged runner. One state per
// direction plus the matching out/in policies.
type ipXfrm struct {
	local net.IP
	peer  net.IP
	run   func(name string, args ...string) ([]byte, error)
}

func newIPXfrm(local, peer net.IP) *ipXfrm {
	return &ipXfrm{local: local, peer: peer, run: common.RunPrivilegedCombined}
}

func xfrmAlgName(suite common.CipherSuite) (string, bool) {
	switch suite.EspID {
	case common.EspAESGCM16:
		return "rfc4106(gcm(aes))", true
	case common.EspChaCha20:
		return "rfc7539esp(chacha20,poly1305)", true
	case common.EspAESCBC:
		return "cbc(aes)", false
	default:
		return "cbc(des3_ede)", false
	}
}

func (x *ipXfrm) addState(src, dst net.IP, spi uint32, key []byte, suite common.CipherSuite) error {
	alg, aead := xfrmAlgName(suite)
	args := []string{
		"xfrm", "state", "add",
		"src", src.String(), "dst", dst.String(),
		"proto", "esp", "spi", fmt.Sprintf("0x%08x", spi),
		"mode", "tunnel",
	}
	keyHex := fmt.Sprintf("0x%x", key)
	if aead {
		args = append(args, "aead", alg, keyHex, "128")
	} else {
		hmac := "hmac(sha1)"
		if suite.HashID == common.HashSHA256 {
			hmac = "hmac(sha256)"
		}
		// Non-AEAD keymat carries the integrity key after the cipher key.
		args = append(args, "enc", alg, fmt.Sprintf("0x%x", key[:suite.KeyLen]),
			"auth", hmac, fmt.Sprintf("0x%x", key[suite.KeyLen:]))
	}
	args = append(args, "encap", "espinudp", "4500", "4500", "0.0.0.0")
	if out, err := x.run("ip", args...); err != nil {
		return common.TransportErrorf("xfrm state add spi 0x%08x: %v (%s)", spi, err, string(out))
	}
	return nil
}

// updatePolicy upserts one policy. A rekey re-installs with the same
// selectors, so the verb must be update, not add.
func (x *ipXfrm) updatePolicy(dir, srcNet, dstNet string, src, dst net.IP) error {
	out, err := x.run("ip",
		"xfrm", "policy", "update",
		"src", srcNet, "dst", dstNet, "dir", dir,
		"tmpl", "src", src.String(), "dst", dst.String(),
		"proto", "esp", "mode", "tunnel")
	if err != nil {
		return common.TransportErrorf("xfrm policy update %s: %v (%s)", dir, err, string(out))
	}
	return nil
}

func (x *ipXfrm) delPolicy(dir, srcNet, dstNet string) error {
	out, err := x.run("ip",
		"xfrm", "policy", "del",
		"src", srcNet, "dst", dstNet, "dir", dir)
	if err != nil {
		if strings.Contains(string(out), "No such") {
			return nil
		}
		return common.TransportErrorf("xfrm policy del %s: %v (%s)", dir, err, string(out))
	}
	return nil
}

func (x *ipXfrm) InstallSA(sa *SecurityAssociation, params *common.TunnelParams) error {
	if err := x.addState(x.local, x.peer, sa.SPIOut, sa.KeyOut, sa.Suite); err != nil {
		return err
	}
	if err := x.addState(x.peer, x.local, sa.SPIIn, sa.KeyIn, sa.Suite); err != nil {
		return err
	}
	vip := params.VirtualIP.String() + "/32"
	for _, cidr := range params.IncludeRoutes {
		if err := x.updatePolicy("out", vip, cidr, x.local, x.peer); err != nil {
			return err
		}
		if err := x.updatePolicy("in", cidr, vip, x.peer, x.local); err != nil {
			return err
		}
	}
	return nil
}

func (x *ipXfrm) RemoveSA(sa *SecurityAssociation) error {
	for _, st := range []struct {
		src, dst net.IP
		spi      uint32
	}{
		{x.local, x.peer, sa.SPIOut},
		{x.peer, x.local, sa.SPIIn},
	} {
		out, err := x.run("ip",
			"xfrm", "state", "del",
			"src", st.src.String(), "dst", st.dst.String(),
			"proto", "esp", "spi", fmt.Sprintf("0x%08x", st.spi))
		if err != nil {
			return common.TransportErrorf("xfrm state del spi 0x%08x: %v (%s)", st.spi, err, string(out))
		}
	}
	return nil
}

// RemovePolicies drops the split-tunnel policies installed for one office
// mode. Tolerates policies already gone.
func (x *ipXfrm) RemovePolicies(params *common.TunnelParams) error {
	if params == nil || params.VirtualIP == nil {
		return nil
	}
	vip := params.VirtualIP.String() + "/32"
	var firstErr error
	for _, cidr := range params.IncludeRoutes {
		if err := x.delPolicy("out", vip, cidr); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := x.delPolicy("in", cidr, vip); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
