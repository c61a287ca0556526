// Package relay bridges an application-side UDP socket and a link-side UDP
// socket, compressing headers toward the constrained link and restoring
// them toward the application. One tunnel stands in for one endpoint of the
// simulated network.
package relay

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/ewancrowle/crimp/internal/config"
	"github.com/ewancrowle/crimp/internal/packet"
	"github.com/ewancrowle/crimp/internal/session"
)

type Tunnel struct {
	cfg    *config.Config
	engine *session.Engine

	appAddr  *net.UDPAddr
	linkAddr *net.UDPAddr
	peerAddr *net.UDPAddr
	src, dst netip.AddrPort

	appConn  *net.UDPConn
	linkConn *net.UDPConn

	// lastApp is the application peer we most recently heard from;
	// decompressed traffic goes back there.
	mu      sync.RWMutex
	lastApp *net.UDPAddr

	sendDir packet.Direction
	recvDir packet.Direction
}

func NewTunnel(cfg *config.Config, engine *session.Engine) (*Tunnel, error) {
	appAddr, err := net.ResolveUDPAddr("udp", cfg.Tunnel.AppListen)
	if err != nil {
		return nil, fmt.Errorf("relay: app listen address: %w", err)
	}
	linkAddr, err := net.ResolveUDPAddr("udp", cfg.Tunnel.LinkListen)
	if err != nil {
		return nil, fmt.Errorf("relay: link listen address: %w", err)
	}
	peerAddr, err := net.ResolveUDPAddr("udp", cfg.Tunnel.LinkPeer)
	if err != nil {
		return nil, fmt.Errorf("relay: link peer address: %w", err)
	}
	src, err := netip.ParseAddrPort(cfg.Tunnel.SrcAddr)
	if err != nil {
		return nil, fmt.Errorf("relay: src address: %w", err)
	}
	dst, err := netip.ParseAddrPort(cfg.Tunnel.DstAddr)
	if err != nil {
		return nil, fmt.Errorf("relay: dst address: %w", err)
	}

	t := &Tunnel{
		cfg:      cfg,
		engine:   engine,
		appAddr:  appAddr,
		linkAddr: linkAddr,
		peerAddr: peerAddr,
		src:      src,
		dst:      dst,
	}
	switch cfg.Tunnel.Role {
	case "client":
		t.sendDir, t.recvDir = packet.Up, packet.Down
	case "server":
		t.sendDir, t.recvDir = packet.Down, packet.Up
	default:
		return nil, fmt.Errorf("relay: unknown tunnel role %q", cfg.Tunnel.Role)
	}
	return t, nil
}

func (t *Tunnel) Start(ctx context.Context) error {
	appConn, err := net.ListenUDP("udp", t.appAddr)
	if err != nil {
		return err
	}
	t.appConn = appConn
	defer appConn.Close()

	linkConn, err := net.ListenUDP("udp", t.linkAddr)
	if err != nil {
		return err
	}
	t.linkConn = linkConn
	defer linkConn.Close()

	log.Info("Tunnel listening",
		"role", t.cfg.Tunnel.Role, "app", t.appAddr.String(), "link", t.linkAddr.String())

	go t.linkLoop(ctx)
	t.appLoop(ctx)
	return nil
}

// appLoop compresses application traffic onto the link.
func (t *Tunnel) appLoop(ctx context.Context) {
	buf := make([]byte, 2048)
	for {
		select {
		case <-ctx.Done():
			return
		default:
			n, srcAddr, err := t.appConn.ReadFromUDP(buf)
			if err != nil {
				log.Error("Error reading from app socket", "err", err)
				continue
			}

			t.mu.Lock()
			t.lastApp = srcAddr
			t.mu.Unlock()

			data := make([]byte, n)
			copy(data, buf[:n])

			res := t.engine.Compress(data, t.src, t.dst, t.sendDir, t.cfg.NodeID)
			if _, err := t.linkConn.WriteToUDP(res.Packet, t.peerAddr); err != nil {
				log.Error("Error writing to link", "err", err)
			}
		}
	}
}

// linkLoop restores link traffic for the application. A packet that fails
// to decompress is dropped; forwarding garbage would only confuse the QUIC
// stack behind us.
func (t *Tunnel) linkLoop(ctx context.Context) {
	buf := make([]byte, 2048)
	for {
		select {
		case <-ctx.Done():
			return
		default:
			n, _, err := t.linkConn.ReadFromUDP(buf)
			if err != nil {
				log.Error("Error reading from link socket", "err", err)
				continue
			}

			data := make([]byte, n)
			copy(data, buf[:n])

			res, err := t.engine.Decompress(data, t.recvDir, t.cfg.NodeID)
			if err != nil {
				log.Warn("Dropping undecompressable packet", "err", err)
				continue
			}

			t.mu.RLock()
			app := t.lastApp
			t.mu.RUnlock()
			if app == nil {
				continue
			}
			if _, err := t.appConn.WriteToUDP(res.Packet, app); err != nil {
				log.Error("Error writing back to app", "err", err)
			}
		}
	}
}
