// Command ovpn runs a standalone data-channel tunnel: it opens a tun
// interface, attaches a UDP transport, and moves packets for the peers
// listed in its configuration file. Key negotiation is out of scope; keys
// are provided pre-shared in the configuration.
package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ovpn-go/ovpn/crypto"
	"github.com/ovpn-go/ovpn/device"
	"github.com/ovpn-go/ovpn/tun"
)

type peerConfig struct {
	ID       uint32 `json:"id"`
	Endpoint string `json:"endpoint,omitempty"`
	VPNAddr4 string `json:"vpn_addr4,omitempty"`
	VPNAddr6 string `json:"vpn_addr6,omitempty"`

	Cipher           string `json:"cipher"`
	KeyID            uint8  `json:"key_id"`
	EncryptKey       string `json:"encrypt_key"`
	DecryptKey       string `json:"decrypt_key"`
	EncryptNonceTail string `json:"encrypt_nonce_tail"`
	DecryptNonceTail string `json:"decrypt_nonce_tail"`

	KeepaliveIntervalSec int `json:"keepalive_interval_s,omitempty"`
	KeepaliveTimeoutSec  int `json:"keepalive_timeout_s,omitempty"`
}

type tunnelConfig struct {
	Mode   string       `json:"mode"`
	Listen string       `json:"listen"`
	Peers  []peerConfig `json:"peers"`
}

func main() {
	var (
		configPath    string
		tunName       string
		verbose       bool
		cryptoWorkers int
	)

	root := &cobra.Command{
		Use:           "ovpn",
		Short:         "userspace OpenVPN data channel",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, tunName, verbose, cryptoWorkers)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "ovpn.json", "tunnel configuration file")
	root.Flags().StringVarP(&tunName, "tun", "t", "", "tun interface name (empty picks one)")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	root.Flags().IntVar(&cryptoWorkers, "crypto-workers", 0, "worker goroutines for crypto (0 runs inline)")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ovpn: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, tunName string, verbose bool, cryptoWorkers int) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	log := device.NewLogger(verbose, "ovpn")

	tunDev, err := tun.New(tunName)
	if err != nil {
		return fmt.Errorf("open tun: %w", err)
	}
	defer tunDev.Close()
	log.Verbosef("tun interface %s up", tunDev.Name())

	mode := device.ModeP2P
	if cfg.Mode == "mp" {
		mode = device.ModeMP
	}

	var engine crypto.Engine
	if cryptoWorkers > 0 {
		async := crypto.NewAsyncEngine(cryptoWorkers)
		defer async.Close()
		engine = async
	}

	o := device.New(device.Config{
		Mode:     mode,
		Logger:   log,
		Engine:   engine,
		Netstack: tunDev,
		PeerDelNotify: func(id uint32, reason device.DelReason) {
			log.Verbosef("peer %d removed: %s", id, reason)
		},
	})
	defer o.Close()

	if cfg.Listen != "" {
		ua, err := net.ResolveUDPAddr("udp", cfg.Listen)
		if err != nil {
			return fmt.Errorf("listen address: %w", err)
		}
		uc, err := net.ListenUDP("udp", ua)
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		if err := o.AttachUDP(uc); err != nil {
			return err
		}
	}

	for _, pc := range cfg.Peers {
		if err := configurePeer(o, pc); err != nil {
			return fmt.Errorf("peer %d: %w", pc.ID, err)
		}
	}

	errs := make(chan error, 1)
	go func() { errs <- tunLoop(tunDev, o) }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		log.Verbosef("signal %s, shutting down", s)
		return nil
	case err := <-errs:
		return err
	}
}

func tunLoop(dev tun.Device, o *device.Ovpn) error {
	buf := make([]byte, 65535)
	for {
		n, err := dev.Read(buf)
		if err != nil {
			return fmt.Errorf("tun read: %w", err)
		}
		if n == 0 {
			continue
		}
		// drop errors; they are counted and logged by the instance
		_ = o.SendPacket(buf[:n])
	}
}

func loadConfig(path string) (*tunnelConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg tunnelConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

func configurePeer(o *device.Ovpn, pc peerConfig) error {
	p, err := o.NewPeer(pc.ID)
	if err != nil {
		return err
	}

	var v4, v6 netip.Addr
	if pc.VPNAddr4 != "" {
		if v4, err = netip.ParseAddr(pc.VPNAddr4); err != nil {
			return err
		}
	}
	if pc.VPNAddr6 != "" {
		if v6, err = netip.ParseAddr(pc.VPNAddr6); err != nil {
			return err
		}
	}
	p.SetVPNAddrs(v4, v6)

	if pc.Endpoint != "" {
		ep, err := netip.ParseAddrPort(pc.Endpoint)
		if err != nil {
			return err
		}
		p.SetEndpoint(ep)
	}

	kc, err := keyConfig(pc)
	if err != nil {
		return err
	}
	if err := p.InstallKey(kc); err != nil {
		return err
	}

	if err := o.AddPeer(p); err != nil {
		return err
	}
	p.Put()

	if pc.KeepaliveIntervalSec > 0 && pc.KeepaliveTimeoutSec > 0 {
		return o.SetPeerKeepalive(pc.ID,
			time.Duration(pc.KeepaliveIntervalSec)*time.Second,
			time.Duration(pc.KeepaliveTimeoutSec)*time.Second)
	}
	return nil
}

func keyConfig(pc peerConfig) (crypto.KeyConfig, error) {
	var alg crypto.Alg
	switch pc.Cipher {
	case "aes-256-gcm", "":
		alg = crypto.AlgAESGCM
	case "chacha20-poly1305":
		alg = crypto.AlgChaCha20Poly1305
	default:
		return crypto.KeyConfig{}, fmt.Errorf("unknown cipher %q", pc.Cipher)
	}

	enc, err := direction(pc.EncryptKey, pc.EncryptNonceTail)
	if err != nil {
		return crypto.KeyConfig{}, fmt.Errorf("encrypt direction: %w", err)
	}
	dec, err := direction(pc.DecryptKey, pc.DecryptNonceTail)
	if err != nil {
		return crypto.KeyConfig{}, fmt.Errorf("decrypt direction: %w", err)
	}

	return crypto.KeyConfig{ID: pc.KeyID, Alg: alg, Encrypt: enc, Decrypt: dec}, nil
}

func direction(keyHex, tailHex string) (crypto.DirectionConfig, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return crypto.DirectionConfig{}, fmt.Errorf("key: %w", err)
	}
	tail, err := hex.DecodeString(tailHex)
	if err != nil {
		return crypto.DirectionConfig{}, fmt.Errorf("nonce tail: %w", err)
	}
	d := crypto.DirectionConfig{CipherKey: key}
	if copy(d.NonceTail[:], tail) != len(d.NonceTail) {
		return crypto.DirectionConfig{}, fmt.Errorf("nonce tail must be %d bytes", len(d.NonceTail))
	}
	return d, nil
}
