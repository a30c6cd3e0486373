// Command zsspd is a demo daemon wiring pkg/store, pkg/transport, and
// pkg/zssp together: a UDP peering endpoint with a SQLite-backed peer
// directory and a read-only HTTP status surface, in the shape of the
// teacher's cmd/relay and cmd/mesh-api daemons.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nodeforge/zssp/pkg/store"
	"github.com/nodeforge/zssp/pkg/transport"
	"github.com/nodeforge/zssp/pkg/zssp"
)

const (
	defaultListen           = ":7575"
	defaultAPIPort          = 8181
	defaultKeyPath           = "./keys/zssp-static.pem"
	defaultDBPath            = "./data/zsspd.db"
	defaultMTU               = 1400
	defaultRekeyRateLimitMS  = 2000
)

var (
	listenAddr    = flag.String("listen", defaultListen, "UDP address to listen on")
	keyPath       = flag.String("key", defaultKeyPath, "Path to static P-384 private key file")
	generateKey   = flag.Bool("genkey", false, "Generate a new static keypair, overwriting -key")
	dbPath        = flag.String("db", defaultDBPath, "Path to the peer directory SQLite database")
	apiPort       = flag.Int("api-port", defaultAPIPort, "HTTP status API port")
	mtu           = flag.Int("mtu", defaultMTU, "Maximum transport fragment size")
	rekeyRateLimitMS = flag.Int64("rekey-rate-limit-ms", defaultRekeyRateLimitMS, "Minimum milliseconds between accepted rekeys/new sessions per peer")
	dialPeer      = flag.String("dial", "", "Optional peer multiaddr (\"/ip4/.../udp/...\") to open a session to on startup")
	dialStaticHex = flag.String("dial-static", "", "Hex-encoded remote static public key, required with -dial")
)

func main() {
	flag.Parse()

	fmt.Println("zsspd — ZSSP reference daemon")

	if err := os.MkdirAll("./keys", 0700); err != nil {
		log.Fatalf("create key directory: %v", err)
	}
	if err := os.MkdirAll("./data", 0755); err != nil {
		log.Fatalf("create data directory: %v", err)
	}

	localPriv, err := loadOrGenerateKey(*keyPath, *generateKey)
	if err != nil {
		log.Fatalf("load/generate static key: %v", err)
	}
	log.Printf("static key ready at %s", *keyPath)

	st, err := store.Open[transport.PeerAddr](*dbPath, localPriv, *rekeyRateLimitMS)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer st.Close()

	rc, err := zssp.NewReceiveContext(st)
	if err != nil {
		log.Fatalf("build receive context: %v", err)
	}

	ep, err := transport.Listen(*listenAddr, rc, *mtu)
	if err != nil {
		log.Fatalf("listen on %s: %v", *listenAddr, err)
	}
	defer ep.Close()
	log.Printf("listening for ZSSP traffic on %s", *listenAddr)

	go serveEndpoint(ep, st)

	api := newStatusAPI(st, defaultAPIConfig())
	if *apiPort != 0 {
		go func() {
			addr := fmt.Sprintf(":%d", *apiPort)
			log.Printf("status API listening on %s", addr)
			if err := api.Run(addr); err != nil {
				log.Printf("status API stopped: %v", err)
			}
		}()
	}

	if *dialPeer != "" {
		if err := dialInitial(ep, st, *dialPeer, *dialStaticHex, *mtu); err != nil {
			log.Printf("initial dial to %s failed: %v", *dialPeer, err)
		}
	}

	waitForShutdown()
}

func serveEndpoint(ep *transport.Endpoint[store.SessionUser], st *store.Store[transport.PeerAddr]) {
	hooks := transport.Hooks[store.SessionUser]{
		OnNewSession: func(sess *zssp.Session[store.SessionUser, transport.PeerAddr]) {
			st.Register(sess.LocalSessionID(), sess)
			log.Printf("new session %d from %s", uint64(sess.LocalSessionID()), sess.RemoteAddr())
		},
		OnData: func(sess *zssp.Session[store.SessionUser, transport.PeerAddr], data []byte) {
			log.Printf("session %d: %d bytes of application data", uint64(sess.LocalSessionID()), len(data))
		},
		OnError: func(remoteAddr transport.PeerAddr, err error) {
			log.Printf("receive error from %s: %v", remoteAddr, err)
		},
	}
	if err := ep.Serve(hooks); err != nil {
		log.Printf("endpoint closed: %v", err)
	}
}

func waitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	fmt.Println()
	log.Println("shutting down")
	time.Sleep(100 * time.Millisecond)
}
