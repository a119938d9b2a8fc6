// Command pgbackrest-remote runs the remote storage protocol server: it
// reads framed commands off a channel (stdio pipe, TCP, WebSocket, or
// libp2p) and dispatches them against a local or IPFS-backed storage
// driver.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/libp2p/go-libp2p"
	libp2pnetwork "github.com/libp2p/go-libp2p/core/network"
	libp2pprotocol "github.com/libp2p/go-libp2p/core/protocol"
	multiaddr "github.com/multiformats/go-multiaddr"

	"github.com/haytastan/pgbackrest/pkg/audit"
	"github.com/haytastan/pgbackrest/pkg/filters"
	"github.com/haytastan/pgbackrest/pkg/logging"
	"github.com/haytastan/pgbackrest/pkg/protocol"
	"github.com/haytastan/pgbackrest/pkg/storagedrv/ipfsdrv"
	"github.com/haytastan/pgbackrest/pkg/storagedrv/posix"
	"golang.org/x/term"
)

// libp2pProtocolID identifies this protocol's stream handler on a libp2p
// host, the overlay-network equivalent of a TCP port number.
const libp2pProtocolID = libp2pprotocol.ID("/pgbackrest-remote/1.0.0")

func main() {
	var (
		channelMode = flag.String("channel", "pipe", "transport: pipe, tcp, websocket, libp2p")
		listenAddr  = flag.String("listen", ":8432", "listen address for tcp/websocket channel modes")
		libp2pAddr  = flag.String("libp2p-listen", "/ip4/0.0.0.0/tcp/0", "multiaddr to listen on for the libp2p channel mode")
		maxSessions = flag.Int("max-sessions", 8, "maximum concurrent sessions (tcp channel mode)")
		storageType = flag.String("storage-type", "backup", "which tree this session serves: backup or db")
		driverKind  = flag.String("driver", "posix", "storage backend: posix or ipfs")
		basePath    = flag.String("base-path", ".", "root path for the posix driver, or MFS root for the ipfs driver")
		ipfsAddr    = flag.String("ipfs-endpoint", "127.0.0.1:5001", "IPFS HTTP API endpoint (ipfs driver only)")
		bufferSize  = flag.Int("buffer-size", 0, "channel/driver I/O buffer size in bytes (0 = default)")
		logLevel    = flag.String("log-level", "info", "debug, info, warn, error")
		logFormat   = flag.String("log-format", "text", "text or json")
		auditDSN    = flag.String("audit-dsn", "", "Postgres connection string for the command audit sink (disabled if empty)")
		statusAddr  = flag.String("status-addr", "", "address to serve a JSON status endpoint on (disabled if empty)")
		promptPass  = flag.Bool("cipher-pass-prompt", false, "prompt interactively for a cipher passphrase at startup")
	)
	flag.Parse()

	level, err := logging.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	format := logging.TextFormat
	if *logFormat == "json" {
		format = logging.JSONFormat
	}
	logging.InitGlobal(&logging.Config{Level: level, Format: format, Output: os.Stderr})
	log := logging.Global().WithComponent("main")

	if *promptPass {
		fmt.Fprint(os.Stderr, "Cipher passphrase: ")
		pass, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			log.Errorf("unable to read passphrase: %v", err)
			os.Exit(1)
		}
		os.Setenv("PGBACKREST_CIPHER_PASS", string(pass))
	}

	var driver protocol.Driver
	switch *driverKind {
	case "posix":
		d, err := posix.New(*basePath)
		if err != nil {
			log.Errorf("unable to open posix driver: %v", err)
			os.Exit(1)
		}
		driver = d
	case "ipfs":
		driver = ipfsdrv.New(*ipfsAddr, *basePath)
	default:
		log.Errorf("unknown driver %q", *driverKind)
		os.Exit(2)
	}

	var observer protocol.CommandObserver = protocol.NopObserver{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *auditDSN != "" {
		sink, err := audit.New(ctx, audit.Config{ConnectionString: *auditDSN})
		if err != nil {
			log.Errorf("unable to start audit sink: %v", err)
			os.Exit(1)
		}
		if err := sink.Migrate(*auditDSN); err != nil {
			log.Errorf("unable to apply audit migrations: %v", err)
			os.Exit(1)
		}
		defer sink.Close()
		observer = sink
	}

	registry := filters.Default()
	st := protocol.StorageType(*storageType)

	if *statusAddr != "" {
		go serveStatus(*statusAddr, log)
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch *channelMode {
	case "pipe":
		runSession(sigCtx, &protocol.Session{
			ID:          "stdio",
			StorageType: st,
			Driver:      driver,
			Channel:     protocol.NewPipeChannel(os.Stdin, os.Stdout, *bufferSize),
			Filters:     registry,
			BufferSize:  *bufferSize,
			Observer:    observer,
		}, log)
	case "tcp":
		l, err := protocol.ListenTCP(*listenAddr, *maxSessions)
		if err != nil {
			log.Errorf("unable to listen on %s: %v", *listenAddr, err)
			os.Exit(1)
		}
		defer l.Close()
		serveTCP(sigCtx, l, driver, registry, st, *bufferSize, observer, log)
	case "websocket":
		serveWebSocket(sigCtx, *listenAddr, driver, registry, st, *bufferSize, observer, log)
	case "libp2p":
		if err := serveLibp2p(sigCtx, *libp2pAddr, driver, registry, st, *bufferSize, observer, log); err != nil {
			log.Errorf("libp2p channel failed: %v", err)
			os.Exit(1)
		}
	default:
		log.Errorf("unknown channel mode %q", *channelMode)
		os.Exit(2)
	}
}

func runSession(ctx context.Context, session *protocol.Session, log *logging.Logger) {
	if err := session.Serve(ctx); err != nil {
		log.Errorf("session %s ended with error: %v", session.ID, err)
	}
}

func serveTCP(
	ctx context.Context, l net.Listener, driver protocol.Driver, registry *protocol.FilterRegistry,
	st protocol.StorageType, bufferSize int, observer protocol.CommandObserver, log *logging.Logger,
) {
	go func() {
		<-ctx.Done()
		l.Close()
	}()

	var sessionNo int
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Errorf("accept failed: %v", err)
			return
		}
		sessionNo++
		sessionID := fmt.Sprintf("tcp-%d", sessionNo)
		go runSession(ctx, &protocol.Session{
			ID:          sessionID,
			StorageType: st,
			Driver:      driver,
			Channel:     protocol.NewTCPChannel(conn, bufferSize),
			Filters:     registry,
			BufferSize:  bufferSize,
			Observer:    observer,
		}, log)
	}
}

func serveWebSocket(
	ctx context.Context, addr string, driver protocol.Driver, registry *protocol.FilterRegistry,
	st protocol.StorageType, bufferSize int, observer protocol.CommandObserver, log *logging.Logger,
) {
	upgrader := websocket.Upgrader{ReadBufferSize: 64 * 1024, WriteBufferSize: 64 * 1024}

	var sessionNo int
	httpMux := http.NewServeMux()
	httpMux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Errorf("websocket upgrade failed: %v", err)
			return
		}
		sessionNo++
		sessionID := fmt.Sprintf("ws-%d", sessionNo)
		go runSession(ctx, &protocol.Session{
			ID:          sessionID,
			StorageType: st,
			Driver:      driver,
			Channel:     protocol.NewWebSocketChannel(conn, bufferSize),
			Filters:     registry,
			BufferSize:  bufferSize,
			Observer:    observer,
		}, log)
	})

	server := &http.Server{Addr: addr, Handler: httpMux}
	go func() {
		<-ctx.Done()
		server.Close()
	}()
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Errorf("websocket server failed: %v", err)
	}
}

// serveLibp2p starts a libp2p host listening on addr (a multiaddr, not a
// host:port string) and serves one Session per inbound stream opened against
// libp2pProtocolID. Closing ctx tears the host down, ending the listen loop.
func serveLibp2p(
	ctx context.Context, addr string, driver protocol.Driver, registry *protocol.FilterRegistry,
	st protocol.StorageType, bufferSize int, observer protocol.CommandObserver, log *logging.Logger,
) error {
	listenAddr, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return fmt.Errorf("invalid libp2p listen multiaddr %q: %w", addr, err)
	}

	h, err := libp2p.New(libp2p.ListenAddr(listenAddr))
	if err != nil {
		return fmt.Errorf("unable to create libp2p host: %w", err)
	}

	log.Infof("libp2p host %s listening on %v for protocol %s", h.ID(), h.Addrs(), libp2pProtocolID)

	var sessionNo int
	h.SetStreamHandler(libp2pProtocolID, func(stream libp2pnetwork.Stream) {
		sessionNo++
		sessionID := fmt.Sprintf("libp2p-%d", sessionNo)
		runSession(ctx, &protocol.Session{
			ID:          sessionID,
			StorageType: st,
			Driver:      driver,
			Channel:     protocol.NewLibp2pChannel(stream, bufferSize),
			Filters:     registry,
			BufferSize:  bufferSize,
			Observer:    observer,
		}, log)
	})

	<-ctx.Done()
	return h.Close()
}

// serveStatus exposes a minimal liveness endpoint over gorilla/mux, bound
// separately from the protocol channel itself.
func serveStatus(addr string, log *logging.Logger) {
	r := mux.NewRouter()
	r.HandleFunc("/status", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"ok"}`)
	}).Methods(http.MethodGet)

	if err := http.ListenAndServe(addr, r); err != nil {
		log.Errorf("status endpoint failed: %v", err)
	}
}
