package cmd

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/busybox42/aegis-overlay/internal/store"
	"github.com/busybox42/aegis-overlay/pkg/crypto"
	"github.com/busybox42/aegis-overlay/pkg/dht"
	"github.com/busybox42/aegis-overlay/pkg/types"
	"github.com/dustin/go-humanize"
)

const defaultRequestWait = 45 * time.Second

// Backend is the running node the shell drives.
type Backend interface {
	Put(ctx context.Context, key types.Key, size uint32) (*dht.Handle, error)
	Get(ctx context.Context, key types.Key) (*dht.Handle, error)
	Contains(ctx context.Context, key types.Key) (*dht.Handle, error)
	Node() *dht.Node
	Store() store.Store
	Keys() *crypto.KeyPair
}

type RequestRecord struct {
	Timestamp time.Time
	Command   string
	Key       types.Key
	Status    string
	Detail    string
}

// Shell is an interactive prompt over a Backend.
type Shell struct {
	backend Backend
	in      io.Reader
	out     io.Writer
	started time.Time
	// RequestWait bounds how long a command waits for an offer.
	RequestWait time.Duration

	historyMu sync.RWMutex
	history   []RequestRecord
}

func NewShell(backend Backend, in io.Reader, out io.Writer) *Shell {
	return &Shell{
		backend:     backend,
		in:          in,
		out:         out,
		started:     time.Now(),
		RequestWait: defaultRequestWait,
		history:     make([]RequestRecord, 0),
	}
}

func (sh *Shell) addToHistory(record RequestRecord) {
	sh.historyMu.Lock()
	defer sh.historyMu.Unlock()
	sh.history = append(sh.history, record)
}

// History returns a copy of the requests issued so far.
func (sh *Shell) History() []RequestRecord {
	sh.historyMu.RLock()
	defer sh.historyMu.RUnlock()
	return append([]RequestRecord(nil), sh.history...)
}

// Run reads commands until exit, end of input or ctx cancellation.
func (sh *Shell) Run(ctx context.Context) error {
	self := sh.backend.Node().Self()
	fmt.Fprintf(sh.out, "Local node %d listening on %s\n", self.ID, self.Addr)
	fmt.Fprintln(sh.out, "Type 'help' for usage.")

	scanner := bufio.NewScanner(sh.in)
	for {
		fmt.Fprint(sh.out, "overlay> ")
		if !scanner.Scan() {
			fmt.Fprintln(sh.out)
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if sh.Execute(ctx, scanner.Text()) {
			return nil
		}
	}
}

// Execute runs one command line and reports whether the shell should exit.
func (sh *Shell) Execute(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	command, args := fields[0], fields[1:]

	switch command {
	case "put":
		if len(args) != 2 {
			fmt.Fprintln(sh.out, "Usage: put <key|text> <size>")
			return false
		}
		size, err := humanize.ParseBytes(args[1])
		if err != nil || size > uint64(^uint32(0)) {
			fmt.Fprintf(sh.out, "Invalid size: %s\n", args[1])
			return false
		}
		key := parseKey(args[0])
		sh.request(ctx, "put", key, func(ctx context.Context) (*dht.Handle, error) {
			return sh.backend.Put(ctx, key, uint32(size))
		})

	case "get", "contains":
		if len(args) != 1 {
			fmt.Fprintf(sh.out, "Usage: %s <key|text>\n", command)
			return false
		}
		key := parseKey(args[0])
		issue := sh.backend.Get
		if command == "contains" {
			issue = sh.backend.Contains
		}
		sh.request(ctx, command, key, func(ctx context.Context) (*dht.Handle, error) {
			return issue(ctx, key)
		})

	case "neighbours", "neighbors":
		sh.printNeighbours(ctx)

	case "status":
		sh.printStatus(ctx)

	case "history":
		sh.printHistory()

	case "mykey":
		fmt.Fprintf(sh.out, "Local Public Key: %s\n", hex.EncodeToString(sh.backend.Keys().PublicKey))

	case "exit", "quit":
		return true

	case "help":
		fmt.Fprintln(sh.out, "Available commands:")
		fmt.Fprintln(sh.out, "  put <key|text> <size>   - Find a node willing to store size bytes (e.g. 4MB)")
		fmt.Fprintln(sh.out, "  get <key|text>          - Find a node holding the key")
		fmt.Fprintln(sh.out, "  contains <key|text>     - Ask whether anyone holds the key")
		fmt.Fprintln(sh.out, "  neighbours              - Show the neighbour table and friends")
		fmt.Fprintln(sh.out, "  status                  - Show node status")
		fmt.Fprintln(sh.out, "  history                 - Show issued requests")
		fmt.Fprintln(sh.out, "  mykey                   - Show the node's public key")
		fmt.Fprintln(sh.out, "  help                    - Show this help message")
		fmt.Fprintln(sh.out, "  exit                    - Exit the shell")

	default:
		fmt.Fprintf(sh.out, "Unknown command: %s. Type 'help' for usage.\n", command)
	}
	return false
}

// parseKey accepts a 64 character hex key; anything else is hashed.
func parseKey(arg string) types.Key {
	if key, err := types.ParseKey(arg); err == nil {
		return key
	}
	return types.HashKey([]byte(arg))
}

func (sh *Shell) request(ctx context.Context, command string, key types.Key, issue func(context.Context) (*dht.Handle, error)) {
	record := RequestRecord{Timestamp: time.Now(), Command: command, Key: key}
	defer func() { sh.addToHistory(record) }()

	h, err := issue(ctx)
	if err != nil {
		record.Status, record.Detail = "failed", err.Error()
		fmt.Fprintf(sh.out, "Failed to issue %s: %v\n", command, err)
		return
	}

	fmt.Fprintf(sh.out, "Waiting for %s %s (request %s)\n", command, key.Short(), h.ID)
	waitCtx, cancel := context.WithTimeout(ctx, sh.RequestWait)
	defer cancel()

	offer, err := h.Wait(waitCtx)
	switch {
	case errors.Is(err, dht.ErrRequestTimeout):
		record.Status = "no offer"
		fmt.Fprintln(sh.out, "No node answered before the request timed out")
	case err != nil:
		record.Status, record.Detail = "failed", err.Error()
		fmt.Fprintf(sh.out, "Request failed: %v\n", err)
	default:
		record.Status = "offer"
		record.Detail = fmt.Sprintf("%d@%s", offer.NodeID, offer.Endpoint)
		fmt.Fprintf(sh.out, "Offer from node %d at %s (%s)\n",
			offer.NodeID, offer.Endpoint, humanize.Bytes(uint64(offer.Size)))
	}
}

func (sh *Shell) printNeighbours(ctx context.Context) {
	snap, err := sh.backend.Node().Neighbours(ctx)
	if err != nil {
		fmt.Fprintf(sh.out, "Failed to read neighbours: %v\n", err)
		return
	}

	printPeers := func(label string, peers []dht.PeerInfo) {
		fmt.Fprintf(sh.out, "%s (%d):\n", label, len(peers))
		for _, p := range peers {
			fmt.Fprintf(sh.out, "  %d @ %s  %s, seen %s\n",
				p.Node.ID, p.Node.Addr, p.State, humanize.Time(p.LastSeen))
		}
	}
	fmt.Fprintf(sh.out, "Self: %s\n", snap.Self)
	printPeers("Left", snap.Left)
	printPeers("Right", snap.Right)
	printPeers("Friends", snap.Friends)
}

func (sh *Shell) printStatus(ctx context.Context) {
	self := sh.backend.Node().Self()
	fmt.Fprintln(sh.out, "Node Status:")
	fmt.Fprintf(sh.out, "  Id        : %d\n", self.ID)
	fmt.Fprintf(sh.out, "  Endpoint  : %s\n", self.Addr)
	fmt.Fprintf(sh.out, "  Uptime    : %s\n", humanize.Time(sh.started))

	if pending, err := sh.backend.Node().PendingRequests(ctx); err == nil {
		fmt.Fprintf(sh.out, "  Pending   : %d\n", pending)
	}
	if snap, err := sh.backend.Node().Neighbours(ctx); err == nil {
		fmt.Fprintf(sh.out, "  Neighbours: %d left, %d right, %d friends\n",
			len(snap.Left), len(snap.Right), len(snap.Friends))
	}
	used, capacity := sh.backend.Store().Usage()
	fmt.Fprintf(sh.out, "  Storage   : %s of %s reserved\n", humanize.Bytes(used), humanize.Bytes(capacity))
}

func (sh *Shell) printHistory() {
	history := sh.History()
	if len(history) == 0 {
		fmt.Fprintln(sh.out, "No request history")
		return
	}
	for _, record := range history {
		line := fmt.Sprintf("[%s] %s %s: %s",
			record.Timestamp.Format("15:04:05"), record.Command, record.Key.Short(), record.Status)
		if record.Detail != "" {
			line += " (" + record.Detail + ")"
		}
		fmt.Fprintln(sh.out, line)
	}
}
