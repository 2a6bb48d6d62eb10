package network

import (
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

type Config struct {
	// ListenAddr is host:port; port 0 picks a free one.
	ListenAddr string
	// Dialer opens outbound connections. Defaults to a plain TCP dialer;
	// a Tor SOCKS5 dialer routes the overlay through Tor.
	Dialer proxy.ContextDialer
	// AcceptRate caps accepted connections per second.
	AcceptRate         int
	MaxConcurrentSends int64
	// IdleTimeout closes pooled outbound connections nobody wrote to.
	IdleTimeout time.Duration
	Logger      *logrus.Entry
}
