package network

import "time"

const (
	connTimeout       = 30 * time.Second
	maxMsgSize        = 1024 * 1024 // 1MB
	readTimeout       = 30 * time.Second
	writeTimeout      = 30 * time.Second
	keepAliveInterval = 5 * time.Second

	defaultAcceptRate         = 200
	defaultMaxConcurrentSends = 64
	defaultIdleTimeout        = 2 * time.Minute

	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)
