package metadata

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"

	"texbridge/internal/logging"
)

// DefaultReply is what a Consumer answers when its handler returns nothing.
const DefaultReply = "ok"

// Handler receives one request line and returns the reply line.
type Handler func(ctx context.Context, payload []byte) string

// Consumer is a minimal metadata consumer: it reads one JSON line per request
// and answers with one line. It backs the developer "consume" command and the
// package tests.
type Consumer struct {
	handler Handler
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewConsumer returns a consumer that calls handler for every request.
func NewConsumer(handler Handler, logger *slog.Logger) *Consumer {
	return &Consumer{
		handler: handler,
		logger:  logging.NewComponentLogger(logger, "consumer"),
	}
}

// Serve accepts connections on ln until ctx is done, then closes ln and waits
// for open connections to finish.
func (c *Consumer) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer c.wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.serveConn(ctx, conn)
		}()
	}
}

func (c *Consumer) serveConn(ctx context.Context, conn net.Conn) {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	peer := conn.RemoteAddr().String()
	c.logger.Info("producer connected", logging.String("peer", peer))

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxReplyBytes)
	for scanner.Scan() {
		reply := DefaultReply
		if c.handler != nil {
			if out := c.handler(ctx, scanner.Bytes()); out != "" {
				reply = out
			}
		}
		if _, err := conn.Write([]byte(reply + "\n")); err != nil {
			c.logger.Debug("reply write failed", logging.String("peer", peer), logging.Error(err))
			return
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		c.logger.Debug("producer read failed", logging.String("peer", peer), logging.Error(err))
	}
	c.logger.Info("producer disconnected", logging.String("peer", peer))
}
